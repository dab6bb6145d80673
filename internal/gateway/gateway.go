package gateway

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roelfdiedericks/qqclaw/internal/logging"
)

// AccountStatus is a point-in-time view of one account's connection.
type AccountStatus struct {
	AccountID  string
	Connected  bool
	Uptime     time.Duration
	Reconnects int
	QueueDepth int
	LastError  string
}

// Supervisor runs one Conn per configured account. Accounts are
// independent: one halting permanently does not stop its siblings, only
// ctx cancellation stops them all.
type Supervisor struct {
	conns []*Conn
}

func NewSupervisor(conns ...*Conn) *Supervisor {
	return &Supervisor{conns: conns}
}

// Run blocks until every connection has stopped and returns the first
// halt error, if any.
func (s *Supervisor) Run(ctx context.Context) error {
	logging.L_info("gateway: supervising accounts", "count", len(s.conns))

	var g errgroup.Group
	for _, c := range s.conns {
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	err := g.Wait()

	for _, st := range s.Status() {
		logging.L_info("gateway: account summary", "account", st.AccountID,
			"reconnects", st.Reconnects, "lastError", st.LastError)
	}
	return err
}

// Status reports every account's connection state.
func (s *Supervisor) Status() []AccountStatus {
	out := make([]AccountStatus, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, AccountStatus{
			AccountID:  c.AccountID(),
			Connected:  c.IsConnected(),
			Uptime:     c.Uptime(),
			Reconnects: c.Reconnects(),
			QueueDepth: c.QueueDepth(),
			LastError:  c.LastError(),
		})
	}
	return out
}
