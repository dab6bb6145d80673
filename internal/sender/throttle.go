package sender

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

// defaultWriteInterval throttles registry writes; chatty groups can
// produce several sightings per second.
const defaultWriteInterval = time.Second

// Throttled decorates a Repository with write coalescing, the same
// policy as the session store: a save goes straight through when the
// account has been idle, otherwise the latest snapshot is buffered and
// one trailing write is scheduled.
type Throttled struct {
	inner    Repository
	interval time.Duration

	mu        sync.Mutex
	lastWrite map[string]time.Time
	pending   map[string][]Record
	timers    map[string]*time.Timer
}

func NewThrottled(inner Repository, interval time.Duration) *Throttled {
	if interval <= 0 {
		interval = defaultWriteInterval
	}
	return &Throttled{
		inner:     inner,
		interval:  interval,
		lastWrite: make(map[string]time.Time),
		pending:   make(map[string][]Record),
		timers:    make(map[string]*time.Timer),
	}
}

func (t *Throttled) Load(accountID string) ([]Record, bool) {
	t.mu.Lock()
	if records, ok := t.pending[accountID]; ok {
		out := make([]Record, len(records))
		copy(out, records)
		t.mu.Unlock()
		return out, true
	}
	t.mu.Unlock()
	return t.inner.Load(accountID)
}

func (t *Throttled) Save(accountID string, records []Record) error {
	now := time.Now()

	t.mu.Lock()
	last, seen := t.lastWrite[accountID]
	if !seen || now.Sub(last) >= t.interval {
		t.lastWrite[accountID] = now
		t.mu.Unlock()
		return t.inner.Save(accountID, records)
	}

	// Too soon. Buffer the latest snapshot and arm one trailing write.
	t.pending[accountID] = records
	if _, armed := t.timers[accountID]; !armed {
		wait := t.interval - now.Sub(last)
		t.timers[accountID] = time.AfterFunc(wait, func() {
			t.flushAccount(accountID)
		})
	}
	t.mu.Unlock()
	return nil
}

// Flush writes any buffered snapshots immediately. Called on shutdown.
func (t *Throttled) Flush() {
	t.mu.Lock()
	type flush struct {
		account string
		records []Record
	}
	flushes := make([]flush, 0, len(t.pending))
	for account, records := range t.pending {
		flushes = append(flushes, flush{account: account, records: records})
		if timer, ok := t.timers[account]; ok {
			timer.Stop()
			delete(t.timers, account)
		}
		delete(t.pending, account)
		t.lastWrite[account] = time.Now()
	}
	t.mu.Unlock()

	for _, f := range flushes {
		if err := t.inner.Save(f.account, f.records); err != nil {
			L_error("sender: registry flush failed", "account", f.account, "error", err)
		}
	}
}

func (t *Throttled) flushAccount(account string) {
	t.mu.Lock()
	records, ok := t.pending[account]
	delete(t.pending, account)
	delete(t.timers, account)
	if ok {
		t.lastWrite[account] = time.Now()
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if err := t.inner.Save(account, records); err != nil {
		L_error("sender: throttled registry write failed", "account", account, "error", err)
	}
}
