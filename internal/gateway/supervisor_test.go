package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/roelfdiedericks/qqclaw/internal/botapi"
)

// newIdleConn builds a Conn whose API endpoint refuses connections, so
// it parks in the reconnect backoff until cancelled.
func newIdleConn(account string, tokens *botapi.TokenCache) *Conn {
	api := botapi.NewClient(botapi.ClientConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second},
		tokens, botapi.Credentials{AppID: account, ClientSecret: "secret"})
	return NewConn(Config{AccountID: account}, api, NewMemoryRepository(), nil, nil, Handlers{})
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	tokens := botapi.NewTokenCache("http://127.0.0.1:1", time.Second)
	sup := NewSupervisor(newIdleConn("acct-1", tokens), newIdleConn("acct-2", tokens))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	st := sup.Status()
	if len(st) != 2 {
		t.Fatalf("status reports %d accounts, want 2", len(st))
	}
	if st[0].AccountID != "acct-1" || st[1].AccountID != "acct-2" {
		t.Errorf("status accounts = %q, %q", st[0].AccountID, st[1].AccountID)
	}
	for _, s := range st {
		if s.Connected {
			t.Errorf("account %s reports connected against a dead endpoint", s.AccountID)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSupervisorStatusEmpty(t *testing.T) {
	sup := NewSupervisor()
	if st := sup.Status(); len(st) != 0 {
		t.Fatalf("status = %+v, want empty", st)
	}
}
