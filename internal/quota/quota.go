// Package quota enforces the vendor's passive-reply limit: at most a
// fixed number of replies per inbound message id within a rolling
// window. Exhausted or expired quota means the caller must fall back to
// a proactive send.
package quota

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

const (
	// DefaultLimit is the vendor's passive replies per inbound message.
	DefaultLimit = 4

	// DefaultTTL is the reply window after the first passive reply.
	DefaultTTL = time.Hour

	// sweepThreshold triggers opportunistic eviction of expired records.
	sweepThreshold = 10000
)

// Verdict reasons.
const (
	ReasonExpired       = "expired"
	ReasonLimitExceeded = "limit_exceeded"
)

// Verdict is the structured result of a quota check. Exhausted quota is
// an expected path, never an error.
type Verdict struct {
	Allowed                   bool
	Remaining                 int
	ShouldFallbackToProactive bool
	Reason                    string
}

// record tracks passive replies for one inbound message id.
type record struct {
	count        int
	firstReplyAt time.Time
}

// Tracker tracks reply quota per inbound message id. Owned by the
// application context and shared by all outbound call sites of one
// account.
type Tracker struct {
	limit int
	ttl   time.Duration

	mu      sync.Mutex
	records map[string]*record
}

// New creates a tracker. Zero or negative arguments fall back to the
// vendor defaults.
func New(limit int, ttl time.Duration) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		limit:   limit,
		ttl:     ttl,
		records: make(map[string]*record),
	}
}

// Check reports whether another passive reply to messageID is allowed.
// A missing record means full quota. An expired record stays until
// Record resets it or the sweep evicts it, and reads as "expired".
func (t *Tracker) Check(messageID string) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) > sweepThreshold {
		t.sweepLocked()
	}

	rec, ok := t.records[messageID]
	if !ok {
		return Verdict{Allowed: true, Remaining: t.limit}
	}

	if time.Since(rec.firstReplyAt) > t.ttl {
		return Verdict{
			ShouldFallbackToProactive: true,
			Reason:                    ReasonExpired,
		}
	}

	if rec.count >= t.limit {
		return Verdict{
			ShouldFallbackToProactive: true,
			Reason:                    ReasonLimitExceeded,
		}
	}

	return Verdict{Allowed: true, Remaining: t.limit - rec.count}
}

// Record counts one passive reply to messageID and returns the new
// count, which callers use as the msg_seq of that reply. A reply after
// the window expired starts a fresh window at count 1.
func (t *Tracker) Record(messageID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[messageID]
	if !ok || time.Since(rec.firstReplyAt) > t.ttl {
		t.records[messageID] = &record{count: 1, firstReplyAt: time.Now()}
		return 1
	}

	rec.count++
	return rec.count
}

// Size returns the number of tracked message ids.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// sweepLocked evicts expired records. Caller holds the lock.
func (t *Tracker) sweepLocked() {
	before := len(t.records)
	for id, rec := range t.records {
		if time.Since(rec.firstReplyAt) > t.ttl {
			delete(t.records, id)
		}
	}
	L_debug("quota: swept expired records", "before", before, "after", len(t.records))
}
