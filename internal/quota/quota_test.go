package quota

import (
	"fmt"
	"testing"
	"time"
)

func TestCheckFreshMessage(t *testing.T) {
	tr := New(4, time.Hour)

	v := tr.Check("m1")
	if !v.Allowed {
		t.Error("fresh message should be allowed")
	}
	if v.Remaining != 4 {
		t.Errorf("remaining = %d, want 4", v.Remaining)
	}
	if v.ShouldFallbackToProactive {
		t.Error("fresh message should not need fallback")
	}
}

func TestRemainingNonIncreasing(t *testing.T) {
	tr := New(4, time.Hour)

	prev := tr.Check("m1").Remaining
	for i := 1; i <= 4; i++ {
		seq := tr.Record("m1")
		if seq != i {
			t.Errorf("Record #%d returned seq %d", i, seq)
		}
		v := tr.Check("m1")
		if v.Remaining > prev {
			t.Errorf("remaining increased: %d -> %d", prev, v.Remaining)
		}
		prev = v.Remaining

		wantAllowed := i < 4
		if v.Allowed != wantAllowed {
			t.Errorf("after %d replies allowed = %v, want %v", i, v.Allowed, wantAllowed)
		}
	}

	v := tr.Check("m1")
	if v.Allowed {
		t.Error("exhausted quota still allowed")
	}
	if v.Reason != ReasonLimitExceeded {
		t.Errorf("reason = %q, want %q", v.Reason, ReasonLimitExceeded)
	}
	if !v.ShouldFallbackToProactive {
		t.Error("exhausted quota should signal proactive fallback")
	}
}

func TestExpiryThenFreshWindow(t *testing.T) {
	tr := New(4, 30*time.Millisecond)

	tr.Record("m1")
	time.Sleep(50 * time.Millisecond)

	v := tr.Check("m1")
	if v.Allowed {
		t.Error("expired record should not be allowed")
	}
	if v.Reason != ReasonExpired {
		t.Errorf("reason = %q, want %q", v.Reason, ReasonExpired)
	}
	if !v.ShouldFallbackToProactive {
		t.Error("expired record should signal proactive fallback")
	}

	// A new Record resets the window
	if seq := tr.Record("m1"); seq != 1 {
		t.Errorf("post-expiry Record seq = %d, want 1", seq)
	}
	v = tr.Check("m1")
	if !v.Allowed || v.Remaining != 3 {
		t.Errorf("fresh window verdict = %+v", v)
	}
}

func TestIndependentMessages(t *testing.T) {
	tr := New(4, time.Hour)

	for i := 0; i < 4; i++ {
		tr.Record("m1")
	}
	if tr.Check("m1").Allowed {
		t.Error("m1 should be exhausted")
	}
	if !tr.Check("m2").Allowed {
		t.Error("m2 should be unaffected by m1")
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	tr := New(4, 20*time.Millisecond)

	for i := 0; i < sweepThreshold+10; i++ {
		tr.Record(fmt.Sprintf("m%d", i))
	}
	if got := tr.Size(); got != sweepThreshold+10 {
		t.Fatalf("size = %d before sweep", got)
	}

	time.Sleep(40 * time.Millisecond)

	// The next check triggers the size-bounded sweep
	tr.Check("other")
	if got := tr.Size(); got != 0 {
		t.Errorf("size = %d after sweep, want 0", got)
	}
}

func TestSweepKeepsLiveRecords(t *testing.T) {
	tr := New(4, time.Hour)

	for i := 0; i < sweepThreshold+10; i++ {
		tr.Record(fmt.Sprintf("m%d", i))
	}
	tr.Check("other")
	if got := tr.Size(); got != sweepThreshold+10 {
		t.Errorf("live records were evicted: size = %d", got)
	}
}
