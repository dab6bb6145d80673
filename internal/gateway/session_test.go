package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func sampleState(account string) SessionState {
	return SessionState{
		AccountID:       account,
		SessionID:       "sess-" + account,
		LastSequence:    42,
		IntentLevel:     LevelGroupChannel,
		LastConnectedAt: time.Now(),
	}
}

// writeRawState plants a state file directly, bypassing Save's SavedAt
// stamping, so staleness can be controlled.
func writeRawState(t *testing.T, dir string, state SessionState) {
	t.Helper()
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "session-"+state.AccountID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestFileRepositoryRoundTrip(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	if err := repo.Save(sampleState("acct")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok := repo.Load("acct")
	if !ok {
		t.Fatal("Load returned absent for fresh state")
	}
	if got.SessionID != "sess-acct" || got.LastSequence != 42 || got.IntentLevel != LevelGroupChannel {
		t.Errorf("loaded %+v, want session/seq/level round-trip", got)
	}
}

func TestFileRepositoryExpiresStaleState(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	stale := sampleState("old")
	stale.SavedAt = time.Now().Add(-6 * time.Minute)
	writeRawState(t, dir, stale)

	if _, ok := repo.Load("old"); ok {
		t.Fatal("stale state loaded as fresh")
	}
	if _, err := os.Stat(filepath.Join(dir, "session-old.json")); !os.IsNotExist(err) {
		t.Error("stale state file not removed")
	}
}

func TestFileRepositoryRejectsIncompleteState(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	missing := sampleState("half")
	missing.SessionID = ""
	missing.SavedAt = time.Now()
	writeRawState(t, dir, missing)

	if _, ok := repo.Load("half"); ok {
		t.Fatal("state without session id loaded as fresh")
	}
}

func TestFileRepositoryClear(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	if err := repo.Save(sampleState("gone")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Clear("gone"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := repo.Load("gone"); ok {
		t.Fatal("cleared state still loads")
	}
	if err := repo.Clear("gone"); err != nil {
		t.Errorf("second Clear errored: %v", err)
	}
}

func TestMemoryRepositoryExpiry(t *testing.T) {
	repo := NewMemoryRepository()

	stale := sampleState("m")
	stale.SavedAt = time.Now().Add(-6 * time.Minute)
	repo.states["m"] = stale

	if _, ok := repo.Load("m"); ok {
		t.Fatal("stale in-memory state loaded as fresh")
	}
	if _, present := repo.states["m"]; present {
		t.Error("stale record not evicted")
	}
}

type countingRepo struct {
	*MemoryRepository
	mu    sync.Mutex
	saves int
}

func newCountingRepo() *countingRepo {
	return &countingRepo{MemoryRepository: NewMemoryRepository()}
}

func (r *countingRepo) Save(state SessionState) error {
	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	return r.MemoryRepository.Save(state)
}

func (r *countingRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func TestThrottledWriteCoalescing(t *testing.T) {
	inner := newCountingRepo()
	repo := NewThrottled(inner, 60*time.Millisecond)

	first := sampleState("t")
	first.LastSequence = 1
	if err := repo.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if inner.saveCount() != 1 {
		t.Fatalf("first save not immediate: %d writes", inner.saveCount())
	}

	// Burst within the window: buffered, single trailing write.
	for seq := int64(2); seq <= 5; seq++ {
		state := first
		state.LastSequence = seq
		if err := repo.Save(state); err != nil {
			t.Fatalf("Save seq %d: %v", seq, err)
		}
	}
	if inner.saveCount() != 1 {
		t.Fatalf("burst wrote through: %d writes", inner.saveCount())
	}

	// Reads see the buffered state, not the stale inner one.
	got, ok := repo.Load("t")
	if !ok || got.LastSequence != 5 {
		t.Fatalf("Load = %+v/%v, want buffered seq 5", got, ok)
	}

	time.Sleep(120 * time.Millisecond)
	if inner.saveCount() != 2 {
		t.Fatalf("trailing write count = %d, want 2", inner.saveCount())
	}
	got, ok = inner.Load("t")
	if !ok || got.LastSequence != 5 {
		t.Errorf("inner state = %+v/%v, want seq 5", got, ok)
	}
}

func TestThrottledClearCancelsPending(t *testing.T) {
	inner := newCountingRepo()
	repo := NewThrottled(inner, 60*time.Millisecond)

	if err := repo.Save(sampleState("c")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(sampleState("c")); err != nil {
		t.Fatalf("buffered Save: %v", err)
	}
	if err := repo.Clear("c"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if inner.saveCount() != 1 {
		t.Errorf("cancelled trailing write still ran: %d writes", inner.saveCount())
	}
	if _, ok := repo.Load("c"); ok {
		t.Error("cleared state still loads")
	}
}

func TestThrottledFlush(t *testing.T) {
	inner := newCountingRepo()
	repo := NewThrottled(inner, time.Hour)

	state := sampleState("f")
	if err := repo.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	state.LastSequence = 99
	if err := repo.Save(state); err != nil {
		t.Fatalf("buffered Save: %v", err)
	}

	repo.Flush()
	if inner.saveCount() != 2 {
		t.Fatalf("flush write count = %d, want 2", inner.saveCount())
	}
	got, ok := inner.Load("f")
	if !ok || got.LastSequence != 99 {
		t.Errorf("flushed state = %+v/%v, want seq 99", got, ok)
	}
}
