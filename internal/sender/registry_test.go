package sender

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestRegistryObserveAndLookup(t *testing.T) {
	reg := NewRegistry("acc-1", NewMemoryRepository())

	reg.Observe("c2c", "open-alice", "")
	reg.Observe("c2c", "open-alice", "Alice")
	reg.Observe("group", "open-bob", "Bob")

	if got := reg.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	alice, ok := reg.Get("c2c", "open-alice")
	if !ok {
		t.Fatal("Get(c2c, open-alice) not found")
	}
	if alice.Count != 2 {
		t.Errorf("alice.Count = %d, want 2", alice.Count)
	}
	if alice.DisplayName != "Alice" {
		t.Errorf("alice.DisplayName = %q, want Alice", alice.DisplayName)
	}
	if alice.FirstSeen.IsZero() || alice.LastSeen.Before(alice.FirstSeen) {
		t.Errorf("alice seen times inconsistent: first=%v last=%v", alice.FirstSeen, alice.LastSeen)
	}

	if _, ok := reg.Get("group", "open-alice"); ok {
		t.Error("Get(group, open-alice) found a record, kinds should not cross")
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d records, want 2", len(list))
	}
	if list[0].OpenID != "open-bob" {
		t.Errorf("List()[0].OpenID = %q, want open-bob (most recent first)", list[0].OpenID)
	}
}

func TestRegistryKeepsNameWhenSightingIsAnonymous(t *testing.T) {
	reg := NewRegistry("acc-1", NewMemoryRepository())

	reg.Observe("group", "open-bob", "Bob")
	reg.Observe("group", "open-bob", "")

	rec, ok := reg.Get("group", "open-bob")
	if !ok {
		t.Fatal("Get(group, open-bob) not found")
	}
	if rec.DisplayName != "Bob" {
		t.Errorf("DisplayName = %q, want Bob", rec.DisplayName)
	}
}

func TestRegistryIgnoresEmptyOpenID(t *testing.T) {
	reg := NewRegistry("acc-1", NewMemoryRepository())
	reg.Observe("c2c", "", "ghost")
	if got := reg.Count(); got != 0 {
		t.Fatalf("Count() = %d after empty openid, want 0", got)
	}
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	reg := NewRegistry("acc-1", repo)
	reg.Observe("c2c", "open-alice", "Alice")
	reg.Observe("group", "open-bob", "")

	first, _ := reg.Get("c2c", "open-alice")

	reopened := NewRegistry("acc-1", repo)
	if got := reopened.Count(); got != 2 {
		t.Fatalf("reopened Count() = %d, want 2", got)
	}

	reopened.Observe("c2c", "open-alice", "")
	alice, ok := reopened.Get("c2c", "open-alice")
	if !ok {
		t.Fatal("Get(c2c, open-alice) not found after restart")
	}
	if alice.Count != 2 {
		t.Errorf("alice.Count = %d after restart, want 2", alice.Count)
	}
	if !alice.FirstSeen.Equal(first.FirstSeen) {
		t.Errorf("FirstSeen changed across restart: %v != %v", alice.FirstSeen, first.FirstSeen)
	}
}

func TestRegistryIsolatedPerAccount(t *testing.T) {
	repo := NewMemoryRepository()

	one := NewRegistry("acc-1", repo)
	one.Observe("c2c", "open-alice", "")

	two := NewRegistry("acc-2", repo)
	if got := two.Count(); got != 0 {
		t.Fatalf("acc-2 Count() = %d, want 0", got)
	}
}

func TestFileRepositoryCorruptStartsFresh(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "senders-acc-1.json"), []byte("{nope"), 0600); err != nil {
		t.Fatalf("plant corrupt file: %v", err)
	}

	if _, ok := repo.Load("acc-1"); ok {
		t.Fatal("Load returned ok for corrupt registry file")
	}
}

// countingRepo counts inner writes so throttle tests can tell buffered
// saves from real ones.
type countingRepo struct {
	*MemoryRepository
	mu    sync.Mutex
	saves int
}

func (c *countingRepo) Save(accountID string, records []Record) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.MemoryRepository.Save(accountID, records)
}

func (c *countingRepo) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func TestThrottledCoalescesBursts(t *testing.T) {
	inner := &countingRepo{MemoryRepository: NewMemoryRepository()}
	throttled := NewThrottled(inner, 60*time.Millisecond)

	records := func(count int64) []Record {
		return []Record{{OpenID: "open-alice", Kind: "c2c", Count: count}}
	}

	if err := throttled.Save("acc-1", records(1)); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if got := inner.saveCount(); got != 1 {
		t.Fatalf("first save not immediate, inner writes = %d", got)
	}

	for i := int64(2); i <= 5; i++ {
		if err := throttled.Save("acc-1", records(i)); err != nil {
			t.Fatalf("burst Save: %v", err)
		}
	}
	if got := inner.saveCount(); got != 1 {
		t.Fatalf("burst hit inner repo, writes = %d, want 1", got)
	}

	// Reads observe the buffered snapshot, not the stale disk state.
	loaded, ok := throttled.Load("acc-1")
	if !ok || len(loaded) != 1 || loaded[0].Count != 5 {
		t.Fatalf("Load() = %+v, %v, want buffered count 5", loaded, ok)
	}

	time.Sleep(150 * time.Millisecond)
	if got := inner.saveCount(); got != 2 {
		t.Fatalf("trailing write missing, inner writes = %d, want 2", got)
	}
	persisted, ok := inner.Load("acc-1")
	if !ok || persisted[0].Count != 5 {
		t.Fatalf("persisted = %+v, %v, want count 5", persisted, ok)
	}
}

func TestThrottledFlushWrites(t *testing.T) {
	inner := &countingRepo{MemoryRepository: NewMemoryRepository()}
	throttled := NewThrottled(inner, time.Hour)

	if err := throttled.Save("acc-1", []Record{{OpenID: "a", Kind: "c2c", Count: 1}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := throttled.Save("acc-1", []Record{{OpenID: "a", Kind: "c2c", Count: 9}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := inner.saveCount(); got != 1 {
		t.Fatalf("second save hit inner repo, writes = %d", got)
	}

	throttled.Flush()
	if got := inner.saveCount(); got != 2 {
		t.Fatalf("Flush did not write, inner writes = %d", got)
	}
	persisted, ok := inner.Load("acc-1")
	if !ok || persisted[0].Count != 9 {
		t.Fatalf("persisted = %+v, %v, want count 9", persisted, ok)
	}
}

func TestRegistryFlushReachesDisk(t *testing.T) {
	dir := t.TempDir()
	fileRepo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	reg := NewRegistry("acc-1", NewThrottled(fileRepo, time.Hour))
	reg.Observe("c2c", "open-alice", "Alice")
	reg.Observe("group", "open-bob", "Bob")
	reg.Flush()

	persisted, ok := fileRepo.Load("acc-1")
	if !ok {
		t.Fatal("nothing on disk after Flush")
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted %d records, want 2", len(persisted))
	}
}
