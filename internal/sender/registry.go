package sender

import (
	"sort"
	"sync"
	"time"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

// Registry maintains the set of known senders for one account and
// provides lookup by surface kind and openid. Observe is safe to call
// from the socket read path: the update is in-memory and persistence
// goes through the (usually throttled) repository.
type Registry struct {
	accountID string
	repo      Repository

	mu      sync.RWMutex
	records map[string]*Record // by kind "/" openid
}

func key(kind, openID string) string {
	return kind + "/" + openID
}

// NewRegistry creates a registry seeded from whatever the repository
// has persisted for the account.
func NewRegistry(accountID string, repo Repository) *Registry {
	r := &Registry{
		accountID: accountID,
		repo:      repo,
		records:   make(map[string]*Record),
	}

	if persisted, ok := repo.Load(accountID); ok {
		for i := range persisted {
			rec := persisted[i]
			r.records[key(rec.Kind, rec.OpenID)] = &rec
		}
		L_debug("sender: registry loaded", "account", accountID, "senders", len(r.records))
	}

	return r
}

// Observe records a sighting of openID on the given surface. New
// senders are logged once; repeat sightings bump lastSeen and count.
func (r *Registry) Observe(kind, openID, displayName string) {
	if openID == "" {
		return
	}
	now := time.Now()

	r.mu.Lock()
	rec, ok := r.records[key(kind, openID)]
	if !ok {
		rec = &Record{OpenID: openID, Kind: kind, FirstSeen: now}
		r.records[key(kind, openID)] = rec
		L_info("sender: new sender", "account", r.accountID, "kind", kind, "openid", openID, "name", displayName)
	}
	rec.LastSeen = now
	rec.Count++
	if displayName != "" {
		rec.DisplayName = displayName
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if err := r.repo.Save(r.accountID, snapshot); err != nil {
		L_warn("sender: registry save failed", "account", r.accountID, "error", err)
	}
}

// Get returns the record for a sender, if one has been seen.
func (r *Registry) Get(kind, openID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key(kind, openID)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns all known senders, most recently seen first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastSeen.After(records[j].LastSeen)
	})
	return records
}

// Count returns the number of known senders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Flush forces any buffered registry write. Called on shutdown.
func (r *Registry) Flush() {
	if f, ok := r.repo.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// snapshotLocked copies the records in a stable order for persistence.
// Caller holds at least a read lock.
func (r *Registry) snapshotLocked() []Record {
	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Kind != records[j].Kind {
			return records[i].Kind < records[j].Kind
		}
		return records[i].OpenID < records[j].OpenID
	})
	return records
}
