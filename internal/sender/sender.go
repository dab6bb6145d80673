// Package sender tracks the peers a bot has heard from. Every inbound
// message bumps a per-sender record, giving operators a directory of
// known openids and proactive sends a place to look up targets.
package sender

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roelfdiedericks/qqclaw/internal/config"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/paths"
)

// Record is one known sender: a peer openid seen on some surface.
type Record struct {
	OpenID      string    `json:"openId"`
	Kind        string    `json:"kind"`
	DisplayName string    `json:"displayName,omitempty"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Count       int64     `json:"count"`
}

// registryFile is the on-disk shape of senders-<account>.json.
type registryFile struct {
	AccountID string    `json:"account_id"`
	SavedAt   time.Time `json:"saved_at"`
	Senders   []Record  `json:"senders"`
}

// Repository persists the full sender list for an account.
type Repository interface {
	Load(accountID string) ([]Record, bool)
	Save(accountID string, records []Record) error
}

// FileRepository persists one senders-<account>.json per account.
type FileRepository struct {
	dir string
}

func NewFileRepository(dir string) (*FileRepository, error) {
	if err := paths.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) path(accountID string) string {
	return filepath.Join(r.dir, "senders-"+accountID+".json")
}

func (r *FileRepository) Load(accountID string) ([]Record, bool) {
	data, err := os.ReadFile(r.path(accountID))
	if err != nil {
		if !os.IsNotExist(err) {
			L_warn("sender: registry unreadable", "account", accountID, "error", err)
		}
		return nil, false
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		// Next save rewrites the whole file, so a corrupt registry
		// just means starting the directory over.
		L_warn("sender: registry corrupt, starting fresh", "account", accountID, "error", err)
		return nil, false
	}
	if len(file.Senders) == 0 {
		return nil, false
	}
	return file.Senders, true
}

func (r *FileRepository) Save(accountID string, records []Record) error {
	file := registryFile{
		AccountID: accountID,
		SavedAt:   time.Now(),
		Senders:   records,
	}
	return config.AtomicWriteJSON(r.path(accountID), file, 0600)
}

// MemoryRepository is the in-memory substitute used by tests and dry runs.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string][]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string][]Record)}
}

func (r *MemoryRepository) Load(accountID string) ([]Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, ok := r.records[accountID]
	if !ok || len(records) == 0 {
		return nil, false
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out, true
}

func (r *MemoryRepository) Save(accountID string, records []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := make([]Record, len(records))
	copy(stored, records)
	r.records[accountID] = stored
	return nil
}
