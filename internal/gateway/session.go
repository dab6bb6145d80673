package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roelfdiedericks/qqclaw/internal/config"
	"github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/paths"
)

// sessionTTL bounds how old persisted state may be and still be offered
// for a Resume. The vendor invalidates server-side sessions quickly, so
// anything older gets a fresh Identify.
const sessionTTL = 5 * time.Minute

// defaultWriteInterval throttles session writes; dispatch frames can
// arrive in bursts and each one bumps the sequence.
const defaultWriteInterval = time.Second

// SessionState is the per-account resume state persisted across restarts.
type SessionState struct {
	AccountID       string    `json:"account_id"`
	SessionID       string    `json:"session_id"`
	LastSequence    int64     `json:"last_sequence"`
	IntentLevel     int       `json:"intent_level"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	SavedAt         time.Time `json:"saved_at"`
}

// SessionRepository stores resume state. Load reports absent (and drops
// the backing record) when the state is stale or incomplete.
type SessionRepository interface {
	Load(accountID string) (SessionState, bool)
	Save(state SessionState) error
	Clear(accountID string) error
}

func sessionStale(state SessionState, now time.Time) bool {
	if state.SessionID == "" || state.SavedAt.IsZero() {
		return true
	}
	return now.Sub(state.SavedAt) > sessionTTL
}

// FileRepository persists one session-<account>.json per account.
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
	return filepath.Join(r.dir, "session-"+accountID+".json")
}

func (r *FileRepository) Load(accountID string) (SessionState, bool) {
	data, err := os.ReadFile(r.path(accountID))
	if err != nil {
		if !os.IsNotExist(err) {
			logging.L_warn("gateway: session state unreadable", "account", accountID, "error", err)
		}
		return SessionState{}, false
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		logging.L_warn("gateway: session state corrupt, discarding", "account", accountID, "error", err)
		_ = os.Remove(r.path(accountID))
		return SessionState{}, false
	}

	if sessionStale(state, time.Now()) {
		logging.L_debug("gateway: session state stale, discarding", "account", accountID, "savedAt", state.SavedAt)
		_ = os.Remove(r.path(accountID))
		return SessionState{}, false
	}
	return state, true
}

func (r *FileRepository) Save(state SessionState) error {
	state.SavedAt = time.Now()
	return config.AtomicWriteJSON(r.path(state.AccountID), state, 0600)
}

func (r *FileRepository) Clear(accountID string) error {
	err := os.Remove(r.path(accountID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryRepository is the in-memory substitute used by tests and dry runs.
type MemoryRepository struct {
	mu     sync.Mutex
	states map[string]SessionState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]SessionState)}
}

func (r *MemoryRepository) Load(accountID string) (SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[accountID]
	if !ok {
		return SessionState{}, false
	}
	if sessionStale(state, time.Now()) {
		delete(r.states, accountID)
		return SessionState{}, false
	}
	return state, true
}

func (r *MemoryRepository) Save(state SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state.SavedAt = time.Now()
	r.states[state.AccountID] = state
	return nil
}

func (r *MemoryRepository) Clear(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, accountID)
	return nil
}

// ThrottledRepository decorates a repository with write coalescing:
// a save goes straight through when the last write for that account is
// old enough, otherwise it is buffered and a single trailing write is
// scheduled. Loads observe buffered state so readers never go backwards.
type ThrottledRepository struct {
	inner    SessionRepository
	interval time.Duration

	mu        sync.Mutex
	lastWrite map[string]time.Time
	pending   map[string]SessionState
	timers    map[string]*time.Timer
}

func NewThrottled(inner SessionRepository, interval time.Duration) *ThrottledRepository {
	if interval <= 0 {
		interval = defaultWriteInterval
	}
	return &ThrottledRepository{
		inner:     inner,
		interval:  interval,
		lastWrite: make(map[string]time.Time),
		pending:   make(map[string]SessionState),
		timers:    make(map[string]*time.Timer),
	}
}

func (t *ThrottledRepository) Load(accountID string) (SessionState, bool) {
	t.mu.Lock()
	if state, ok := t.pending[accountID]; ok {
		t.mu.Unlock()
		return state, true
	}
	t.mu.Unlock()
	return t.inner.Load(accountID)
}

func (t *ThrottledRepository) Save(state SessionState) error {
	now := time.Now()
	account := state.AccountID

	t.mu.Lock()
	last, seen := t.lastWrite[account]
	if !seen || now.Sub(last) >= t.interval {
		t.lastWrite[account] = now
		t.mu.Unlock()
		return t.inner.Save(state)
	}

	// Too soon. Buffer and arm one trailing write.
	state.SavedAt = now
	t.pending[account] = state
	if _, armed := t.timers[account]; !armed {
		wait := t.interval - now.Sub(last)
		t.timers[account] = time.AfterFunc(wait, func() {
			t.flushAccount(account)
		})
	}
	t.mu.Unlock()
	return nil
}

func (t *ThrottledRepository) Clear(accountID string) error {
	t.mu.Lock()
	if timer, ok := t.timers[accountID]; ok {
		timer.Stop()
		delete(t.timers, accountID)
	}
	delete(t.pending, accountID)
	t.mu.Unlock()
	return t.inner.Clear(accountID)
}

// Flush writes any buffered state immediately. Called on shutdown.
func (t *ThrottledRepository) Flush() {
	t.mu.Lock()
	states := make([]SessionState, 0, len(t.pending))
	for account, state := range t.pending {
		states = append(states, state)
		if timer, ok := t.timers[account]; ok {
			timer.Stop()
			delete(t.timers, account)
		}
		delete(t.pending, account)
		t.lastWrite[account] = time.Now()
	}
	t.mu.Unlock()

	for _, state := range states {
		if err := t.inner.Save(state); err != nil {
			logging.L_error("gateway: session flush failed", "account", state.AccountID, "error", err)
		}
	}
}

func (t *ThrottledRepository) flushAccount(account string) {
	t.mu.Lock()
	state, ok := t.pending[account]
	delete(t.pending, account)
	delete(t.timers, account)
	if ok {
		t.lastWrite[account] = time.Now()
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if err := t.inner.Save(state); err != nil {
		logging.L_error("gateway: throttled session write failed", "account", account, "error", err)
	}
}
