// Package archive records messages flowing through the gateway in
// sqlite so traffic can be audited after the fact.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/qqclaw/internal/config"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/paths"
)

// Directions for archived records.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Record is one archived message.
type Record struct {
	ID          int64
	Account     string
	Direction   string
	Kind        string
	SenderID    string
	Destination string
	MessageID   string
	Content     string
	CreatedAt   time.Time
}

// Schema version for migrations.
const currentSchemaVersion = 2

// Store is the sqlite-backed message archive.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the archive database and migrates it.
func NewStore(cfg config.ArchiveConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		var err error
		path, err = paths.ArchivePath()
		if err != nil {
			return nil, err
		}
	}
	path, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migration failed: %w", err)
	}

	L_info("archive: store opened", "path", path)
	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	L_debug("archive: closing store")
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, start from scratch.
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("archive: schema up to date", "version", version)
		return nil
	}

	L_info("archive: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("archive: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the initial schema.
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account TEXT NOT NULL,
		direction TEXT NOT NULL,
		kind TEXT NOT NULL,
		sender_id TEXT,
		destination TEXT,
		message_id TEXT,
		content TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_account ON records(account, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 adds a message id index so passive replies can be matched
// to the inbound message they answered.
func migrateV2(db *sql.DB) error {
	schema := `
	CREATE INDEX IF NOT EXISTS idx_records_message ON records(message_id) WHERE message_id IS NOT NULL;

	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// Append writes one record. A zero CreatedAt stamps the current time.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.Direction != DirectionIn && rec.Direction != DirectionOut {
		return fmt.Errorf("invalid direction %q", rec.Direction)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (account, direction, kind, sender_id, destination, message_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Account, rec.Direction, rec.Kind, nullString(rec.SenderID),
		nullString(rec.Destination), nullString(rec.MessageID), rec.Content, created.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert record failed: %w", err)
	}

	L_trace("archive: record appended", "account", rec.Account, "direction", rec.Direction, "kind", rec.Kind)
	return nil
}

// Query filters a listing. Zero fields match everything.
type Query struct {
	Account   string
	Direction string
	Kind      string
	MessageID string
	Since     time.Time
	Limit     int
}

// List returns matching records, newest first. Limit defaults to 100.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	query := `
		SELECT id, account, direction, kind, sender_id, destination, message_id, content, created_at
		FROM records
		WHERE 1=1
	`
	var args []interface{}

	if q.Account != "" {
		query += " AND account = ?"
		args = append(args, q.Account)
	}
	if q.Direction != "" {
		query += " AND direction = ?"
		args = append(args, q.Direction)
	}
	if q.Kind != "" {
		query += " AND kind = ?"
		args = append(args, q.Kind)
	}
	if q.MessageID != "" {
		query += " AND message_id = ?"
		args = append(args, q.MessageID)
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.Unix())
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var senderID, destination, messageID sql.NullString
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Account, &rec.Direction, &rec.Kind,
			&senderID, &destination, &messageID, &rec.Content, &createdAt); err != nil {
			return nil, err
		}
		rec.SenderID = senderID.String
		rec.Destination = destination.String
		rec.MessageID = messageID.String
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats summarizes the archive contents.
type Stats struct {
	Total    int64
	Inbound  int64
	Outbound int64
	Accounts int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(direction = 'in'), 0),
		       COALESCE(SUM(direction = 'out'), 0),
		       COUNT(DISTINCT account)
		FROM records
	`).Scan(&st.Total, &st.Inbound, &st.Outbound, &st.Accounts)
	if err != nil {
		return Stats{}, fmt.Errorf("stats query failed: %w", err)
	}
	return st, nil
}

// Prune deletes records older than cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_info("archive: pruned records", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
