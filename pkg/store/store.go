// Package store is the durable record and session store. It is a single
// SQLite file opened with one connection, so every write is serialized and
// readers always see committed state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pinscraper/pkg/logger"
)

// ErrNotFound is returned when a record or session does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	query             TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	creator_id        TEXT NOT NULL DEFAULT '',
	creator_name      TEXT NOT NULL DEFAULT '',
	board_id          TEXT NOT NULL DEFAULT '',
	board_name        TEXT NOT NULL DEFAULT '',
	image_urls        TEXT NOT NULL DEFAULT '{}',
	largest_image_url TEXT NOT NULL DEFAULT '',
	stats             TEXT NOT NULL DEFAULT '{}',
	downloaded        INTEGER NOT NULL DEFAULT 0,
	local_path        TEXT NOT NULL DEFAULT '',
	download_error    TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS record_queries (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	query     TEXT NOT NULL,
	record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	UNIQUE (query, record_id)
);
CREATE INDEX IF NOT EXISTS idx_record_queries_record ON record_queries(record_id);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	query        TEXT NOT NULL,
	target_count INTEGER NOT NULL,
	actual_count INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	stop_reason  TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	owner        TEXT NOT NULL DEFAULT '',
	heartbeat_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_query ON sessions(query, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_running ON sessions(query) WHERE status = 'running';
`

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
	log  logger.Logger
	now  func() time.Time
}

// Open opens (creating if needed) the store at path.
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// one connection: the single-writer discipline is enforced here
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	log.DebugWithFields("Store opened", map[string]interface{}{"path": path})
	return &Store{db: db, path: path, log: log, now: time.Now}, nil
}

// addedColumns lists columns introduced after the first schema, so stores
// created earlier gain them on open.
var addedColumns = []struct{ table, name, def string }{
	{"sessions", "owner", "TEXT NOT NULL DEFAULT ''"},
	{"sessions", "heartbeat_at", "TEXT"},
}

func migrate(db *sql.DB) error {
	for _, c := range addedColumns {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.name).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", c.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(`ALTER TABLE ` + c.table + ` ADD COLUMN ` + c.name + ` ` + c.def); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.WithError(rbErr).Warn("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeFormat is fixed width so stored timestamps sort as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
