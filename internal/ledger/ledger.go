// Package ledger is the SQLite persistence layer for scheduler decisions:
// the pending-approval queue, the append-only decision log, and per-host AI
// continuity state. Uses modernc.org/sqlite for pure-Go, CGO-free access.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store owns the scheduler tables. Safe for concurrent use; the connection
// pool is pinned to a single writer as SQLite prefers.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at path and ensures the
// schema, backfilling columns added after the tables first shipped.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("configure ledger: %w", err)
		}
	}
	if err := s.ensureSchema(); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (s *Store) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scheduler_pending_approval (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT,
			updated_at TEXT,
			status TEXT,
			host_ip TEXT,
			port TEXT,
			protocol TEXT,
			service TEXT,
			tool_id TEXT,
			label TEXT,
			command_template TEXT,
			command_family_id TEXT,
			danger_categories TEXT,
			scheduler_mode TEXT,
			goal_profile TEXT,
			rationale TEXT,
			decision_reason TEXT,
			execution_job_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS scheduler_decision_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT,
			host_ip TEXT,
			port TEXT,
			protocol TEXT,
			service TEXT,
			scheduler_mode TEXT,
			goal_profile TEXT,
			tool_id TEXT,
			label TEXT,
			command_family_id TEXT,
			danger_categories TEXT,
			requires_approval TEXT,
			approved TEXT,
			executed TEXT,
			reason TEXT,
			rationale TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS scheduler_host_ai_state (
			host_id INTEGER PRIMARY KEY,
			host_ip TEXT,
			updated_at TEXT,
			provider TEXT,
			goal_profile TEXT,
			last_port TEXT,
			last_protocol TEXT,
			last_service TEXT,
			hostname TEXT,
			hostname_confidence REAL,
			os_match TEXT,
			os_confidence REAL,
			next_phase TEXT,
			technologies_json TEXT,
			findings_json TEXT,
			manual_tests_json TEXT,
			raw_json TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	// Columns added after the tables first shipped.
	return s.ensureColumn("scheduler_decision_log", "approval_id", "TEXT")
}

// ensureColumn backfills a column on a table created by an older schema.
func (s *Store) ensureColumn(table, column, columnType string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnType))
	return err
}

// NewJobID returns a fresh execution job identifier.
func NewJobID() string { return uuid.NewString() }

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func categoriesJSON(categories []string) string {
	if categories == nil {
		categories = []string{}
	}
	data, err := json.Marshal(categories)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func categoriesFromJSON(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}
