package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLedger is the optional durable Ledger backend, for a deployment
// that wants idempotency to survive a process restart. Not required by any
// invariant in §3/§8 (which scope cohort/session state to process
// lifetime), but the replayed-message id set is cheap to persist and doing
// so means a restarted role does not reprocess a message it already acted
// on before the restart.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (creating if necessary) a SQLite database at path
// and ensures its schema exists.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: pinging database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite supports exactly one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &SQLiteLedger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS processed_messages (
		id TEXT PRIMARY KEY,
		processed_at INTEGER NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ledger: initializing schema: %w", err)
	}
	return nil
}

// Seen reports whether id has already been recorded.
func (l *SQLiteLedger) Seen(id string) (bool, error) {
	var count int
	err := l.db.QueryRow(`SELECT COUNT(1) FROM processed_messages WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ledger: checking id: %w", err)
	}
	return count > 0, nil
}

// Record marks id as processed. Uses INSERT OR IGNORE so a repeat record
// of the same id is not an error.
func (l *SQLiteLedger) Record(id string) error {
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO processed_messages (id, processed_at) VALUES (?, ?)`,
		id, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording id: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
