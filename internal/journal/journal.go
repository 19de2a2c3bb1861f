// Package journal persists the agent's lifecycle transitions and broker
// acknowledgements in SQLite. Sensor readings are never stored.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banchen21/esp32c3-oled/internal/model"

	_ "modernc.org/sqlite"
)

const defaultLimit = 25

var errNotOpen = errors.New("journal not initialized")

// Journal wraps the SQLite database connection and schema lifecycle.
type Journal struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// InitSchema ensures the journal tables exist.
func (j *Journal) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			boot_id TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_boot ON lifecycle_events(boot_id, id);`,
		`CREATE TABLE IF NOT EXISTS acks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			boot_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload_id TEXT,
			code INTEGER NOT NULL,
			message TEXT,
			received_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decode_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// InsertLifecycleEvent records a state transition.
func (j *Journal) InsertLifecycleEvent(ctx context.Context, e model.LifecycleEvent) error {
	if j.db == nil {
		return errNotOpen
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (boot_id, state, detail, created_at) VALUES (?, ?, ?, ?);`,
		e.BootID, e.State, e.Detail, stamp(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// InsertAck records an acknowledgement received on the reply topic.
func (j *Journal) InsertAck(ctx context.Context, a model.AckRecord) error {
	if j.db == nil {
		return errNotOpen
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO acks (boot_id, topic, payload_id, code, message, received_at) VALUES (?, ?, ?, ?, ?, ?);`,
		a.BootID, a.Topic, a.PayloadID, a.Code, a.Message, stamp(a.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ack: %w", err)
	}
	return nil
}

// InsertDecodeError records an inbound payload that could not be decoded.
func (j *Journal) InsertDecodeError(ctx context.Context, e model.DecodeError) error {
	if j.db == nil {
		return errNotOpen
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO decode_errors (topic, payload, error) VALUES (?, ?, ?);`,
		e.Topic, e.Payload, e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert decode error: %w", err)
	}
	return nil
}

// RecentEvents returns the newest lifecycle events first.
func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]model.LifecycleEvent, error) {
	if j.db == nil {
		return nil, errNotOpen
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT boot_id, state, COALESCE(detail, ''), created_at FROM lifecycle_events ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	events := make([]model.LifecycleEvent, 0, limit)
	for rows.Next() {
		var (
			e       model.LifecycleEvent
			created string
		)
		if err := rows.Scan(&e.BootID, &e.State, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		e.CreatedAt = parseStamp(created)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return events, nil
}

// RecentAcks returns the newest acknowledgements first.
func (j *Journal) RecentAcks(ctx context.Context, limit int) ([]model.AckRecord, error) {
	if j.db == nil {
		return nil, errNotOpen
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT boot_id, topic, COALESCE(payload_id, ''), code, COALESCE(message, ''), received_at FROM acks ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query acks: %w", err)
	}
	defer rows.Close()

	acks := make([]model.AckRecord, 0, limit)
	for rows.Next() {
		var (
			a        model.AckRecord
			received string
		)
		if err := rows.Scan(&a.BootID, &a.Topic, &a.PayloadID, &a.Code, &a.Message, &received); err != nil {
			return nil, fmt.Errorf("scan ack: %w", err)
		}
		a.ReceivedAt = parseStamp(received)
		acks = append(acks, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acks: %w", err)
	}
	return acks, nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}
