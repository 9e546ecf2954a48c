package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/octavio/internal/session"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// timeLayout is fixed width so stored timestamps compare and sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Registry is the session index and device liveness store.
type Registry struct {
	db *sql.DB
}

// Instrument is a device known to the registry.
type Instrument struct {
	InstrumentID string    `json:"instrument_id"`
	LastSeen     time.Time `json:"last_seen"`
	// ProducerTime is the device's own clock reading from its latest
	// heartbeat, verbatim.
	ProducerTime string `json:"producer_time,omitempty"`
	Sessions     int    `json:"sessions"`
}

// Session is one indexed session.
type Session struct {
	InstrumentID string    `json:"instrument_id"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	RefreshedAt  time.Time `json:"refreshed_at"`
	Fragments    int       `json:"fragments"`
}

// Open creates or opens a registry database at path, applying pragmas and
// the schema. Safe to call repeatedly on the same file.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to registry: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("registry schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// TouchSession records an accepted fragment for id at time at: the session
// row is created or refreshed and its fragment count incremented, and the
// instrument is marked as seen.
func (r *Registry) TouchSession(ctx context.Context, id session.ID, at time.Time) error {
	ts := at.UTC().Format(timeLayout)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (instrument_id, session_id, created_at, refreshed_at, fragments)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (instrument_id, session_id) DO UPDATE SET
			refreshed_at = excluded.refreshed_at,
			fragments = sessions.fragments + 1
	`, id.InstrumentID, id.SessionID, ts, ts)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if err := seen(ctx, tx, id.InstrumentID, ts, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// Heartbeat records that instrumentID was alive at time at. producerTime
// is the device's own timestamp and is stored verbatim.
func (r *Registry) Heartbeat(ctx context.Context, instrumentID, producerTime string, at time.Time) error {
	return seen(ctx, r.db, instrumentID, at.UTC().Format(timeLayout), producerTime)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func seen(ctx context.Context, db execer, instrumentID, ts, producerTime string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO instruments (instrument_id, last_seen, producer_time)
		VALUES (?, ?, ?)
		ON CONFLICT (instrument_id) DO UPDATE SET
			last_seen = MAX(instruments.last_seen, excluded.last_seen),
			producer_time = CASE WHEN excluded.producer_time = '' THEN instruments.producer_time
			                     ELSE excluded.producer_time END
	`, instrumentID, ts, producerTime)
	if err != nil {
		return fmt.Errorf("mark instrument %s seen: %w", instrumentID, err)
	}
	return nil
}

// Instruments lists every known instrument with its session count.
func (r *Registry) Instruments(ctx context.Context) ([]Instrument, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT i.instrument_id, i.last_seen, i.producer_time, COUNT(s.session_id)
		FROM instruments i
		LEFT JOIN sessions s ON s.instrument_id = i.instrument_id
		GROUP BY i.instrument_id
		ORDER BY i.instrument_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		var (
			in       Instrument
			lastSeen string
		)
		if err := rows.Scan(&in.InstrumentID, &lastSeen, &in.ProducerTime, &in.Sessions); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		if in.LastSeen, err = time.Parse(timeLayout, lastSeen); err != nil {
			return nil, fmt.Errorf("instrument %s: bad last_seen %q: %w", in.InstrumentID, lastSeen, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Sessions lists instrumentID's sessions, most recently refreshed first.
func (r *Registry) Sessions(ctx context.Context, instrumentID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT instrument_id, session_id, created_at, refreshed_at, fragments
		FROM sessions
		WHERE instrument_id = ?
		ORDER BY refreshed_at DESC, session_id COLLATE BINARY ASC
	`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", instrumentID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s                  Session
			created, refreshed string
		)
		if err := rows.Scan(&s.InstrumentID, &s.SessionID, &created, &refreshed, &s.Fragments); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if s.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("session %s: bad created_at %q: %w", s.SessionID, created, err)
		}
		if s.RefreshedAt, err = time.Parse(timeLayout, refreshed); err != nil {
			return nil, fmt.Errorf("session %s: bad refreshed_at %q: %w", s.SessionID, refreshed, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
