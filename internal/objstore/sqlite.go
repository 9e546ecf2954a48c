package objstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - objects table
const currentSchemaVersion = 1

// SQLite is a Store backed by a single SQLite database file.
// Conditional writes are single statements (INSERT ... ON CONFLICT DO NOTHING,
// UPDATE ... WHERE token = ?) so they stay atomic across processes sharing
// the file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens an object database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open object database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to object database: %w", err)
	}

	// SQLite only supports one writer at a time
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

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
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
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) (Object, error) {
	var (
		body     []byte
		metaJSON string
		token    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT body, metadata, token FROM objects WHERE key = ?`, key,
	).Scan(&body, &metaJSON, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Object{}, fmt.Errorf("get %q: %w", key, err)
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
		return Object{}, fmt.Errorf("get %q: decode metadata: %w", key, err)
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return Object{Body: body, Metadata: metadata, Token: Token(token)}, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, key string, body []byte, metadata map[string]string, pre Precondition) (Token, error) {
	if err := pre.validate(); err != nil {
		return "", fmt.Errorf("put %q: %w", key, err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("put %q: encode metadata: %w", key, err)
	}
	if body == nil {
		body = []byte{}
	}

	token := uuid.NewString()
	updatedAt := s.now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	switch pre.Kind {
	case PreconditionNone:
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO objects (key, body, metadata, token, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				body = excluded.body,
				metadata = excluded.metadata,
				token = excluded.token,
				updated_at = excluded.updated_at
		`, key, body, string(metaJSON), token, updatedAt)
	case PreconditionMustNotExist:
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO objects (key, body, metadata, token, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, body, string(metaJSON), token, updatedAt)
	case PreconditionMustMatch:
		res, err = s.db.ExecContext(ctx, `
			UPDATE objects
			SET body = ?, metadata = ?, token = ?, updated_at = ?
			WHERE key = ? AND token = ?
		`, body, string(metaJSON), token, updatedAt, key, string(pre.Token))
	default:
		return "", fmt.Errorf("put %q: unknown precondition %s", key, pre.Kind)
	}
	if err != nil {
		return "", fmt.Errorf("put %q: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("put %q: rows affected: %w", key, err)
	}
	if n == 0 {
		return "", fmt.Errorf("put %q (%s): %w", key, pre.Kind, ErrPreconditionFailed)
	}

	return Token(token), nil
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key FROM objects WHERE key >= ? AND key < ? ORDER BY key ASC`, prefix, end)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key FROM objects WHERE key >= ? ORDER BY key ASC`, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("list %q: scan: %w", prefix, err)
		}
		if directChild(prefix, key) {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return keys, nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix, or "" when no such bound exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
