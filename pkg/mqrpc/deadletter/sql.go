package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sqlStore is the Store shared by the SQLite and Postgres backends.
// Queries are written with '?' placeholders and rebound for the dialect.
type sqlStore struct {
	db     *sql.DB
	dollar bool // Postgres-style $1 placeholders

	mu     sync.RWMutex
	closed bool
}

const createTable = `
	CREATE TABLE IF NOT EXISTS mqrpc_dead_letters (
		id TEXT PRIMARY KEY,
		destination TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		reply_to TEXT NOT NULL,
		payload %s NOT NULL,
		headers TEXT NOT NULL,
		reason TEXT NOT NULL,
		error TEXT NOT NULL,
		failed_at TEXT NOT NULL
	)
`

const createIndex = `
	CREATE INDEX IF NOT EXISTS idx_mqrpc_dead_letters_destination
	ON mqrpc_dead_letters(destination, failed_at)
`

func (s *sqlStore) migrate(ctx context.Context, blobType string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(createTable, blobType)); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createIndex); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// rebind rewrites '?' placeholders to $n when the dialect needs it.
func (s *sqlStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put implements Store.
func (s *sqlStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mqrpc_dead_letters
			(id, destination, correlation_id, reply_to, payload, headers, reason, error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			destination = excluded.destination,
			correlation_id = excluded.correlation_id,
			reply_to = excluded.reply_to,
			payload = excluded.payload,
			headers = excluded.headers,
			reason = excluded.reason,
			error = excluded.error,
			failed_at = excluded.failed_at
	`), rec.ID.String(), rec.Destination, rec.CorrelationID, rec.ReplyTo, payload,
		string(headers), rec.Reason, rec.Error, rec.FailedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

const selectColumns = `id, destination, correlation_id, reply_to, payload, headers, reason, error, failed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		id        string
		headers   string
		timestamp string
	)
	if err := row.Scan(&id, &rec.Destination, &rec.CorrelationID, &rec.ReplyTo,
		&rec.Payload, &headers, &rec.Reason, &rec.Error, &timestamp); err != nil {
		return Record{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Record{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	rec.ID = parsed
	if err := json.Unmarshal([]byte(headers), &rec.Headers); err != nil {
		return Record{}, fmt.Errorf("decode headers: %w", err)
	}
	rec.FailedAt, _ = time.Parse(time.RFC3339Nano, timestamp)
	return rec, nil
}

// Get implements Store.
func (s *sqlStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+selectColumns+` FROM mqrpc_dead_letters WHERE id = ?`), id.String()))
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dead letter: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *sqlStore) List(ctx context.Context, destination string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT ` + selectColumns + ` FROM mqrpc_dead_letters`
	var args []any
	if destination != "" {
		query += ` WHERE destination = ?`
		args = append(args, destination)
	}
	query += ` ORDER BY failed_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Delete implements Store.
func (s *sqlStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM mqrpc_dead_letters WHERE id = ?`), id.String()); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// Count implements Store.
func (s *sqlStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mqrpc_dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
