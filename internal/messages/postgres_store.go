package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    idempotency_key TEXT PRIMARY KEY,
    contact_id      TEXT NOT NULL DEFAULT '',
    message_id      TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT '',
    origin          TEXT NOT NULL,
    content         JSONB NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_contact_id_idx ON messages (contact_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS messages_message_id_uidx ON messages (message_id) WHERE message_id <> '';
`

const recordColumns = `idempotency_key, contact_id, message_id, status, origin, content, created_at`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// EnsureSchema creates the messages table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create messages schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) (*Record, bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal content: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
        INSERT INTO messages (`+recordColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT DO NOTHING
        RETURNING `+recordColumns,
		rec.IdempotencyKey, rec.ContactID, rec.MessageID, string(rec.Status), string(rec.Origin), content, rec.CreatedAt.UTC(),
	)
	stored, err := scanRecord(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to upsert message %s: %w", rec.IdempotencyKey, err)
	}

	// Lost the race to an existing row: return whichever one collided.
	row = s.db.QueryRowContext(ctx, `
        SELECT `+recordColumns+`
        FROM messages
        WHERE idempotency_key = $1 OR ($2 <> '' AND message_id = $2)
        ORDER BY (idempotency_key = $1) DESC
        LIMIT 1
    `, rec.IdempotencyKey, rec.MessageID)
	stored, err = scanRecord(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing message %s: %w", rec.IdempotencyKey, err)
	}
	return stored, false, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO messages (`+recordColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, rec.IdempotencyKey, rec.ContactID, rec.MessageID, string(rec.Status), string(rec.Origin), content, rec.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert message %s: %w", rec.IdempotencyKey, err)
	}
	return nil
}

func (s *PostgresStore) GetByMessageID(ctx context.Context, messageID string) (*Record, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT `+recordColumns+`
        FROM messages WHERE message_id = $1
    `, messageID)
	return scanRecord(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, key string, to Status, allowedFrom []Status) (*Record, bool, error) {
	var allowed []string
	if allowedFrom != nil {
		allowed = make([]string, 0, len(allowedFrom))
		for _, st := range allowedFrom {
			allowed = append(allowed, string(st))
		}
	}

	row := s.db.QueryRowContext(ctx, `
        UPDATE messages SET status = $2
        WHERE idempotency_key = $1 AND ($3::text[] IS NULL OR status = ANY($3::text[]))
        RETURNING `+recordColumns,
		key, string(to), pq.Array(allowed),
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to update status of %s: %w", key, err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM messages WHERE idempotency_key = $1`, key)
	rec, err = scanRecord(row)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (s *PostgresStore) ListByContact(ctx context.Context, contactID string) ([]*Record, error) {
	return s.list(ctx, `
        SELECT `+recordColumns+`
        FROM messages WHERE contact_id = $1
        ORDER BY created_at ASC, idempotency_key ASC
    `, contactID)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*Record, error) {
	return s.list(ctx, `
        SELECT `+recordColumns+`
        FROM messages
        ORDER BY created_at ASC, idempotency_key ASC
    `)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec     Record
		status  string
		origin  string
		content []byte
	)
	err := row.Scan(&rec.IdempotencyKey, &rec.ContactID, &rec.MessageID, &status, &origin, &content, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Status = Status(status)
	rec.Origin = Origin(origin)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if err := json.Unmarshal(content, &rec.Content); err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", rec.IdempotencyKey, err)
	}
	return &rec, nil
}
