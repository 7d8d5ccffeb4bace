package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/chatrelay/internal/errors"
)

// Default and maximum page sizes for ListErrors.
const (
	DefaultListLimit = 20
	MaxListLimit     = 500
)

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Status      int            `json:"status,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Environment string         `json:"environment"`
}

// ListFilter narrows ListErrors.
type ListFilter struct {
	// Kind matches entries with exactly this kind; empty matches all.
	Kind  string
	Limit int
}

// NewID returns a new ULID string.
func NewID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// InsertError stores e. A missing ID or CreatedAt is filled in.
func InsertError(ctx context.Context, db *sql.DB, e *ErrorEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ID == "" {
		e.ID = NewID(e.CreatedAt)
	}

	var contextJSON sql.NullString
	if len(e.Context) > 0 {
		data, err := json.Marshal(e.Context)
		if err != nil {
			return errors.NewInternal(err)
		}
		contextJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO error_log (id, created_at, kind, message, status, context_json, environment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		e.ID, e.CreatedAt.UnixMilli(), e.Kind, e.Message, e.Status, contextJSON, e.Environment,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListErrors returns entries newest first.
func ListErrors(ctx context.Context, db *sql.DB, f ListFilter) ([]ErrorEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT id, created_at, kind, message, status, context_json, environment
		FROM error_log
	`
	args := []any{}
	if f.Kind != "" {
		query += " WHERE kind = ?"
		args = append(args, f.Kind)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	entries := []ErrorEntry{}
	for rows.Next() {
		e, err := scanErrorEntry(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return entries, nil
}

// PurgeErrors deletes entries created before cutoff and returns how many
// were removed.
func PurgeErrors(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM error_log WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

func scanErrorEntry(rows *sql.Rows) (*ErrorEntry, error) {
	var (
		e           ErrorEntry
		createdAt   int64
		contextJSON sql.NullString
	)
	if err := rows.Scan(&e.ID, &createdAt, &e.Kind, &e.Message, &e.Status, &contextJSON, &e.Environment); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt)

	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &e.Context); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// ErrorLog records failures for one environment.
type ErrorLog struct {
	db  *sql.DB
	env string
	now func() time.Time
}

// NewErrorLog returns an ErrorLog writing to db. A nil now uses time.Now.
func NewErrorLog(db *sql.DB, environment string, now func() time.Time) *ErrorLog {
	if now == nil {
		now = time.Now
	}
	return &ErrorLog{db: db, env: environment, now: now}
}

// Record stores an entry stamped with the log's environment and clock.
func (l *ErrorLog) Record(ctx context.Context, kind, message string, status int, details map[string]any) error {
	return InsertError(ctx, l.db, &ErrorEntry{
		CreatedAt:   l.now(),
		Kind:        kind,
		Message:     message,
		Status:      status,
		Context:     details,
		Environment: l.env,
	})
}
