// Package history provides access to the command_history table: an
// audit trail of every command issued to a playback device, recorded
// best-effort after the outcome is known.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one issued command and its outcome.
type Entry struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	DeviceName string    `json:"device_name,omitempty"`
	Command    string    `json:"command"`
	Result     string    `json:"result"` // "ok" or "error"
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Command results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Repository defines the interface for command history operations.
type Repository interface {
	Record(ctx context.Context, entry *Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Clear(ctx context.Context) error
}

// SQLiteRepository stores command history in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new command history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts one history entry. ID and RecordedAt are generated if
// empty.
func (r *SQLiteRepository) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "cmd-" + uuid.NewString()[:8]
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	if entry.Result == "" {
		if entry.Error != "" {
			entry.Result = ResultError
		} else {
			entry.Result = ResultOK
		}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_history (id, address, device_name, command, result, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Address,
		nullableString(entry.DeviceName),
		entry.Command, entry.Result,
		nullableString(entry.Error),
		entry.RecordedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting command history: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first. Limit defaults
// to 50 and is capped at 200.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 { //nolint:mnd // max page size for history queries
		limit = 200
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, address, device_name, command, result, error, recorded_at
		 FROM command_history ORDER BY recorded_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var deviceName, errText sql.NullString
		var recordedAt string
		if err := rows.Scan(&e.ID, &e.Address, &deviceName, &e.Command, &e.Result, &errText, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning command history: %w", err)
		}
		if deviceName.Valid {
			e.DeviceName = deviceName.String
		}
		if errText.Valid {
			e.Error = errText.String
		}
		t, err := time.Parse(time.RFC3339, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing history timestamp %q: %w", recordedAt, err)
		}
		e.RecordedAt = t
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command history: %w", err)
	}
	return entries, nil
}

// Clear deletes all history entries.
func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM command_history"); err != nil {
		return fmt.Errorf("clearing command history: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings, used for nullable TEXT
// columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
