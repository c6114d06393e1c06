package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Snapshot is the last decoded reply of one frame kind.
type Snapshot struct {
	Kind      string
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// SnapshotRepository stores snapshots in the device_snapshots table.
type SnapshotRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSnapshotRepository creates a repository over an open, migrated database.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db, now: time.Now}
}

// SaveSnapshot replaces the stored payload for kind.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, kind string, payload []byte) error {
	if err := validateSnapshot(kind, payload); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_snapshots (kind, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		kind, string(payload), r.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving %s snapshot: %w", kind, err)
	}
	return nil
}

// LoadSnapshot returns the stored payload for kind.
// Returns ErrSnapshotNotFound if nothing was saved yet.
func (r *SnapshotRepository) LoadSnapshot(ctx context.Context, kind string) ([]byte, error) {
	s, err := r.Get(ctx, kind)
	if err != nil {
		return nil, err
	}
	return s.Payload, nil
}

// Get returns the full snapshot row for kind.
func (r *SnapshotRepository) Get(ctx context.Context, kind string) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT kind, payload, updated_at FROM device_snapshots WHERE kind = ?", kind)

	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", kind, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("loading %s snapshot: %w", kind, err)
	}
	return s, nil
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var s Snapshot
	var payload, updatedAt string
	if err := row.Scan(&s.Kind, &payload, &updatedAt); err != nil {
		return nil, err
	}
	s.Payload = json.RawMessage(payload)
	// Rows are only written by SaveSnapshot; a parse failure leaves the zero time.
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // See above
	return &s, nil
}

func validateSnapshot(kind string, payload []byte) error {
	if kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidSnapshot)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: %s payload is not a JSON object", ErrInvalidSnapshot, kind)
	}
	return nil
}
