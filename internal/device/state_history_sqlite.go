package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var errNoDeviceID = errors.New("device id is required")

// SQLiteStateHistoryRepository keeps state history as JSON rows in the
// state_history table.
type SQLiteStateHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteStateHistoryRepository returns a history store backed by db.
func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db}
}

func clampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}

// RecordStateChange implements StateHistoryRepository. A nil state is
// stored as an empty object.
func (r *SQLiteStateHistoryRepository) RecordStateChange(ctx context.Context, deviceID string, state State, source string) error {
	if deviceID == "" {
		return errNoDeviceID
	}
	if source == "" {
		source = StateHistorySourcePoll
	}
	if state == nil {
		state = State{}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, state, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID, string(raw), source, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory implements StateHistoryRepository. limit defaults to 50 and is
// capped at 200. Entries recorded in the same second keep insertion order.
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error) {
	if deviceID == "" {
		return nil, errNoDeviceID
	}
	limit = clampHistoryLimit(limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, state, source, created_at
		FROM state_history
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]StateHistoryEntry, 0, limit)
	for rows.Next() {
		entry, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

func scanHistoryRow(rows *sql.Rows) (StateHistoryEntry, error) {
	var (
		e         StateHistoryEntry
		raw       string
		createdAt string
	)
	if err := rows.Scan(&e.ID, &e.DeviceID, &raw, &e.Source, &createdAt); err != nil {
		return e, fmt.Errorf("scanning state history: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.State); err != nil {
		return e, fmt.Errorf("state history %d: %w", e.ID, err)
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return e, err
	}
	e.CreatedAt = ts
	return e, nil
}

// PruneHistory implements HistoryPruner, deleting entries recorded before
// now minus olderThan.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("prune window must be positive, got %v", olderThan)
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	return res.RowsAffected()
}
