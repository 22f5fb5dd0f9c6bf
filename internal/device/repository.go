package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository persists devices. SQLiteRepository is the production
// implementation; tests substitute in-memory fakes.
type Repository interface {
	// GetByID returns ErrDeviceNotFound for an unknown id.
	GetByID(ctx context.Context, id string) (*Device, error)
	List(ctx context.Context) ([]Device, error)

	// Upsert keeps the state, health and created_at of an existing row.
	Upsert(ctx context.Context, seed Seed) error

	// Delete, UpdateState and UpdateHealth return ErrDeviceNotFound when
	// no row matches.
	Delete(ctx context.Context, id string) error
	UpdateState(ctx context.Context, id string, state State) error
	UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error
}

// SQLiteRepository stores devices in the devices table. Entities and
// state are JSON columns; timestamps are RFC 3339 text in UTC.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevices = `SELECT id, name, manufacturer, model, firmware_version, serial, entities,
	state, state_updated_at, health_status, health_last_seen, created_at, updated_at
	FROM devices`

const upsertDevice = `
	INSERT INTO devices (id, name, manufacturer, model, firmware_version, serial,
		entities, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		manufacturer = excluded.manufacturer,
		model = excluded.model,
		firmware_version = excluded.firmware_version,
		serial = excluded.serial,
		entities = excluded.entities,
		updated_at = excluded.updated_at`

// stamp formats t the way every timestamp column is written.
func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	d, err := scanDeviceRow(r.db.QueryRowContext(ctx, selectDevices+` WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrDeviceNotFound
	case err != nil:
		return nil, fmt.Errorf("querying device %s: %w", id, err)
	}
	return d, nil
}

// List returns every device ordered by name, then ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectDevices+` ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Upsert(ctx context.Context, seed Seed) error {
	entities := seed.Entities
	if entities == nil {
		entities = []string{}
	}
	encoded, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("marshalling entities: %w", err)
	}

	now := stamp(time.Now())
	if _, err := r.db.ExecContext(ctx, upsertDevice,
		seed.ID, seed.Name, seed.Manufacturer, seed.Model, seed.FirmwareVersion, seed.Serial,
		string(encoded), now, now,
	); err != nil {
		return fmt.Errorf("upserting device %s: %w", seed.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, "deleting device", `DELETE FROM devices WHERE id = ?`, id)
}

func (r *SQLiteRepository) UpdateState(ctx context.Context, id string, state State) error {
	if state == nil {
		state = State{}
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	now := stamp(time.Now())
	return r.execOne(ctx, "updating device state",
		`UPDATE devices SET state = ?, state_updated_at = ?, updated_at = ? WHERE id = ?`,
		string(encoded), now, now, id)
}

func (r *SQLiteRepository) UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error {
	return r.execOne(ctx, "updating device health",
		`UPDATE devices SET health_status = ?, health_last_seen = ?, updated_at = ? WHERE id = ?`,
		string(status), stamp(lastSeen), stamp(time.Now()), id)
}

// execOne runs a statement that must touch a row, mapping zero affected
// rows to ErrDeviceNotFound.
func (r *SQLiteRepository) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var entitiesJSON, stateJSON, health string
	var stateUpdatedAt, healthLastSeen sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID, &d.Name, &d.Manufacturer, &d.Model, &d.FirmwareVersion, &d.Serial,
		&entitiesJSON, &stateJSON, &stateUpdatedAt, &health, &healthLastSeen,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(entitiesJSON), &d.Entities); err != nil {
		return nil, fmt.Errorf("unmarshalling entities: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &d.State); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}
	d.HealthStatus = HealthStatus(health)

	if d.StateUpdatedAt, err = parseNullableTime(stateUpdatedAt); err != nil {
		return nil, err
	}
	if d.HealthLastSeen, err = parseNullableTime(healthLastSeen); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}

	return &d, nil
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // absent timestamp is not an error
	}
	t, err := parseTimestamp(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseTimestamp reads a TEXT timestamp written by this package or by the
// schema's strftime defaults.
func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}
