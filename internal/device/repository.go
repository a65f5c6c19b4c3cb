package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository is the persistence boundary for devices. The registry is
// the only caller; tests substitute a mock.
type Repository interface {
	// GetByID returns the device with the given id, or ErrDeviceNotFound.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List returns all devices ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a device, failing with ErrDeviceExists on id or
	// slug collision.
	Create(ctx context.Context, device *Device) error

	// Update rewrites a device row, or ErrDeviceNotFound.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device, or ErrDeviceNotFound.
	Delete(ctx context.Context, id string) error

	// UpdateState merges state keys into the stored state document.
	// It is the hot path for coordinator writes.
	UpdateState(ctx context.Context, id string, state State) error

	// UpdateHealth patches health status and last-seen.
	UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error
}

// SQLiteRepository is the production Repository.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, slug, address, detect_threshold,
		state, state_updated_at, health_status, health_last_seen,
		created_at, updated_at`

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)

	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	stateJSON, err := json.Marshal(device.State)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID,
		device.Name,
		device.Slug,
		device.Address,
		device.DetectThreshold,
		string(stateJSON),
		nullableTime(device.StateUpdatedAt),
		string(device.HealthStatus),
		nullableTime(device.HealthLastSeen),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	stateJSON, err := json.Marshal(device.State)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	device.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			name = ?, slug = ?, address = ?, detect_threshold = ?,
			state = ?, state_updated_at = ?,
			health_status = ?, health_last_seen = ?, updated_at = ?
		WHERE id = ?`,
		device.Name,
		device.Slug,
		device.Address,
		device.DetectThreshold,
		string(stateJSON),
		nullableTime(device.StateUpdatedAt),
		string(device.HealthStatus),
		nullableTime(device.HealthLastSeen),
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRow(result)
}

// UpdateState merges state keys into the stored state document via
// json_patch, so writing "flow_lpm" does not clobber "total_volume_l".
func (r *SQLiteRepository) UpdateState(ctx context.Context, id string, state State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET state = json_patch(COALESCE(state, '{}'), ?),
		    state_updated_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		string(stateJSON), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating device state: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteRepository) UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET health_status = ?, health_last_seen = ?, updated_at = ?
		WHERE id = ?`,
		string(status),
		lastSeen.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device health: %w", err)
	}
	return requireRow(result)
}

// requireRow converts a zero-rows-affected result into ErrDeviceNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var (
		d                              Device
		stateJSON, healthStatus        string
		stateUpdatedAt, healthLastSeen sql.NullString
		createdAt, updatedAt           string
	)

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Slug,
		&d.Address,
		&d.DetectThreshold,
		&stateJSON,
		&stateUpdatedAt,
		&healthStatus,
		&healthLastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.HealthStatus = HealthStatus(healthStatus)

	// Optional timestamps: an unparseable value stays nil rather than
	// failing the whole row.
	if stateUpdatedAt.Valid {
		if t, err := time.Parse(time.RFC3339, stateUpdatedAt.String); err == nil {
			d.StateUpdatedAt = &t
		}
	}
	if healthLastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, healthLastSeen.String); err == nil {
			d.HealthLastSeen = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(stateJSON), &d.State); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}

	return &d, nil
}

// nullableTime renders an optional timestamp as a nullable RFC3339 string.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
