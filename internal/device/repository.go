package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByGUID retrieves a device by its GUID.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByGUID(ctx context.Context, guid string) (*Device, error)

	// List retrieves all registered devices.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the GUID is already registered.
	Create(ctx context.Context, d *Device) error

	// UpdatePresence updates the online flag and last-seen timestamp.
	UpdatePresence(ctx context.Context, guid string, online bool, seenAt time.Time) error

	// Delete removes a device by GUID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, guid string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = "guid, name, network_id, is_online, last_seen_at, created_at"

// GetByGUID retrieves a device by its GUID.
func (r *SQLiteRepository) GetByGUID(ctx context.Context, guid string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE guid = ?", guid)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by guid: %w", err)
	}
	return d, nil
}

// List retrieves all registered devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	var networkID sql.NullInt64
	if d.NetworkID != nil {
		networkID = sql.NullInt64{Int64: *d.NetworkID, Valid: true}
	}
	var lastSeen sql.NullString
	if d.LastSeenAt != nil {
		lastSeen = sql.NullString{String: d.LastSeenAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (guid, name, network_id, is_online, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.GUID, d.Name, networkID, boolToInt(d.IsOnline), lastSeen,
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdatePresence updates the online flag and last-seen timestamp.
func (r *SQLiteRepository) UpdatePresence(ctx context.Context, guid string, online bool, seenAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE devices SET is_online = ?, last_seen_at = ? WHERE guid = ?",
		boolToInt(online), seenAt.UTC().Format(time.RFC3339Nano), guid)
	if err != nil {
		return fmt.Errorf("updating device presence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking presence update: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Delete removes a device by GUID.
func (r *SQLiteRepository) Delete(ctx context.Context, guid string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE guid = ?", guid)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking device delete: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d         Device
		networkID sql.NullInt64
		isOnline  int
		lastSeen  sql.NullString
		createdAt string
	)
	if err := row.Scan(&d.GUID, &d.Name, &networkID, &isOnline, &lastSeen, &createdAt); err != nil {
		return nil, err
	}

	if networkID.Valid {
		d.NetworkID = &networkID.Int64
	}
	d.IsOnline = isOnline != 0
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
			d.LastSeenAt = &t
		}
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt) //nolint:errcheck // Format is controlled
	return &d, nil
}

// isUniqueViolation reports whether the error is a SQLite unique
// constraint failure. String matching avoids importing the driver's
// error types into the interface surface.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
