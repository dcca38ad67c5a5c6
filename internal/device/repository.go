package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByInstance retrieves a device by its instance number.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByInstance(ctx context.Context, instance uint32) (*Device, error)

	// List retrieves all devices ordered by instance.
	List(ctx context.Context) ([]Device, error)

	// Save inserts a device or replaces the stored record with the same
	// instance. CreatedAt of an existing record is preserved.
	Save(ctx context.Context, device *Device) error

	// Delete removes a device by instance.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, instance uint32) error

	// UpdateReachability updates only the reachability and last seen time.
	// This is optimised for the frequent transitions reported by the multiplexer.
	UpdateReachability(ctx context.Context, instance uint32, r Reachability, lastSeen time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `instance, address, vendor_id, vendor_name, model_name, name,
	max_apdu, segmentation, objects, reachability, last_seen, created_at, updated_at`

// GetByInstance retrieves a device by its instance number.
func (r *SQLiteRepository) GetByInstance(ctx context.Context, instance uint32) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE instance = ?`

	row := r.db.QueryRowContext(ctx, query, instance)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device %d: %w", instance, err)
	}
	return d, nil
}

// List retrieves all devices ordered by instance.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY instance`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Save inserts or replaces a device.
func (r *SQLiteRepository) Save(ctx context.Context, device *Device) error {
	objects := device.Objects
	if objects == nil {
		objects = []bacnet.ObjectID{}
	}
	objectsJSON, err := json.Marshal(objects)
	if err != nil {
		return fmt.Errorf("marshalling objects: %w", err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	if device.Reachability == "" {
		device.Reachability = ReachabilityUnknown
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance) DO UPDATE SET
			address = excluded.address,
			vendor_id = excluded.vendor_id,
			vendor_name = excluded.vendor_name,
			model_name = excluded.model_name,
			name = excluded.name,
			max_apdu = excluded.max_apdu,
			segmentation = excluded.segmentation,
			objects = excluded.objects,
			reachability = excluded.reachability,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		device.Instance,
		device.Address,
		device.VendorID,
		device.VendorName,
		device.ModelName,
		device.Name,
		device.MaxAPDU,
		uint32(device.Segmentation),
		string(objectsJSON),
		string(device.Reachability),
		nullableTime(device.LastSeen),
		device.CreatedAt.Format(time.RFC3339Nano),
		device.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving device %d: %w", device.Instance, err)
	}
	return nil
}

// Delete removes a device by instance.
func (r *SQLiteRepository) Delete(ctx context.Context, instance uint32) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE instance = ?", instance)
	if err != nil {
		return fmt.Errorf("deleting device %d: %w", instance, err)
	}
	return requireAffected(result)
}

// UpdateReachability updates only the reachability and last seen columns.
func (r *SQLiteRepository) UpdateReachability(ctx context.Context, instance uint32, reach Reachability, lastSeen time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET reachability = ?, last_seen = COALESCE(?, last_seen), updated_at = ? WHERE instance = ?",
		string(reach),
		nullableTime(lastSeen),
		time.Now().UTC().Format(time.RFC3339Nano),
		instance,
	)
	if err != nil {
		return fmt.Errorf("updating reachability of device %d: %w", instance, err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
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

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d            Device
		segmentation uint32
		objectsJSON  string
		reachability string
		lastSeen     sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := row.Scan(
		&d.Instance,
		&d.Address,
		&d.VendorID,
		&d.VendorName,
		&d.ModelName,
		&d.Name,
		&d.MaxAPDU,
		&segmentation,
		&objectsJSON,
		&reachability,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Segmentation = bacnet.Segmentation(segmentation)
	d.Reachability = ParseReachability(reachability)

	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
			d.LastSeen = t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339Nano, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(objectsJSON), &d.Objects); err != nil {
		return nil, fmt.Errorf("unmarshalling objects: %w", err)
	}

	return &d, nil
}

// nullableTime returns a sql.NullString for optional times (as RFC3339 strings).
func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
