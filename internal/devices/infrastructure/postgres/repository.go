package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mdm-cloud/internal/devices/domain"
)

const defaultDevicesTable = "devices"

// Repository is a Postgres implementation for devices.
type Repository struct {
	db    *sql.DB
	table string
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	repo := &Repository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Option configures the repository.
type Option func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

const deviceColumns = `udid, serial_number, name, model, os_version, push_token, push_magic, topic,
	is_enrolled, push_suspended, last_seen, last_push_at, last_push_id, failed_push_count,
	created_at, updated_at`

// GetByUDID loads a device by udid, nil when absent.
func (r *Repository) GetByUDID(ctx context.Context, udid string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if udid == "" {
		return nil, errors.New("device repo: empty udid")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE udid = $1
LIMIT 1`, deviceColumns, r.table)
	return scanDevice(r.db.QueryRowContext(ctx, query, udid))
}

// Save upserts a device keyed on udid.
func (r *Repository) Save(ctx context.Context, device *devices.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := fmt.Sprintf(`
INSERT INTO %s (
	udid, serial_number, name, model, os_version, push_token, push_magic, topic,
	is_enrolled, push_suspended, last_seen, last_push_at, last_push_id, failed_push_count,
	created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
)
ON CONFLICT (udid) DO UPDATE SET
	serial_number = EXCLUDED.serial_number,
	name = EXCLUDED.name,
	model = EXCLUDED.model,
	os_version = EXCLUDED.os_version,
	push_token = EXCLUDED.push_token,
	push_magic = EXCLUDED.push_magic,
	topic = EXCLUDED.topic,
	is_enrolled = EXCLUDED.is_enrolled,
	updated_at = EXCLUDED.updated_at`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		device.UDID,
		device.SerialNumber,
		device.Name,
		device.Model,
		device.OSVersion,
		device.PushToken,
		device.PushMagic,
		device.Topic,
		device.IsEnrolled,
		device.PushSuspended,
		nullTime(device.LastSeen),
		nullTime(device.LastPushAt),
		device.LastPushID,
		device.FailedPushCount,
		device.CreatedAt,
		device.UpdatedAt,
	)
	return err
}

// List loads all devices ordered by udid.
func (r *Repository) List(ctx context.Context) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
ORDER BY udid ASC`, deviceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// TouchLastSeen records a device contact.
func (r *Repository) TouchLastSeen(ctx context.Context, udid string, at time.Time) error {
	return r.exec(ctx, udid, fmt.Sprintf(`
UPDATE %s
SET last_seen = $2, updated_at = $2
WHERE udid = $1`, r.table), at)
}

// RecordPush marks a wake signal outstanding.
func (r *Repository) RecordPush(ctx context.Context, udid string, at time.Time, pushID string) error {
	return r.exec(ctx, udid, fmt.Sprintf(`
UPDATE %s
SET last_push_at = $2, last_push_id = $3, updated_at = $2
WHERE udid = $1`, r.table), at, pushID)
}

// ClearPush resolves the outstanding wake signal and resets failure state.
func (r *Repository) ClearPush(ctx context.Context, udid string) error {
	return r.exec(ctx, udid, fmt.Sprintf(`
UPDATE %s
SET last_push_at = NULL, last_push_id = '', failed_push_count = 0, push_suspended = FALSE, updated_at = $2
WHERE udid = $1`, r.table), time.Now().UTC())
}

// IncrementFailedPush clears the outstanding signal and bumps the counter.
func (r *Repository) IncrementFailedPush(ctx context.Context, udid string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("device repo: nil db")
	}
	if udid == "" {
		return 0, errors.New("device repo: empty udid")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET last_push_at = NULL, last_push_id = '', failed_push_count = failed_push_count + 1, updated_at = $2
WHERE udid = $1
RETURNING failed_push_count`, r.table)

	var count int
	if err := r.db.QueryRowContext(ctx, query, udid, time.Now().UTC()).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, devices.ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// SetPushSuspended toggles the push suspension flag.
func (r *Repository) SetPushSuspended(ctx context.Context, udid string, suspended bool) error {
	return r.exec(ctx, udid, fmt.Sprintf(`
UPDATE %s
SET push_suspended = $2, updated_at = $3
WHERE udid = $1`, r.table), suspended, time.Now().UTC())
}

// SetEnrolled toggles the enrollment flag.
func (r *Repository) SetEnrolled(ctx context.Context, udid string, enrolled bool) error {
	return r.exec(ctx, udid, fmt.Sprintf(`
UPDATE %s
SET is_enrolled = $2, updated_at = $3
WHERE udid = $1`, r.table), enrolled, time.Now().UTC())
}

func (r *Repository) exec(ctx context.Context, udid, query string, args ...any) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if udid == "" {
		return errors.New("device repo: empty udid")
	}
	result, err := r.db.ExecContext(ctx, query, append([]any{udid}, args...)...)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return devices.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devices.Device, error) {
	var device devices.Device
	var lastSeen sql.NullTime
	var lastPushAt sql.NullTime
	if err := row.Scan(
		&device.UDID,
		&device.SerialNumber,
		&device.Name,
		&device.Model,
		&device.OSVersion,
		&device.PushToken,
		&device.PushMagic,
		&device.Topic,
		&device.IsEnrolled,
		&device.PushSuspended,
		&lastSeen,
		&lastPushAt,
		&device.LastPushID,
		&device.FailedPushCount,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastSeen.Valid {
		device.LastSeen = lastSeen.Time.UTC()
	}
	if lastPushAt.Valid {
		device.LastPushAt = lastPushAt.Time.UTC()
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
