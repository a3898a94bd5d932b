package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mdm-cloud/internal/commands/domain"
)

const defaultCommandsTable = "commands"

// Repository is a Postgres implementation for commands. Status updates are
// conditional on the current status so concurrent dispatchers cannot
// double-apply a transition.
type Repository struct {
	db    *sql.DB
	table string
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	repo := &Repository{db: db, table: defaultCommandsTable}
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

const commandColumns = `id, uuid, device_udid, request_type, parameters, status,
	queued_at, sent_at, acknowledged_at, after_at, ttl, error`

// Create inserts a queued command and assigns its ordering id.
func (r *Repository) Create(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	parameters := cmd.Parameters
	if len(parameters) == 0 {
		parameters = []byte("{}")
	}
	if !json.Valid(parameters) {
		return errors.New("command repo: invalid parameters")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	uuid, device_udid, request_type, parameters, status, queued_at, after_at, ttl
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
RETURNING id`, r.table)

	return r.db.QueryRowContext(ctx, query,
		cmd.UUID,
		cmd.DeviceUDID,
		cmd.RequestType,
		parameters,
		cmd.Status,
		cmd.QueuedAt,
		nullTime(cmd.After),
		cmd.TTL,
	).Scan(&cmd.ID)
}

// GetByUUID fetches a command by uuid, nil when absent.
func (r *Repository) GetByUUID(ctx context.Context, uuid string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if uuid == "" {
		return nil, errors.New("command repo: empty uuid")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE uuid = $1
LIMIT 1`, commandColumns, r.table)
	return scanCommand(r.db.QueryRowContext(ctx, query, uuid))
}

// Outstanding returns the device's sent command awaiting reply.
func (r *Repository) Outstanding(ctx context.Context, udid string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if udid == "" {
		return nil, errors.New("command repo: empty udid")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_udid = $1 AND status = $2
ORDER BY id ASC
LIMIT 1`, commandColumns, r.table)
	return scanCommand(r.db.QueryRowContext(ctx, query, udid, commands.StatusSent))
}

// NextQueued returns the first eligible queued command for the device.
func (r *Repository) NextQueued(ctx context.Context, udid string, now time.Time) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if udid == "" {
		return nil, errors.New("command repo: empty udid")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_udid = $1 AND status = $2 AND (after_at IS NULL OR after_at <= $3)
ORDER BY id ASC
LIMIT 1`, commandColumns, r.table)
	return scanCommand(r.db.QueryRowContext(ctx, query, udid, commands.StatusQueued, now.UTC()))
}

// MarkSent applies queued -> sent.
func (r *Repository) MarkSent(ctx context.Context, id int64, sentAt time.Time) (bool, error) {
	return r.conditional(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, sent_at = $2
WHERE id = $3 AND status = $4`, r.table),
		commands.StatusSent, sentAt.UTC(), id, commands.StatusQueued)
}

// MarkAcknowledged applies sent -> acknowledged.
func (r *Repository) MarkAcknowledged(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.conditional(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, acknowledged_at = $2
WHERE id = $3 AND status = $4`, r.table),
		commands.StatusAcknowledged, at.UTC(), id, commands.StatusSent)
}

// MarkError applies sent -> error with the device-reported message.
func (r *Repository) MarkError(ctx context.Context, id int64, at time.Time, message string) (bool, error) {
	return r.conditional(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, acknowledged_at = $2, error = $3
WHERE id = $4 AND status = $5`, r.table),
		commands.StatusError, at.UTC(), message, id, commands.StatusSent)
}

// Requeue applies sent -> queued with a ttl decrement. Rows whose budget
// would be exhausted by the decrement do not move; use MarkExpired.
func (r *Repository) Requeue(ctx context.Context, id int64) (bool, error) {
	return r.conditional(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, ttl = ttl - 1
WHERE id = $2 AND status = $3 AND ttl > 1`, r.table),
		commands.StatusQueued, id, commands.StatusSent)
}

// MarkExpired applies sent -> expired for a command with no budget left
// after the decrement.
func (r *Repository) MarkExpired(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.conditional(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, acknowledged_at = $2, ttl = 0
WHERE id = $3 AND status = $4 AND ttl <= 1`, r.table),
		commands.StatusExpired, at.UTC(), id, commands.StatusSent)
}

// Cancel applies queued -> cancelled by uuid.
func (r *Repository) Cancel(ctx context.Context, uuid string, at time.Time) (bool, error) {
	return r.conditional(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, acknowledged_at = $2
WHERE uuid = $3 AND status = $4`, r.table),
		commands.StatusCancelled, at.UTC(), uuid, commands.StatusQueued)
}

// ListByDevice returns command history ordered by id.
func (r *Repository) ListByDevice(ctx context.Context, udid string, from, to time.Time) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if udid == "" {
		return nil, errors.New("command repo: empty udid")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_udid = $1 AND queued_at >= $2 AND queued_at < $3
ORDER BY id ASC`, commandColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, udid, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CountByStatus returns per-status counts; empty udid counts all devices.
func (r *Repository) CountByStatus(ctx context.Context, udid string) (map[string]int, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT status, COUNT(*)
FROM %s
WHERE ($1 = '' OR device_udid = $1)
GROUP BY status`, r.table)

	rows, err := r.db.QueryContext(ctx, query, udid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RequeueTimedOut requeues sent commands dispatched before the cutoff that
// still have budget after the decrement.
func (r *Repository) RequeueTimedOut(ctx context.Context, before time.Time) (int, error) {
	return r.sweep(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, ttl = ttl - 1
WHERE status = $2 AND sent_at < $3 AND ttl > 1`, r.table),
		commands.StatusQueued, commands.StatusSent, before.UTC())
}

// ExpireTimedOut expires sent commands dispatched before the cutoff whose
// decrement exhausts the budget.
func (r *Repository) ExpireTimedOut(ctx context.Context, before, at time.Time) (int, error) {
	return r.sweep(ctx, fmt.Sprintf(`
UPDATE %s
SET status = $1, ttl = 0, acknowledged_at = $4
WHERE status = $2 AND sent_at < $3 AND ttl <= 1`, r.table),
		commands.StatusExpired, commands.StatusSent, before.UTC(), at.UTC())
}

func (r *Repository) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (r *Repository) sweep(ctx context.Context, query string, args ...any) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var parameters []byte
	var sentAt sql.NullTime
	var acknowledgedAt sql.NullTime
	var after sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(
		&cmd.ID,
		&cmd.UUID,
		&cmd.DeviceUDID,
		&cmd.RequestType,
		&parameters,
		&cmd.Status,
		&cmd.QueuedAt,
		&sentAt,
		&acknowledgedAt,
		&after,
		&cmd.TTL,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Parameters = parameters
	cmd.QueuedAt = cmd.QueuedAt.UTC()
	if sentAt.Valid {
		cmd.SentAt = sentAt.Time.UTC()
	}
	if acknowledgedAt.Valid {
		cmd.AcknowledgedAt = acknowledgedAt.Time.UTC()
	}
	if after.Valid {
		cmd.After = after.Time.UTC()
	}
	if errMsg.Valid {
		cmd.Error = errMsg.String
	}
	return &cmd, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
