package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"mdm-cloud/internal/commands/domain"
)

// Repository is an in-memory command repository for tests and demos. It
// mirrors the conditional-update semantics of the Postgres implementation.
type Repository struct {
	mu     sync.Mutex
	nextID int64
	items  []*commands.Command
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{nextID: 1}
}

// Create inserts a queued command and assigns its ordering id.
func (r *Repository) Create(_ context.Context, cmd *commands.Command) error {
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd.ID = r.nextID
	r.nextID++
	clone := *cmd
	r.items = append(r.items, &clone)
	return nil
}

// GetByUUID fetches a command by uuid, nil when absent.
func (r *Repository) GetByUUID(_ context.Context, uuid string) (*commands.Command, error) {
	if uuid == "" {
		return nil, errors.New("command repo: empty uuid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.items {
		if cmd.UUID == uuid {
			clone := *cmd
			return &clone, nil
		}
	}
	return nil, nil
}

// Outstanding returns the device's sent command awaiting reply.
func (r *Repository) Outstanding(_ context.Context, udid string) (*commands.Command, error) {
	if udid == "" {
		return nil, errors.New("command repo: empty udid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.items {
		if cmd.DeviceUDID == udid && cmd.Status == commands.StatusSent {
			clone := *cmd
			return &clone, nil
		}
	}
	return nil, nil
}

// NextQueued returns the first eligible queued command for the device.
func (r *Repository) NextQueued(_ context.Context, udid string, now time.Time) (*commands.Command, error) {
	if udid == "" {
		return nil, errors.New("command repo: empty udid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.items {
		if cmd.DeviceUDID == udid && cmd.Eligible(now) {
			clone := *cmd
			return &clone, nil
		}
	}
	return nil, nil
}

// MarkSent applies queued -> sent.
func (r *Repository) MarkSent(_ context.Context, id int64, sentAt time.Time) (bool, error) {
	return r.conditional(id, commands.StatusQueued, func(cmd *commands.Command) bool {
		cmd.Status = commands.StatusSent
		cmd.SentAt = sentAt.UTC()
		return true
	})
}

// MarkAcknowledged applies sent -> acknowledged.
func (r *Repository) MarkAcknowledged(_ context.Context, id int64, at time.Time) (bool, error) {
	return r.conditional(id, commands.StatusSent, func(cmd *commands.Command) bool {
		cmd.Status = commands.StatusAcknowledged
		cmd.AcknowledgedAt = at.UTC()
		return true
	})
}

// MarkError applies sent -> error with the device-reported message.
func (r *Repository) MarkError(_ context.Context, id int64, at time.Time, message string) (bool, error) {
	return r.conditional(id, commands.StatusSent, func(cmd *commands.Command) bool {
		cmd.Status = commands.StatusError
		cmd.AcknowledgedAt = at.UTC()
		cmd.Error = message
		return true
	})
}

// Requeue applies sent -> queued with a ttl decrement.
func (r *Repository) Requeue(_ context.Context, id int64) (bool, error) {
	return r.conditional(id, commands.StatusSent, func(cmd *commands.Command) bool {
		if cmd.TTL <= 1 {
			return false
		}
		cmd.TTL--
		cmd.Status = commands.StatusQueued
		return true
	})
}

// MarkExpired applies sent -> expired for an exhausted budget.
func (r *Repository) MarkExpired(_ context.Context, id int64, at time.Time) (bool, error) {
	return r.conditional(id, commands.StatusSent, func(cmd *commands.Command) bool {
		if cmd.TTL > 1 {
			return false
		}
		cmd.TTL = 0
		cmd.Status = commands.StatusExpired
		cmd.AcknowledgedAt = at.UTC()
		return true
	})
}

// Cancel applies queued -> cancelled by uuid.
func (r *Repository) Cancel(_ context.Context, uuid string, at time.Time) (bool, error) {
	if uuid == "" {
		return false, errors.New("command repo: empty uuid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.items {
		if cmd.UUID != uuid {
			continue
		}
		if cmd.Status != commands.StatusQueued {
			return false, nil
		}
		cmd.Status = commands.StatusCancelled
		cmd.AcknowledgedAt = at.UTC()
		return true, nil
	}
	return false, nil
}

// ListByDevice returns command history ordered by id.
func (r *Repository) ListByDevice(_ context.Context, udid string, from, to time.Time) ([]commands.Command, error) {
	if udid == "" {
		return nil, errors.New("command repo: empty udid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	for _, cmd := range r.items {
		if cmd.DeviceUDID != udid {
			continue
		}
		if cmd.QueuedAt.Before(from) || !cmd.QueuedAt.Before(to) {
			continue
		}
		result = append(result, *cmd)
	}
	return result, nil
}

// CountByStatus returns per-status counts; empty udid counts all devices.
func (r *Repository) CountByStatus(_ context.Context, udid string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[string]int)
	for _, cmd := range r.items {
		if udid != "" && cmd.DeviceUDID != udid {
			continue
		}
		result[cmd.Status]++
	}
	return result, nil
}

// RequeueTimedOut requeues timed-out sent commands with budget remaining.
func (r *Repository) RequeueTimedOut(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, cmd := range r.items {
		if cmd.Status == commands.StatusSent && cmd.SentAt.Before(before) && cmd.TTL > 1 {
			cmd.TTL--
			cmd.Status = commands.StatusQueued
			count++
		}
	}
	return count, nil
}

// ExpireTimedOut expires timed-out sent commands with no budget left.
func (r *Repository) ExpireTimedOut(_ context.Context, before, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, cmd := range r.items {
		if cmd.Status == commands.StatusSent && cmd.SentAt.Before(before) && cmd.TTL <= 1 {
			cmd.TTL = 0
			cmd.Status = commands.StatusExpired
			cmd.AcknowledgedAt = at.UTC()
			count++
		}
	}
	return count, nil
}

func (r *Repository) conditional(id int64, requiredStatus string, apply func(*commands.Command) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.items {
		if cmd.ID != id {
			continue
		}
		if cmd.Status != requiredStatus {
			return false, nil
		}
		return apply(cmd), nil
	}
	return false, nil
}
