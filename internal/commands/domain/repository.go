package commands

import (
	"context"
	"time"
)

// Repository manages command persistence. Status-changing methods are
// conditional on the current status and report whether the row actually
// moved, so concurrent dispatchers cannot double-apply a transition.
type Repository interface {
	// Create inserts a queued command and assigns its ordering id.
	Create(ctx context.Context, cmd *Command) error

	// GetByUUID fetches a command by uuid, nil when absent.
	GetByUUID(ctx context.Context, uuid string) (*Command, error)

	// Outstanding returns the device's sent command awaiting reply, nil
	// when there is none.
	Outstanding(ctx context.Context, udid string) (*Command, error)

	// NextQueued returns the first queued command for the device whose
	// after gate has passed, ordered by ascending id. Nil when none.
	NextQueued(ctx context.Context, udid string, now time.Time) (*Command, error)

	// MarkSent applies queued -> sent; false when the command was no
	// longer queued.
	MarkSent(ctx context.Context, id int64, sentAt time.Time) (bool, error)

	// MarkAcknowledged applies sent -> acknowledged.
	MarkAcknowledged(ctx context.Context, id int64, at time.Time) (bool, error)

	// MarkError applies sent -> error with the device-reported message.
	MarkError(ctx context.Context, id int64, at time.Time, message string) (bool, error)

	// Requeue applies sent -> queued, decrementing ttl. Only rows with
	// budget left after the decrement move; false otherwise.
	Requeue(ctx context.Context, id int64) (bool, error)

	// MarkExpired applies sent -> expired for a command whose decrement
	// would exhaust the budget.
	MarkExpired(ctx context.Context, id int64, at time.Time) (bool, error)

	// Cancel applies queued -> cancelled by uuid; false when the command
	// already left the queued state.
	Cancel(ctx context.Context, uuid string, at time.Time) (bool, error)

	// ListByDevice returns command history for audit queries.
	ListByDevice(ctx context.Context, udid string, from, to time.Time) ([]Command, error)

	// CountByStatus returns per-status queue depth for a device; empty
	// udid counts across all devices.
	CountByStatus(ctx context.Context, udid string) (map[string]int, error)

	// RequeueTimedOut requeues sent commands dispatched before the cutoff
	// that still have retry budget after a decrement.
	RequeueTimedOut(ctx context.Context, before time.Time) (int, error)

	// ExpireTimedOut expires sent commands dispatched before the cutoff
	// whose decrement exhausts the budget.
	ExpireTimedOut(ctx context.Context, before, at time.Time) (int, error)
}
