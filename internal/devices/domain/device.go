package devices

import (
	"context"
	"errors"
	"time"
)

// Device is an enrolled device as the queue engine sees it: identity,
// liveness, and push bookkeeping.
type Device struct {
	UDID         string
	SerialNumber string
	Name         string
	Model        string
	OSVersion    string

	// PushToken, PushMagic and Topic together address the out-of-band
	// wake signal. An empty token means the device never registered one.
	PushToken string
	PushMagic string
	Topic     string

	IsEnrolled bool

	// PushSuspended is set once failed pushes cross the configured
	// threshold; automatic wakes stop until the device contacts us again.
	PushSuspended bool

	LastSeen time.Time

	// LastPushAt non-zero means a wake signal is outstanding; no further
	// signal is sent until it resolves. LastPushID correlates it.
	LastPushAt      time.Time
	LastPushID      string
	FailedPushCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.UDID == "" {
		return errors.New("device: empty udid")
	}
	return nil
}

// Pushable reports whether a wake signal may be addressed to the device
// at all (throttling aside).
func (d Device) Pushable() bool {
	return d.IsEnrolled && d.PushToken != "" && !d.PushSuspended
}

// ErrNotFound indicates a missing device record.
var ErrNotFound = errors.New("device: not found")

// Repository manages device persistence. Push bookkeeping fields are only
// mutated through the dedicated methods below; callers other than the
// push throttler and the delivery coordinator must not write them.
type Repository interface {
	GetByUDID(ctx context.Context, udid string) (*Device, error)
	Save(ctx context.Context, device *Device) error
	List(ctx context.Context) ([]Device, error)

	TouchLastSeen(ctx context.Context, udid string, at time.Time) error

	// RecordPush marks a wake signal outstanding.
	RecordPush(ctx context.Context, udid string, at time.Time, pushID string) error

	// ClearPush resolves the outstanding wake signal and resets the
	// failure counter and suspension flag.
	ClearPush(ctx context.Context, udid string) error

	// IncrementFailedPush clears the outstanding signal, bumps the
	// failure counter and returns the new count.
	IncrementFailedPush(ctx context.Context, udid string) (int, error)

	SetPushSuspended(ctx context.Context, udid string, suspended bool) error
	SetEnrolled(ctx context.Context, udid string, enrolled bool) error
}
