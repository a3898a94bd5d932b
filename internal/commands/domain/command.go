package commands

import (
	"encoding/json"
	"time"
)

const (
	StatusQueued       = "queued"
	StatusSent         = "sent"
	StatusAcknowledged = "acknowledged"
	StatusError        = "error"
	StatusExpired      = "expired"
	StatusCancelled    = "cancelled"
)

// DefaultTTL is the number of delivery attempts a command starts with.
const DefaultTTL = 5

// Command represents a single command that should be, has been, or has
// failed to be delivered to one enrolled device.
type Command struct {
	ID          int64
	UUID        string
	DeviceUDID  string
	RequestType string
	Parameters  json.RawMessage

	Status         string
	QueuedAt       time.Time
	SentAt         time.Time
	AcknowledgedAt time.Time

	// After gates delivery: the command must not be dispatched before it.
	// Zero means immediately eligible.
	After time.Time

	// TTL is the number of delivery attempts remaining before the command
	// expires.
	TTL int

	// Error carries the device-reported error text for terminal failures.
	Error string
}

// IsTerminal reports whether no further transitions are possible.
func (c *Command) IsTerminal() bool {
	switch c.Status {
	case StatusAcknowledged, StatusError, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Eligible reports whether the command may be dispatched at the given time.
func (c *Command) Eligible(now time.Time) bool {
	if c.Status != StatusQueued {
		return false
	}
	if !c.After.IsZero() && c.After.After(now) {
		return false
	}
	return true
}

// Dispatch applies the queued -> sent transition. When the retry budget is
// already exhausted the command expires instead and ErrTTLExhausted is
// returned; no dispatch occurs.
func (c *Command) Dispatch(now time.Time) error {
	if c.Status != StatusQueued {
		return ErrInvalidTransition
	}
	if c.TTL <= 0 {
		c.Status = StatusExpired
		c.AcknowledgedAt = now
		return ErrTTLExhausted
	}
	c.Status = StatusSent
	c.SentAt = now
	return nil
}

// ApplyReply applies a device reply transition to a sent command.
func (c *Command) ApplyReply(outcome ReplyOutcome, errorText string, now time.Time) error {
	if c.Status != StatusSent {
		return ErrInvalidTransition
	}
	switch outcome {
	case ReplyAcknowledged:
		c.Status = StatusAcknowledged
		c.AcknowledgedAt = now
	case ReplyError, ReplyCommandFormatError:
		c.Status = StatusError
		c.AcknowledgedAt = now
		c.Error = errorText
	case ReplyNotNow:
		c.requeueOrExpire(now)
	default:
		return ErrUnknownOutcome
	}
	return nil
}

// Timeout requeues a sent command that received no reply within the policy
// window, expiring it when the retry budget runs out.
func (c *Command) Timeout(now time.Time) error {
	if c.Status != StatusSent {
		return ErrInvalidTransition
	}
	c.requeueOrExpire(now)
	return nil
}

// Cancel applies the administrative queued -> cancelled transition.
func (c *Command) Cancel(now time.Time) error {
	if c.Status != StatusQueued {
		return ErrConflict
	}
	c.Status = StatusCancelled
	c.AcknowledgedAt = now
	return nil
}

// requeueOrExpire decrements the retry budget and decides between queued
// and expired in one step, so a zero-ttl command can never sit queued.
func (c *Command) requeueOrExpire(now time.Time) {
	c.TTL--
	if c.TTL <= 0 {
		c.TTL = 0
		c.Status = StatusExpired
		c.AcknowledgedAt = now
		return
	}
	c.Status = StatusQueued
}
