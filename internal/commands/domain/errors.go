package commands

import "errors"

// ErrNotFound indicates a missing command record.
var ErrNotFound = errors.New("command: not found")

// ErrConflict indicates a transition rejected because the command already
// left the queued state.
var ErrConflict = errors.New("command: conflict")

// ErrTTLExhausted indicates the retry budget ran out at dispatch time.
var ErrTTLExhausted = errors.New("command: ttl exhausted")

// ErrInvalidTransition indicates an event that does not apply to the
// command's current status.
var ErrInvalidTransition = errors.New("command: invalid transition")

// ErrUnknownOutcome indicates an unrecognized reply status.
var ErrUnknownOutcome = errors.New("command: unknown reply outcome")
