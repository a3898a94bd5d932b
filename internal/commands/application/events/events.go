package events

import (
	"encoding/json"
	"time"
)

// CommandQueued is emitted when a command is enqueued for a device.
type CommandQueued struct {
	EventID     string          `json:"event_id"`
	CommandUUID string          `json:"command_uuid"`
	DeviceUDID  string          `json:"device_udid"`
	RequestType string          `json:"request_type"`
	Parameters  json.RawMessage `json:"parameters"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// CommandSent is emitted when a command is handed to a device.
type CommandSent struct {
	EventID     string    `json:"event_id"`
	CommandUUID string    `json:"command_uuid"`
	DeviceUDID  string    `json:"device_udid"`
	RequestType string    `json:"request_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandAcknowledged is emitted when the device acknowledges a command.
type CommandAcknowledged struct {
	EventID     string    `json:"event_id"`
	CommandUUID string    `json:"command_uuid"`
	DeviceUDID  string    `json:"device_udid"`
	RequestType string    `json:"request_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandFailed is emitted when the device reports a command error.
type CommandFailed struct {
	EventID     string    `json:"event_id"`
	CommandUUID string    `json:"command_uuid"`
	DeviceUDID  string    `json:"device_udid"`
	RequestType string    `json:"request_type"`
	Error       string    `json:"error"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandExpired is emitted when a command exhausts its retry budget.
type CommandExpired struct {
	EventID     string    `json:"event_id"`
	CommandUUID string    `json:"command_uuid"`
	DeviceUDID  string    `json:"device_udid"`
	RequestType string    `json:"request_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandCancelled is emitted when a queued command is cancelled.
type CommandCancelled struct {
	EventID     string    `json:"event_id"`
	CommandUUID string    `json:"command_uuid"`
	DeviceUDID  string    `json:"device_udid"`
	RequestType string    `json:"request_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}
