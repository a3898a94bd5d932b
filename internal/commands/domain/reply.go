package commands

// ReplyOutcome is a device reply status as it appears on the wire.
type ReplyOutcome string

const (
	ReplyAcknowledged       ReplyOutcome = "Acknowledged"
	ReplyError              ReplyOutcome = "Error"
	ReplyNotNow             ReplyOutcome = "NotNow"
	ReplyCommandFormatError ReplyOutcome = "CommandFormatError"

	// ReplyIdle means the device is polling for work without replying to
	// an outstanding command.
	ReplyIdle ReplyOutcome = "Idle"
)

// ParseReplyOutcome validates a wire status string.
func ParseReplyOutcome(value string) (ReplyOutcome, bool) {
	switch ReplyOutcome(value) {
	case ReplyAcknowledged, ReplyError, ReplyNotNow, ReplyCommandFormatError, ReplyIdle:
		return ReplyOutcome(value), true
	default:
		return "", false
	}
}
