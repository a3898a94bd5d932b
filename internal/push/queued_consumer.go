package push

import (
	"context"
	"errors"
	"log"

	commandsevents "mdm-cloud/internal/commands/application/events"
)

// QueuedConsumer wakes a device whenever a command lands on its queue.
type QueuedConsumer struct {
	throttler *Throttler
	logger    *log.Logger
}

// NewQueuedConsumer constructs a consumer.
func NewQueuedConsumer(throttler *Throttler, logger *log.Logger) (*QueuedConsumer, error) {
	if throttler == nil {
		return nil, errors.New("push consumer: nil throttler")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &QueuedConsumer{throttler: throttler, logger: logger}, nil
}

// HandleCommandQueued handles CommandQueued events.
func (c *QueuedConsumer) HandleCommandQueued(ctx context.Context, event any) error {
	evt, ok := event.(commandsevents.CommandQueued)
	if !ok {
		if ptr, ok := event.(*commandsevents.CommandQueued); ok && ptr != nil {
			evt = *ptr
		} else {
			return nil
		}
	}

	if err := c.throttler.NotifyIfNeeded(ctx, evt.DeviceUDID); err != nil {
		// A dead push route must not fail the enqueue; the device will
		// pick the command up on its next check-in.
		c.logger.Printf("push wake failed: device=%s command=%s err=%v", evt.DeviceUDID, evt.CommandUUID, err)
	}
	return nil
}
