package push

import (
	"context"
	"errors"

	devices "mdm-cloud/internal/devices/domain"
)

// Sender delivers a wake signal to one device and returns the gateway's
// notification id.
type Sender interface {
	Send(ctx context.Context, device devices.Device) (string, error)
}

// ErrDeliveryFailed indicates the gateway rejected or failed the wake
// signal.
var ErrDeliveryFailed = errors.New("push: delivery failed")
