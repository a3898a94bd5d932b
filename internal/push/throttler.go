package push

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	devices "mdm-cloud/internal/devices/domain"
	"mdm-cloud/internal/observability/metrics"
)

const (
	skipNotPushable = "not_pushable"
	skipOutstanding = "outstanding"
)

// Throttler guards wake delivery so a device has at most one outstanding
// wake signal at a time. The signal resolves when the device checks in;
// an unanswered signal is re-armed after the configured window.
type Throttler struct {
	devices devices.Repository
	sender  Sender
	cfg     Config
	logger  *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewThrottler constructs a throttler.
func NewThrottler(deviceRepo devices.Repository, sender Sender, cfg Config, logger *log.Logger) (*Throttler, error) {
	if deviceRepo == nil {
		return nil, fmt.Errorf("push: nil device repo")
	}
	if sender == nil {
		return nil, fmt.Errorf("push: nil sender")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResendAfter <= 0 {
		cfg.ResendAfter = 30 * time.Minute
	}
	return &Throttler{
		devices: deviceRepo,
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// NotifyIfNeeded sends a wake signal to the device unless one is already
// outstanding or the device cannot receive pushes. Skipping is not an
// error.
func (t *Throttler) NotifyIfNeeded(ctx context.Context, udid string) error {
	if udid == "" {
		return fmt.Errorf("push: udid required")
	}

	unlock := t.acquire(udid)
	defer unlock()

	device, err := t.devices.GetByUDID(ctx, udid)
	if err != nil {
		return err
	}
	if device == nil {
		return devices.ErrNotFound
	}
	if !device.Pushable() {
		metrics.IncPushSkipped(skipNotPushable)
		return nil
	}

	now := time.Now().UTC()
	if !device.LastPushAt.IsZero() && now.Sub(device.LastPushAt) < t.cfg.ResendAfter {
		metrics.IncPushSkipped(skipOutstanding)
		return nil
	}

	pushID, err := t.sender.Send(ctx, *device)
	if err != nil {
		return t.recordFailure(ctx, udid, err)
	}

	if err := t.devices.RecordPush(ctx, udid, now, pushID); err != nil {
		return err
	}
	metrics.IncPushSent()
	return nil
}

func (t *Throttler) recordFailure(ctx context.Context, udid string, cause error) error {
	metrics.IncPushFailed()
	count, err := t.devices.IncrementFailedPush(ctx, udid)
	if err != nil {
		return err
	}
	if count >= t.cfg.FailureThreshold {
		if err := t.devices.SetPushSuspended(ctx, udid, true); err != nil {
			return err
		}
		metrics.IncPushSuspended()
		t.logger.Printf("push suspended: device=%s failures=%d", udid, count)
	}
	return fmt.Errorf("%w: device=%s: %v", ErrDeliveryFailed, udid, cause)
}

// acquire locks the device's wake mutex. Entries are never evicted;
// the map grows with the device population only.
func (t *Throttler) acquire(udid string) func() {
	t.mu.Lock()
	lock, ok := t.locks[udid]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[udid] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
