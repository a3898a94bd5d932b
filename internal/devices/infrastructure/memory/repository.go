package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"mdm-cloud/internal/devices/domain"
)

// Repository is an in-memory device repository for tests and demos.
type Repository struct {
	mu     sync.Mutex
	byUDID map[string]*devices.Device
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{byUDID: make(map[string]*devices.Device)}
}

// GetByUDID returns a copy of the stored device, nil when absent.
func (r *Repository) GetByUDID(_ context.Context, udid string) (*devices.Device, error) {
	if udid == "" {
		return nil, errors.New("device repo: empty udid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byUDID[udid]
	if !ok {
		return nil, nil
	}
	clone := *device
	return &clone, nil
}

// Save upserts a device keyed on udid.
func (r *Repository) Save(_ context.Context, device *devices.Device) error {
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.byUDID[device.UDID]; ok {
		device.CreatedAt = existing.CreatedAt
		device.LastPushAt = existing.LastPushAt
		device.LastPushID = existing.LastPushID
		device.FailedPushCount = existing.FailedPushCount
		device.PushSuspended = existing.PushSuspended
	} else if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	clone := *device
	r.byUDID[device.UDID] = &clone
	return nil
}

// List returns all devices ordered by udid.
func (r *Repository) List(_ context.Context) ([]devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]devices.Device, 0, len(r.byUDID))
	for _, device := range r.byUDID {
		result = append(result, *device)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UDID < result[j].UDID })
	return result, nil
}

// TouchLastSeen records a device contact.
func (r *Repository) TouchLastSeen(_ context.Context, udid string, at time.Time) error {
	return r.update(udid, func(device *devices.Device) {
		device.LastSeen = at.UTC()
	})
}

// RecordPush marks a wake signal outstanding.
func (r *Repository) RecordPush(_ context.Context, udid string, at time.Time, pushID string) error {
	return r.update(udid, func(device *devices.Device) {
		device.LastPushAt = at.UTC()
		device.LastPushID = pushID
	})
}

// ClearPush resolves the outstanding wake signal and resets failure state.
func (r *Repository) ClearPush(_ context.Context, udid string) error {
	return r.update(udid, func(device *devices.Device) {
		device.LastPushAt = time.Time{}
		device.LastPushID = ""
		device.FailedPushCount = 0
		device.PushSuspended = false
	})
}

// IncrementFailedPush clears the outstanding signal and bumps the counter.
func (r *Repository) IncrementFailedPush(_ context.Context, udid string) (int, error) {
	var count int
	err := r.update(udid, func(device *devices.Device) {
		device.LastPushAt = time.Time{}
		device.LastPushID = ""
		device.FailedPushCount++
		count = device.FailedPushCount
	})
	return count, err
}

// SetPushSuspended toggles the push suspension flag.
func (r *Repository) SetPushSuspended(_ context.Context, udid string, suspended bool) error {
	return r.update(udid, func(device *devices.Device) {
		device.PushSuspended = suspended
	})
}

// SetEnrolled toggles the enrollment flag.
func (r *Repository) SetEnrolled(_ context.Context, udid string, enrolled bool) error {
	return r.update(udid, func(device *devices.Device) {
		device.IsEnrolled = enrolled
	})
}

func (r *Repository) update(udid string, apply func(*devices.Device)) error {
	if udid == "" {
		return errors.New("device repo: empty udid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byUDID[udid]
	if !ok {
		return devices.ErrNotFound
	}
	apply(device)
	device.UpdatedAt = time.Now().UTC()
	return nil
}
