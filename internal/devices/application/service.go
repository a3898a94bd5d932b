package application

import (
	"context"
	"errors"
	"log"
	"time"

	devices "mdm-cloud/internal/devices/domain"
)

// EnrollRequest carries the identity and push registration a device
// reports when it enrolls or re-enrolls.
type EnrollRequest struct {
	UDID         string `json:"udid"`
	SerialNumber string `json:"serial_number"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	OSVersion    string `json:"os_version"`
	PushToken    string `json:"push_token"`
	PushMagic    string `json:"push_magic"`
	Topic        string `json:"topic"`
}

// TokenUpdateRequest carries a rotated push registration.
type TokenUpdateRequest struct {
	UDID      string `json:"udid"`
	PushToken string `json:"push_token"`
	PushMagic string `json:"push_magic"`
	Topic     string `json:"topic"`
}

// DeviceView is the admin-facing device projection.
type DeviceView struct {
	UDID            string     `json:"udid"`
	SerialNumber    string     `json:"serial_number,omitempty"`
	Name            string     `json:"name,omitempty"`
	Model           string     `json:"model,omitempty"`
	OSVersion       string     `json:"os_version,omitempty"`
	IsEnrolled      bool       `json:"is_enrolled"`
	Pushable        bool       `json:"pushable"`
	PushSuspended   bool       `json:"push_suspended"`
	FailedPushCount int        `json:"failed_push_count"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	LastPushAt      *time.Time `json:"last_push_at,omitempty"`
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses wall time.
type SystemClock struct{}

// Now returns current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Service manages the device registry.
type Service struct {
	repo   devices.Repository
	clock  Clock
	logger *log.Logger
}

// NewService constructs a device registry service.
func NewService(repo devices.Repository, clock Clock, logger *log.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("devices: nil repo")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{repo: repo, clock: clock, logger: logger}, nil
}

// Enroll registers a device, or refreshes an existing record. Re-enrollment
// resets push suspension: a device that shows up again is reachable again.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (*DeviceView, error) {
	if req.UDID == "" {
		return nil, errors.New("devices: udid required")
	}

	now := s.clock.Now()
	device := &devices.Device{
		UDID:         req.UDID,
		SerialNumber: req.SerialNumber,
		Name:         req.Name,
		Model:        req.Model,
		OSVersion:    req.OSVersion,
		PushToken:    req.PushToken,
		PushMagic:    req.PushMagic,
		Topic:        req.Topic,
		IsEnrolled:   true,
		LastSeen:     now,
	}
	if err := device.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, device); err != nil {
		return nil, err
	}
	if err := s.repo.ClearPush(ctx, req.UDID); err != nil {
		return nil, err
	}
	s.logger.Printf("device enrolled udid=%s model=%s", req.UDID, req.Model)

	return s.view(ctx, req.UDID)
}

// UpdatePushToken rotates the push registration of an enrolled device.
func (s *Service) UpdatePushToken(ctx context.Context, req TokenUpdateRequest) (*DeviceView, error) {
	if req.UDID == "" {
		return nil, errors.New("devices: udid required")
	}
	if req.PushToken == "" {
		return nil, errors.New("devices: push_token required")
	}

	device, err := s.repo.GetByUDID(ctx, req.UDID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrNotFound
	}

	device.PushToken = req.PushToken
	if req.PushMagic != "" {
		device.PushMagic = req.PushMagic
	}
	if req.Topic != "" {
		device.Topic = req.Topic
	}
	if err := s.repo.Save(ctx, device); err != nil {
		return nil, err
	}
	// A fresh token invalidates the old failure history.
	if err := s.repo.ClearPush(ctx, req.UDID); err != nil {
		return nil, err
	}
	return s.view(ctx, req.UDID)
}

// Unenroll marks a device unenrolled. Its queue survives, but delivery
// and wake signals stop.
func (s *Service) Unenroll(ctx context.Context, udid string) error {
	if udid == "" {
		return errors.New("devices: udid required")
	}
	device, err := s.repo.GetByUDID(ctx, udid)
	if err != nil {
		return err
	}
	if device == nil {
		return devices.ErrNotFound
	}
	if err := s.repo.SetEnrolled(ctx, udid, false); err != nil {
		return err
	}
	s.logger.Printf("device unenrolled udid=%s", udid)
	return nil
}

// Get returns a single device.
func (s *Service) Get(ctx context.Context, udid string) (*DeviceView, error) {
	if udid == "" {
		return nil, errors.New("devices: udid required")
	}
	return s.view(ctx, udid)
}

// List returns all known devices.
func (s *Service) List(ctx context.Context) ([]DeviceView, error) {
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]DeviceView, 0, len(list))
	for _, device := range list {
		views = append(views, toView(device))
	}
	return views, nil
}

func (s *Service) view(ctx context.Context, udid string) (*DeviceView, error) {
	device, err := s.repo.GetByUDID(ctx, udid)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrNotFound
	}
	view := toView(*device)
	return &view, nil
}

func toView(device devices.Device) DeviceView {
	view := DeviceView{
		UDID:            device.UDID,
		SerialNumber:    device.SerialNumber,
		Name:            device.Name,
		Model:           device.Model,
		OSVersion:       device.OSVersion,
		IsEnrolled:      device.IsEnrolled,
		Pushable:        device.Pushable(),
		PushSuspended:   device.PushSuspended,
		FailedPushCount: device.FailedPushCount,
	}
	if !device.LastSeen.IsZero() {
		seen := device.LastSeen
		view.LastSeen = &seen
	}
	if !device.LastPushAt.IsZero() {
		pushed := device.LastPushAt
		view.LastPushAt = &pushed
	}
	return view
}
