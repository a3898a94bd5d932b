package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	commandsevents "mdm-cloud/internal/commands/application/events"
	commands "mdm-cloud/internal/commands/domain"
	"mdm-cloud/internal/devices/domain"
	"mdm-cloud/internal/eventing"
	"mdm-cloud/internal/observability/metrics"
)

// EnqueueRequest represents a command enqueue request.
type EnqueueRequest struct {
	DeviceUDID  string          `json:"device_udid"`
	RequestType string          `json:"request_type"`
	Parameters  json.RawMessage `json:"parameters"`
	After       time.Time       `json:"after"`
	TTL         int             `json:"ttl"`
}

// CommandView is the admin-facing representation of a command.
type CommandView struct {
	CommandUUID string          `json:"command_uuid"`
	DeviceUDID  string          `json:"device_udid"`
	RequestType string          `json:"request_type"`
	Parameters  json.RawMessage `json:"parameters"`
	Status      string          `json:"status"`
	QueuedAt    time.Time       `json:"queued_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	After       *time.Time      `json:"after,omitempty"`
	TTL         int             `json:"ttl"`
	Error       string          `json:"error,omitempty"`
}

// DeliveryPayload is what a checking-in device receives.
type DeliveryPayload struct {
	CommandUUID string          `json:"CommandUUID"`
	RequestType string          `json:"RequestType"`
	Parameters  json.RawMessage `json:"Parameters,omitempty"`
}

// Publisher emits queue lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Service coordinates the per-device command queue: enqueue, check-in
// delivery, reply processing, cancellation and timeout sweeps.
type Service struct {
	repo    commands.Repository
	devices devices.Repository
	pub     Publisher
	clock   Clock
	locks   *deviceLocks
}

// NewService constructs the delivery coordinator.
func NewService(repo commands.Repository, deviceRepo devices.Repository, pub Publisher, clock Clock) (*Service, error) {
	if repo == nil {
		return nil, errors.New("commands: nil repo")
	}
	if deviceRepo == nil {
		return nil, errors.New("commands: nil device repo")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		repo:    repo,
		devices: deviceRepo,
		pub:     pub,
		clock:   clock,
		locks:   newDeviceLocks(),
	}, nil
}

// Enqueue validates the request, persists a queued command and publishes
// CommandQueued.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*CommandView, error) {
	if err := validateEnqueue(req); err != nil {
		return nil, err
	}
	device, err := s.devices.GetByUDID(ctx, req.DeviceUDID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrNotFound
	}

	now := s.clock.Now().UTC()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = commands.DefaultTTL
	}
	parameters := req.Parameters
	if len(parameters) == 0 {
		parameters = json.RawMessage("{}")
	}

	cmd := &commands.Command{
		UUID:        uuid.NewString(),
		DeviceUDID:  req.DeviceUDID,
		RequestType: req.RequestType,
		Parameters:  parameters,
		Status:      commands.StatusQueued,
		QueuedAt:    now,
		After:       req.After.UTC(),
		TTL:         ttl,
	}
	if req.After.IsZero() {
		cmd.After = time.Time{}
	}

	unlock := s.locks.Acquire(req.DeviceUDID)
	err = s.repo.Create(ctx, cmd)
	unlock()
	if err != nil {
		return nil, err
	}
	metrics.IncCommandEnqueued()

	// The push wake rides this event, which can mean an outbound HTTP
	// send; the device lock must not be held across it.
	eventID := eventing.NewEventID()
	event := commandsevents.CommandQueued{
		EventID:     eventID,
		CommandUUID: cmd.UUID,
		DeviceUDID:  cmd.DeviceUDID,
		RequestType: cmd.RequestType,
		Parameters:  cmd.Parameters,
		OccurredAt:  now,
	}
	ctx = eventing.WithEventID(ctx, eventID)
	if err := s.publish(ctx, event); err != nil {
		return nil, err
	}

	return commandView(cmd), nil
}

// Contact handles a device check-in: it records the contact, clears the
// outstanding wake marker, and returns the command the device should
// execute. A command already sent but unanswered is returned again
// unchanged; otherwise the oldest eligible queued command is dispatched.
// Unenrolled devices get nothing, whatever is queued. Nil payload means
// there is nothing to execute.
func (s *Service) Contact(ctx context.Context, udid string) (*DeliveryPayload, error) {
	if udid == "" {
		return nil, errors.New("commands: udid required")
	}
	device, err := s.devices.GetByUDID(ctx, udid)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrNotFound
	}

	now := s.clock.Now().UTC()
	next, dispatched, err := s.selectForDelivery(ctx, device, now)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	if dispatched {
		metrics.IncCommandDelivered()
		eventID := eventing.NewEventID()
		event := commandsevents.CommandSent{
			EventID:     eventID,
			CommandUUID: next.UUID,
			DeviceUDID:  next.DeviceUDID,
			RequestType: next.RequestType,
			OccurredAt:  now,
		}
		if err := s.publish(eventing.WithEventID(ctx, eventID), event); err != nil {
			return nil, err
		}
	}
	return deliveryPayload(next), nil
}

// selectForDelivery records the contact under the device lock and picks
// the command to hand out: the unanswered sent command when one exists,
// otherwise the oldest eligible queued command, moved to sent. The bool
// reports whether a queued -> sent transition happened.
func (s *Service) selectForDelivery(ctx context.Context, device *devices.Device, now time.Time) (*commands.Command, bool, error) {
	unlock := s.locks.Acquire(device.UDID)
	defer unlock()

	if err := s.devices.TouchLastSeen(ctx, device.UDID, now); err != nil {
		return nil, false, err
	}
	if err := s.devices.ClearPush(ctx, device.UDID); err != nil {
		return nil, false, err
	}

	// An unenrolled device keeps its queue, but is never handed a
	// command.
	if !device.IsEnrolled {
		return nil, false, nil
	}

	outstanding, err := s.repo.Outstanding(ctx, device.UDID)
	if err != nil {
		return nil, false, err
	}
	if outstanding != nil {
		return outstanding, false, nil
	}

	for {
		next, err := s.repo.NextQueued(ctx, device.UDID, now)
		if err != nil {
			return nil, false, err
		}
		if next == nil {
			return nil, false, nil
		}
		moved, err := s.repo.MarkSent(ctx, next.ID, now)
		if err != nil {
			return nil, false, err
		}
		if !moved {
			// Lost a race with a cancel; try the next one.
			continue
		}
		next.Status = commands.StatusSent
		next.SentAt = now
		return next, true, nil
	}
}

// Reply applies a device-reported outcome to the device's outstanding
// command. The uuid must match the outstanding command; anything else is
// reported as not found.
func (s *Service) Reply(ctx context.Context, udid, commandUUID string, outcome commands.ReplyOutcome, errorText string) error {
	if udid == "" {
		return errors.New("commands: udid required")
	}
	if commandUUID == "" {
		return errors.New("commands: command uuid required")
	}

	event, eventID, err := s.applyReply(ctx, udid, commandUUID, outcome, errorText)
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	return s.publish(eventing.WithEventID(ctx, eventID), event)
}

// applyReply holds the device lock only for the state transition; the
// resulting event is published by the caller after release.
func (s *Service) applyReply(ctx context.Context, udid, commandUUID string, outcome commands.ReplyOutcome, errorText string) (any, string, error) {
	unlock := s.locks.Acquire(udid)
	defer unlock()

	outstanding, err := s.repo.Outstanding(ctx, udid)
	if err != nil {
		return nil, "", err
	}
	if outstanding == nil || outstanding.UUID != commandUUID {
		return nil, "", commands.ErrNotFound
	}

	now := s.clock.Now().UTC()
	switch outcome {
	case commands.ReplyAcknowledged:
		moved, err := s.repo.MarkAcknowledged(ctx, outstanding.ID, now)
		if err != nil {
			return nil, "", err
		}
		if !moved {
			return nil, "", commands.ErrConflict
		}
		metrics.IncCommandResult(metrics.CommandResultAcknowledged)
		eventID := eventing.NewEventID()
		return commandsevents.CommandAcknowledged{
			EventID:     eventID,
			CommandUUID: outstanding.UUID,
			DeviceUDID:  udid,
			RequestType: outstanding.RequestType,
			OccurredAt:  now,
		}, eventID, nil

	case commands.ReplyError, commands.ReplyCommandFormatError:
		moved, err := s.repo.MarkError(ctx, outstanding.ID, now, errorText)
		if err != nil {
			return nil, "", err
		}
		if !moved {
			return nil, "", commands.ErrConflict
		}
		metrics.IncCommandResult(metrics.CommandResultFailed)
		eventID := eventing.NewEventID()
		return commandsevents.CommandFailed{
			EventID:     eventID,
			CommandUUID: outstanding.UUID,
			DeviceUDID:  udid,
			RequestType: outstanding.RequestType,
			Error:       errorText,
			OccurredAt:  now,
		}, eventID, nil

	case commands.ReplyNotNow:
		requeued, err := s.repo.Requeue(ctx, outstanding.ID)
		if err != nil {
			return nil, "", err
		}
		if requeued {
			metrics.IncCommandResult(metrics.CommandResultRequeued)
			return nil, "", nil
		}
		expired, err := s.repo.MarkExpired(ctx, outstanding.ID, now)
		if err != nil {
			return nil, "", err
		}
		if !expired {
			return nil, "", commands.ErrConflict
		}
		metrics.IncCommandResult(metrics.CommandResultExpired)
		eventID := eventing.NewEventID()
		return commandsevents.CommandExpired{
			EventID:     eventID,
			CommandUUID: outstanding.UUID,
			DeviceUDID:  udid,
			RequestType: outstanding.RequestType,
			OccurredAt:  now,
		}, eventID, nil

	default:
		return nil, "", commands.ErrUnknownOutcome
	}
}

// Cancel withdraws a queued command. Commands that already left the
// queued state report a conflict.
func (s *Service) Cancel(ctx context.Context, commandUUID string) error {
	if commandUUID == "" {
		return errors.New("commands: command uuid required")
	}
	cmd, err := s.repo.GetByUUID(ctx, commandUUID)
	if err != nil {
		return err
	}
	if cmd == nil {
		return commands.ErrNotFound
	}

	now := s.clock.Now().UTC()
	unlock := s.locks.Acquire(cmd.DeviceUDID)
	moved, err := s.repo.Cancel(ctx, commandUUID, now)
	unlock()
	if err != nil {
		return err
	}
	if !moved {
		return commands.ErrConflict
	}
	metrics.IncCommandResult(metrics.CommandResultCancelled)

	eventID := eventing.NewEventID()
	return s.publish(eventing.WithEventID(ctx, eventID), commandsevents.CommandCancelled{
		EventID:     eventID,
		CommandUUID: cmd.UUID,
		DeviceUDID:  cmd.DeviceUDID,
		RequestType: cmd.RequestType,
		OccurredAt:  now,
	})
}

// MarkTimeouts sweeps sent commands dispatched before the cutoff,
// requeuing those with retry budget left and expiring the rest. It
// returns the number of requeued and expired commands.
func (s *Service) MarkTimeouts(ctx context.Context, before time.Time) (int, int, error) {
	requeued, err := s.repo.RequeueTimedOut(ctx, before)
	if err != nil {
		return requeued, 0, err
	}
	expired, err := s.repo.ExpireTimedOut(ctx, before, s.clock.Now().UTC())
	if err != nil {
		return requeued, expired, err
	}
	metrics.AddCommandTimeouts(requeued + expired)
	return requeued, expired, nil
}

// History returns a device's commands in the window.
func (s *Service) History(ctx context.Context, udid string, from, to time.Time) ([]CommandView, error) {
	if udid == "" {
		return nil, errors.New("commands: udid required")
	}
	list, err := s.repo.ListByDevice(ctx, udid, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	views := make([]CommandView, 0, len(list))
	for i := range list {
		views = append(views, *commandView(&list[i]))
	}
	return views, nil
}

// Stats returns per-status queue depth; empty udid covers all devices.
func (s *Service) Stats(ctx context.Context, udid string) (map[string]int, error) {
	return s.repo.CountByStatus(ctx, udid)
}

// Get returns a single command by uuid.
func (s *Service) Get(ctx context.Context, commandUUID string) (*CommandView, error) {
	if commandUUID == "" {
		return nil, errors.New("commands: command uuid required")
	}
	cmd, err := s.repo.GetByUUID(ctx, commandUUID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	return commandView(cmd), nil
}

func (s *Service) publish(ctx context.Context, event any) error {
	if s.pub == nil {
		return nil
	}
	return s.pub.Publish(ctx, event)
}

func validateEnqueue(req EnqueueRequest) error {
	if req.DeviceUDID == "" {
		return errors.New("commands: device_udid required")
	}
	if req.RequestType == "" {
		return errors.New("commands: request_type required")
	}
	if len(req.Parameters) > 0 && !json.Valid(req.Parameters) {
		return errors.New("commands: invalid parameters")
	}
	if req.TTL < 0 {
		return errors.New("commands: negative ttl")
	}
	return nil
}

func commandView(cmd *commands.Command) *CommandView {
	view := &CommandView{
		CommandUUID: cmd.UUID,
		DeviceUDID:  cmd.DeviceUDID,
		RequestType: cmd.RequestType,
		Parameters:  cmd.Parameters,
		Status:      cmd.Status,
		QueuedAt:    cmd.QueuedAt,
		TTL:         cmd.TTL,
		Error:       cmd.Error,
	}
	if !cmd.SentAt.IsZero() {
		sentAt := cmd.SentAt
		view.SentAt = &sentAt
	}
	if !cmd.After.IsZero() {
		after := cmd.After
		view.After = &after
	}
	return view
}

func deliveryPayload(cmd *commands.Command) *DeliveryPayload {
	return &DeliveryPayload{
		CommandUUID: cmd.UUID,
		RequestType: cmd.RequestType,
		Parameters:  cmd.Parameters,
	}
}
