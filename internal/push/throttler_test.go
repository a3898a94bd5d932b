package push

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	devices "mdm-cloud/internal/devices/domain"
	devicesmem "mdm-cloud/internal/devices/infrastructure/memory"
)

type stubSender struct {
	fail  bool
	calls int
}

func (s *stubSender) Send(_ context.Context, _ devices.Device) (string, error) {
	s.calls++
	if s.fail {
		return "", errors.New("gateway down")
	}
	return "push-1", nil
}

func newTestThrottler(t *testing.T, sender *stubSender, threshold int) (*Throttler, *devicesmem.Repository) {
	t.Helper()
	repo := devicesmem.NewRepository()
	if err := repo.Save(context.Background(), &devices.Device{
		UDID:       "udid-1",
		IsEnrolled: true,
		PushToken:  "token-1",
		PushMagic:  "magic-1",
		Topic:      "com.example.mdm",
	}); err != nil {
		t.Fatalf("save device: %v", err)
	}
	throttler, err := NewThrottler(repo, sender, Config{FailureThreshold: threshold, ResendAfter: 30 * time.Minute}, log.Default())
	if err != nil {
		t.Fatalf("new throttler: %v", err)
	}
	return throttler, repo
}

func TestNotifySendsAndRecords(t *testing.T) {
	sender := &stubSender{}
	throttler, repo := newTestThrottler(t, sender, 5)

	if err := throttler.NotifyIfNeeded(context.Background(), "udid-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected 1 send, got %d", sender.calls)
	}
	device, err := repo.GetByUDID(context.Background(), "udid-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.LastPushAt.IsZero() || device.LastPushID != "push-1" {
		t.Fatalf("push not recorded: %+v", device)
	}
}

func TestNotifySkipsWhileOutstanding(t *testing.T) {
	sender := &stubSender{}
	throttler, _ := newTestThrottler(t, sender, 5)

	for i := 0; i < 3; i++ {
		if err := throttler.NotifyIfNeeded(context.Background(), "udid-1"); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if sender.calls != 1 {
		t.Fatalf("expected a single send while outstanding, got %d", sender.calls)
	}
}

func TestNotifyResendsAfterCheckIn(t *testing.T) {
	sender := &stubSender{}
	throttler, repo := newTestThrottler(t, sender, 5)

	if err := throttler.NotifyIfNeeded(context.Background(), "udid-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := repo.ClearPush(context.Background(), "udid-1"); err != nil {
		t.Fatalf("clear push: %v", err)
	}
	if err := throttler.NotifyIfNeeded(context.Background(), "udid-1"); err != nil {
		t.Fatalf("second notify: %v", err)
	}
	if sender.calls != 2 {
		t.Fatalf("expected 2 sends, got %d", sender.calls)
	}
}

func TestNotifySkipsUnpushableDevice(t *testing.T) {
	sender := &stubSender{}
	throttler, repo := newTestThrottler(t, sender, 5)
	if err := repo.SetEnrolled(context.Background(), "udid-1", false); err != nil {
		t.Fatalf("set enrolled: %v", err)
	}

	if err := throttler.NotifyIfNeeded(context.Background(), "udid-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no sends, got %d", sender.calls)
	}
}

func TestNotifyUnknownDevice(t *testing.T) {
	sender := &stubSender{}
	throttler, _ := newTestThrottler(t, sender, 5)
	err := throttler.NotifyIfNeeded(context.Background(), "missing")
	if !errors.Is(err, devices.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFailureCountsAndSuspends(t *testing.T) {
	sender := &stubSender{fail: true}
	throttler, repo := newTestThrottler(t, sender, 3)

	for i := 0; i < 3; i++ {
		err := throttler.NotifyIfNeeded(context.Background(), "udid-1")
		if !errors.Is(err, ErrDeliveryFailed) {
			t.Fatalf("attempt %d: expected delivery failure, got %v", i, err)
		}
	}

	device, err := repo.GetByUDID(context.Background(), "udid-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.FailedPushCount != 3 {
		t.Fatalf("expected 3 failures, got %d", device.FailedPushCount)
	}
	if !device.PushSuspended {
		t.Fatalf("expected device suspended")
	}

	// Suspended devices are skipped entirely.
	calls := sender.calls
	if err := throttler.NotifyIfNeeded(context.Background(), "udid-1"); err != nil {
		t.Fatalf("notify suspended: %v", err)
	}
	if sender.calls != calls {
		t.Fatalf("suspended device must not be pushed")
	}
}

func TestCheckInResetsFailureState(t *testing.T) {
	sender := &stubSender{fail: true}
	throttler, repo := newTestThrottler(t, sender, 3)

	if err := throttler.NotifyIfNeeded(context.Background(), "udid-1"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	if err := repo.ClearPush(context.Background(), "udid-1"); err != nil {
		t.Fatalf("clear push: %v", err)
	}
	device, err := repo.GetByUDID(context.Background(), "udid-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.FailedPushCount != 0 || device.PushSuspended {
		t.Fatalf("expected failure state reset, got %+v", device)
	}
}
