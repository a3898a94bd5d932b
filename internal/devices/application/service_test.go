package application

import (
	"context"
	"testing"
	"time"

	devices "mdm-cloud/internal/devices/domain"
	devicesmem "mdm-cloud/internal/devices/infrastructure/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newRegistry(t *testing.T) (*Service, devices.Repository) {
	t.Helper()
	repo := devicesmem.NewRepository()
	svc, err := NewService(repo, fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, repo
}

func TestEnrollCreatesDevice(t *testing.T) {
	svc, _ := newRegistry(t)
	view, err := svc.Enroll(context.Background(), EnrollRequest{
		UDID:      "udid-1",
		Model:     "iPad14,1",
		PushToken: "token-1",
		PushMagic: "magic-1",
		Topic:     "com.example.mdm",
	})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !view.IsEnrolled || !view.Pushable {
		t.Fatalf("expected enrolled pushable device, got %+v", view)
	}
}

func TestEnrollRequiresUDID(t *testing.T) {
	svc, _ := newRegistry(t)
	if _, err := svc.Enroll(context.Background(), EnrollRequest{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestReenrollResetsPushSuspension(t *testing.T) {
	svc, repo := newRegistry(t)
	if _, err := svc.Enroll(context.Background(), EnrollRequest{UDID: "udid-1", PushToken: "token-1"}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := repo.IncrementFailedPush(context.Background(), "udid-1"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := repo.SetPushSuspended(context.Background(), "udid-1", true); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	view, err := svc.Enroll(context.Background(), EnrollRequest{UDID: "udid-1", PushToken: "token-2"})
	if err != nil {
		t.Fatalf("re-enroll: %v", err)
	}
	if view.PushSuspended || view.FailedPushCount != 0 {
		t.Fatalf("expected push state reset, got %+v", view)
	}
	if !view.Pushable {
		t.Fatalf("expected device pushable after re-enroll")
	}
}

func TestUpdatePushToken(t *testing.T) {
	svc, repo := newRegistry(t)
	if _, err := svc.Enroll(context.Background(), EnrollRequest{UDID: "udid-1", PushToken: "token-1"}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := svc.UpdatePushToken(context.Background(), TokenUpdateRequest{UDID: "udid-1", PushToken: "token-2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	device, err := repo.GetByUDID(context.Background(), "udid-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if device.PushToken != "token-2" {
		t.Fatalf("expected rotated token, got %s", device.PushToken)
	}
}

func TestUpdatePushTokenUnknownDevice(t *testing.T) {
	svc, _ := newRegistry(t)
	_, err := svc.UpdatePushToken(context.Background(), TokenUpdateRequest{UDID: "missing", PushToken: "token-1"})
	if err != devices.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnenrollStopsDelivery(t *testing.T) {
	svc, repo := newRegistry(t)
	if _, err := svc.Enroll(context.Background(), EnrollRequest{UDID: "udid-1", PushToken: "token-1"}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if err := svc.Unenroll(context.Background(), "udid-1"); err != nil {
		t.Fatalf("unenroll: %v", err)
	}
	device, err := repo.GetByUDID(context.Background(), "udid-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if device.IsEnrolled || device.Pushable() {
		t.Fatalf("expected unenrolled unpushable device, got %+v", device)
	}
}

func TestListDevices(t *testing.T) {
	svc, _ := newRegistry(t)
	for _, udid := range []string{"udid-1", "udid-2"} {
		if _, err := svc.Enroll(context.Background(), EnrollRequest{UDID: udid}); err != nil {
			t.Fatalf("enroll %s: %v", udid, err)
		}
	}
	list, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(list))
	}
}
