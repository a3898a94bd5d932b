package device

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	commandsapp "mdm-cloud/internal/commands/application"
	commands "mdm-cloud/internal/commands/domain"
	commandsmem "mdm-cloud/internal/commands/infrastructure/memory"
	devices "mdm-cloud/internal/devices/domain"
	devicesmem "mdm-cloud/internal/devices/infrastructure/memory"
)

func newCheckinHandler(t *testing.T) (*Handler, *commandsapp.Service) {
	t.Helper()
	deviceRepo := devicesmem.NewRepository()
	if err := deviceRepo.Save(context.Background(), &devices.Device{UDID: "udid-1", IsEnrolled: true, PushToken: "token-1"}); err != nil {
		t.Fatalf("save device: %v", err)
	}
	svc, err := commandsapp.NewService(commandsmem.NewRepository(), deviceRepo, nil, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler, err := NewHandler(svc, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, svc
}

func checkin(t *testing.T, handler *Handler, body CheckinRequest) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, "/mdm/connect", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestCheckinIdleEmptyQueue(t *testing.T) {
	handler, _ := newCheckinHandler(t)
	resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Idle"})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCheckinIdleDeliversCommand(t *testing.T) {
	handler, svc := newCheckinHandler(t)
	view, err := svc.Enqueue(context.Background(), commandsapp.EnqueueRequest{
		DeviceUDID:  "udid-1",
		RequestType: "DeviceInformation",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Idle"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload commandsapp.DeliveryPayload
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.CommandUUID != view.CommandUUID {
		t.Fatalf("expected %s, got %s", view.CommandUUID, payload.CommandUUID)
	}
}

func TestCheckinAcknowledgeAdvances(t *testing.T) {
	handler, svc := newCheckinHandler(t)
	first, err := svc.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "DeviceInformation"})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := svc.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "SecurityInfo"})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	if resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Idle"}); resp.Code != http.StatusOK {
		t.Fatalf("idle checkin: %d", resp.Code)
	}
	resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Acknowledged", CommandUUID: first.CommandUUID})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload commandsapp.DeliveryPayload
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.CommandUUID != second.CommandUUID {
		t.Fatalf("expected second command, got %s", payload.CommandUUID)
	}

	view, err := svc.Get(context.Background(), first.CommandUUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != commands.StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", view.Status)
	}
}

func TestCheckinErrorRecordsChain(t *testing.T) {
	handler, svc := newCheckinHandler(t)
	cmd, err := svc.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "InstallProfile"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Idle"}); resp.Code != http.StatusOK {
		t.Fatalf("idle checkin: %d", resp.Code)
	}

	resp := checkin(t, handler, CheckinRequest{
		UDID:        "udid-1",
		Status:      "Error",
		CommandUUID: cmd.CommandUUID,
		ErrorChain:  json.RawMessage(`[{"ErrorCode":4001}]`),
	})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}
	view, err := svc.Get(context.Background(), cmd.CommandUUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != commands.StatusError {
		t.Fatalf("expected error, got %s", view.Status)
	}
	if view.Error == "" {
		t.Fatalf("expected error chain recorded")
	}
}

func TestCheckinStaleReplyStillDelivers(t *testing.T) {
	handler, svc := newCheckinHandler(t)
	cmd, err := svc.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "DeviceInformation"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Idle"}); resp.Code != http.StatusOK {
		t.Fatalf("idle checkin: %d", resp.Code)
	}

	resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Acknowledged", CommandUUID: "stale-uuid"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with redelivery, got %d", resp.Code)
	}
	var payload commandsapp.DeliveryPayload
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.CommandUUID != cmd.CommandUUID {
		t.Fatalf("expected outstanding command redelivered, got %s", payload.CommandUUID)
	}
}

func TestCheckinUnknownDevice(t *testing.T) {
	handler, _ := newCheckinHandler(t)
	resp := checkin(t, handler, CheckinRequest{UDID: "missing", Status: "Idle"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestCheckinRejectsUnknownStatus(t *testing.T) {
	handler, _ := newCheckinHandler(t)
	resp := checkin(t, handler, CheckinRequest{UDID: "udid-1", Status: "Maybe"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
