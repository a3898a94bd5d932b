package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	commandsapp "mdm-cloud/internal/commands/application"
	commandsmem "mdm-cloud/internal/commands/infrastructure/memory"
	devices "mdm-cloud/internal/devices/domain"
	devicesmem "mdm-cloud/internal/devices/infrastructure/memory"
)

func newTestHandler(t *testing.T) (*Handler, *commandsapp.Service) {
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

func postCommand(t *testing.T, handler *Handler, req commandsapp.EnqueueRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, r)
	return resp
}

func TestEnqueueEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	resp := postCommand(t, handler, commandsapp.EnqueueRequest{
		DeviceUDID:  "udid-1",
		RequestType: "DeviceInformation",
		Parameters:  json.RawMessage(`{"Queries":["SerialNumber"]}`),
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var view commandsapp.CommandView
	if err := json.Unmarshal(resp.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.CommandUUID == "" {
		t.Fatalf("expected command uuid assigned")
	}
	if view.Status != "queued" {
		t.Fatalf("expected queued, got %s", view.Status)
	}
}

func TestEnqueueUnknownDeviceEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	resp := postCommand(t, handler, commandsapp.EnqueueRequest{DeviceUDID: "missing", RequestType: "DeviceInformation"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	handler, _ := newTestHandler(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader([]byte("{not json")))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, r)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	for i := 0; i < 3; i++ {
		resp := postCommand(t, handler, commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: fmt.Sprintf("Type%d", i)})
		if resp.Code != http.StatusCreated {
			t.Fatalf("enqueue %d: %d", i, resp.Code)
		}
	}

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	target := "/api/v1/commands?udid=udid-1&from=" + url.QueryEscape(from) + "&to=" + url.QueryEscape(to)
	r := httptest.NewRequest(http.MethodGet, target, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, r)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var list []commandsapp.CommandView
	if err := json.Unmarshal(resp.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(list))
	}
}

func TestHistoryRequiresRange(t *testing.T) {
	handler, _ := newTestHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/api/v1/commands?udid=udid-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, r)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestGetCommandItem(t *testing.T) {
	handler, _ := newTestHandler(t)
	created := postCommand(t, handler, commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "SecurityInfo"})
	var view commandsapp.CommandView
	if err := json.Unmarshal(created.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/commands/"+view.CommandUUID, nil)
	resp := httptest.NewRecorder()
	handler.HandleItem(resp, r)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	handler, svc := newTestHandler(t)
	created := postCommand(t, handler, commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "SecurityInfo"})
	var view commandsapp.CommandView
	if err := json.Unmarshal(created.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/commands/"+view.CommandUUID, nil)
	resp := httptest.NewRecorder()
	handler.HandleItem(resp, r)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}

	got, err := svc.Get(context.Background(), view.CommandUUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestCancelSentCommandConflict(t *testing.T) {
	handler, svc := newTestHandler(t)
	created := postCommand(t, handler, commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "SecurityInfo"})
	var view commandsapp.CommandView
	if err := json.Unmarshal(created.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := svc.Contact(context.Background(), "udid-1"); err != nil {
		t.Fatalf("contact: %v", err)
	}

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/commands/"+view.CommandUUID, nil)
	resp := httptest.NewRecorder()
	handler.HandleItem(resp, r)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	for i := 0; i < 2; i++ {
		if resp := postCommand(t, handler, commandsapp.EnqueueRequest{DeviceUDID: "udid-1", RequestType: "DeviceInformation"}); resp.Code != http.StatusCreated {
			t.Fatalf("enqueue: %d", resp.Code)
		}
	}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/stats?udid=udid-1", nil)
	resp := httptest.NewRecorder()
	handler.HandleStats(resp, r)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var stats map[string]int
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats["queued"] != 2 {
		t.Fatalf("expected 2 queued, got %d", stats["queued"])
	}
}
