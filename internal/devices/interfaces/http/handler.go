package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"mdm-cloud/internal/audit"
	"mdm-cloud/internal/auth"
	devicesapp "mdm-cloud/internal/devices/application"
	devices "mdm-cloud/internal/devices/domain"
)

// Handler provides admin device registry endpoints.
type Handler struct {
	service     *devicesapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *devicesapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("devices handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

// ServeHTTP handles GET/POST /api/v1/devices.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.service.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	case http.MethodPost:
		var req devicesapp.EnrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		view, err := h.service.Enroll(r.Context(), req)
		if err != nil {
			respondDeviceError(w, err)
			return
		}
		h.logAudit(r, "device.enroll", view.UDID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(view)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HandleItem handles /api/v1/devices/{udid} and
// /api/v1/devices/{udid}/push_token.
func (h *Handler) HandleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	udid, sub, _ := strings.Cut(rest, "/")
	if udid == "" {
		http.Error(w, "udid required", http.StatusBadRequest)
		return
	}

	if sub == "push_token" {
		h.handlePushToken(w, r, udid)
		return
	}
	if sub != "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := h.service.Get(r.Context(), udid)
		if err != nil {
			respondDeviceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	case http.MethodDelete:
		if err := h.service.Unenroll(r.Context(), udid); err != nil {
			respondDeviceError(w, err)
			return
		}
		h.logAudit(r, "device.unenroll", udid)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePushToken(w http.ResponseWriter, r *http.Request, udid string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req devicesapp.TokenUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.UDID = udid
	view, err := h.service.UpdatePushToken(r.Context(), req)
	if err != nil {
		respondDeviceError(w, err)
		return
	}
	h.logAudit(r, "device.push_token", udid)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (h *Handler) logAudit(r *http.Request, action, udid string) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "device",
		ResourceID:   udid,
		DeviceUDID:   udid,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func respondDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, devices.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
