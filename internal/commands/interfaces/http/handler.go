package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"mdm-cloud/internal/audit"
	"mdm-cloud/internal/auth"
	commandsapp "mdm-cloud/internal/commands/application"
	commands "mdm-cloud/internal/commands/domain"
	devices "mdm-cloud/internal/devices/domain"
)

// Handler provides admin command HTTP endpoints.
type Handler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *commandsapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

// ServeHTTP handles POST/GET /api/v1/commands.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HandleItem handles GET/DELETE /api/v1/commands/{uuid}.
func (h *Handler) HandleItem(w http.ResponseWriter, r *http.Request) {
	commandUUID := strings.TrimPrefix(r.URL.Path, "/api/v1/commands/")
	if commandUUID == "" || strings.Contains(commandUUID, "/") {
		http.Error(w, "command uuid required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		view, err := h.service.Get(r.Context(), commandUUID)
		if err != nil {
			respondQueueError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	case http.MethodDelete:
		if err := h.service.Cancel(r.Context(), commandUUID); err != nil {
			respondQueueError(w, err)
			return
		}
		h.logAudit(r, "command.cancel", commandUUID, "", "")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HandleStats handles GET /api/v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.service.Stats(r.Context(), r.URL.Query().Get("udid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req commandsapp.EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	view, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		respondQueueError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(view)

	h.logAudit(r, "command.enqueue", view.CommandUUID, view.DeviceUDID, view.RequestType)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	udid := r.URL.Query().Get("udid")
	fromValue := r.URL.Query().Get("from")
	toValue := r.URL.Query().Get("to")
	if udid == "" || fromValue == "" || toValue == "" {
		http.Error(w, "udid/from/to required", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(time.RFC3339, fromValue)
	if err != nil {
		http.Error(w, "from must be RFC3339", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, toValue)
	if err != nil {
		http.Error(w, "to must be RFC3339", http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	list, err := h.service.History(r.Context(), udid, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (h *Handler) logAudit(r *http.Request, action, commandUUID, udid, requestType string) {
	if h.auditLogger == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"request_type": requestType,
	})
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "command",
		ResourceID:   commandUUID,
		DeviceUDID:   udid,
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commands.ErrNotFound), errors.Is(err, devices.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
