package device

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	commandsapp "mdm-cloud/internal/commands/application"
	commands "mdm-cloud/internal/commands/domain"
	devices "mdm-cloud/internal/devices/domain"
	"mdm-cloud/internal/observability/metrics"
)

// CheckinRequest is the body a device sends on PUT /mdm/connect.
type CheckinRequest struct {
	UDID        string          `json:"UDID"`
	Status      string          `json:"Status"`
	CommandUUID string          `json:"CommandUUID"`
	ErrorChain  json.RawMessage `json:"ErrorChain"`
}

// Handler serves the device check-in endpoint.
type Handler struct {
	service *commandsapp.Service
	logger  *log.Logger
}

// NewHandler constructs a check-in handler.
func NewHandler(service *commandsapp.Service, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("checkin handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, logger: logger}, nil
}

// ServeHTTP handles PUT /mdm/connect. The device reports the outcome of
// its outstanding command (or Idle) and receives the next command to
// execute, 204 when its queue is drained.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	started := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.ObserveConnect(metrics.ResultError, time.Since(started))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req CheckinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.ObserveConnect(metrics.ResultError, time.Since(started))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UDID == "" {
		metrics.ObserveConnect(metrics.ResultError, time.Since(started))
		http.Error(w, "UDID required", http.StatusBadRequest)
		return
	}

	outcome, known := commands.ParseReplyOutcome(req.Status)
	if !known {
		metrics.ObserveConnect(metrics.ResultError, time.Since(started))
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	if outcome != commands.ReplyIdle {
		if req.CommandUUID == "" {
			metrics.ObserveConnect(metrics.ResultError, time.Since(started))
			http.Error(w, "CommandUUID required", http.StatusBadRequest)
			return
		}
		err := h.service.Reply(r.Context(), req.UDID, req.CommandUUID, outcome, errorText(req.ErrorChain))
		switch {
		case err == nil:
		case errors.Is(err, commands.ErrNotFound):
			// Stale reply for a command that timed out or was swept;
			// keep the session alive and hand out the next command.
			h.logger.Printf("stale reply: device=%s command=%s status=%s", req.UDID, req.CommandUUID, req.Status)
		default:
			h.respondError(w, err, started)
			return
		}
	}

	payload, err := h.service.Contact(r.Context(), req.UDID)
	if err != nil {
		h.respondError(w, err, started)
		return
	}
	metrics.ObserveConnect(metrics.ResultSuccess, time.Since(started))
	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, err error, started time.Time) {
	metrics.ObserveConnect(metrics.ResultError, time.Since(started))
	switch {
	case errors.Is(err, devices.ErrNotFound):
		http.Error(w, "unknown device", http.StatusUnauthorized)
	case errors.Is(err, commands.ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func errorText(chain json.RawMessage) string {
	if len(chain) == 0 {
		return ""
	}
	return string(chain)
}
