package api

import (
	"context"
	"net/http"

	"github.com/ashureev/tabrelay/internal/capture"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/identity"
	"github.com/ashureev/tabrelay/internal/shared"
	"github.com/ashureev/tabrelay/internal/transport"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Connection      transport.Status  `json:"connection"`
	Tab             domain.TabContext `json:"tab"`
	Capture         CaptureStatus     `json:"capture"`
	LastValidation  *identity.Event   `json:"lastValidation,omitempty"`
	Logs            map[string]int    `json:"logs"`
	PendingCommands int               `json:"pendingCommands"`
}

// CaptureStatus describes the instrumentation attachment.
type CaptureStatus struct {
	State capture.State `json:"state"`
	TabID string        `json:"tabId,omitempty"`
}

// GetStatus reports connection, tab and capture state.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	state, tabID := h.Capture.State()
	resp := StatusResponse{
		Connection: h.Transport.Status(),
		Tab:        h.Guard.Snapshot(),
		Capture:    CaptureStatus{State: state, TabID: tabID},
		Logs:       h.Logs.Counts(),
	}
	if ev, ok := h.Validator.LastEvent(); ok {
		resp.LastValidation = &ev
	}
	if h.Pending != nil {
		resp.PendingCommands = h.Pending()
	}
	JSON(w, http.StatusOK, resp)
}

// GetSettings returns the current settings snapshot.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Live.Get())
}

// PutSettings replaces the settings. Fields missing from the body keep their
// current values. A changed server address invalidates the identity cache
// and reconnects.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	next := h.Live.Get()
	if err := decode(w, r, &next); err != nil {
		Error(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	if err := next.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Repo.SaveSettings(r.Context(), next); err != nil {
		h.Logger.Error("Failed to save settings", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	prev := h.Live.Set(next)
	h.Logger.Info("Settings updated", "server", next.Addr())

	if !prev.SameServer(next) {
		h.Validator.Invalidate()
		ctx := context.WithoutCancel(r.Context())
		shared.Go(h.Logger, "settings-reconnect", func() { h.Transport.Reconnect(ctx) })
	}

	JSON(w, http.StatusOK, next)
}

// Connect starts a connection attempt if none is open.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	if h.Transport.Status().State == transport.StateOpen {
		JSON(w, http.StatusOK, h.Transport.Status())
		return
	}
	ctx := context.WithoutCancel(r.Context())
	shared.Go(h.Logger, "manual-connect", func() { h.Transport.Connect(ctx) })
	JSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}
