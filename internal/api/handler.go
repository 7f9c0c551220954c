// Package api provides the local control API of the relay agent.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/tabrelay/internal/capture"
	"github.com/ashureev/tabrelay/internal/config"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/identity"
	"github.com/ashureev/tabrelay/internal/store"
	"github.com/ashureev/tabrelay/internal/transport"
	"github.com/go-chi/chi/v5"
)

// Transport is the part of the socket client the API controls.
type Transport interface {
	Status() transport.Status
	Connect(ctx context.Context)
	Reconnect(ctx context.Context)
}

// Validator exposes the identity cache.
type Validator interface {
	Invalidate()
	LastEvent() (identity.Event, bool)
}

// Capture is the instrumentation session.
type Capture interface {
	Attach(ctx context.Context, tabID string) error
	State() (capture.State, string)
	Emit(entry domain.LogEntry)
}

// Guard tracks the tab remote commands target.
type Guard interface {
	SetTab(tabID string)
	Snapshot() domain.TabContext
}

// Browser selects and inspects tabs.
type Browser interface {
	SetInspected(tabID string)
	InspectElement(ctx context.Context, tabID, selector string) (*domain.ElementInfo, error)
}

// Announcer sends the inspected tab's URL to the relay server.
type Announcer interface {
	AnnounceURL(ctx context.Context, source string)
}

// LogCounter reports the size of the local log rings.
type LogCounter interface {
	Counts() map[string]int
}

// Deps are the components behind the control API. Metrics and Pending are optional.
type Deps struct {
	Repo      store.Repository
	Live      *config.Live
	Transport Transport
	Validator Validator
	Capture   Capture
	Guard     Guard
	Browser   Browser
	Announcer Announcer
	Logs      LogCounter
	Pending   func() int
	Metrics   http.Handler
	Logger    *slog.Logger
}

// Handler serves the control API.
type Handler struct {
	Deps
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{Deps: deps}
}

// RegisterRoutes registers the control routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)
		r.Post("/connect", h.Connect)
		r.Post("/capture/attach", h.AttachTab)
		r.Post("/capture/element", h.CaptureElement)
	})
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
