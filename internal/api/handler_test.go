//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tabrelay/internal/browser"
	"github.com/ashureev/tabrelay/internal/capture"
	"github.com/ashureev/tabrelay/internal/config"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/identity"
	"github.com/ashureev/tabrelay/internal/relay"
	"github.com/ashureev/tabrelay/internal/store"
	"github.com/ashureev/tabrelay/internal/transport"
	"github.com/go-chi/chi/v5"
)

type fakeRepo struct {
	mu       sync.Mutex
	settings *domain.Settings
	state    map[string]string
	saveErr  error
}

func (f *fakeRepo) LoadSettings(_ context.Context) (domain.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		return domain.Settings{}, store.ErrNotFound
	}
	return *f.settings, nil
}

func (f *fakeRepo) SaveSettings(_ context.Context, s domain.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.settings = &s
	return nil
}

func (f *fakeRepo) GetState(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.state[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) SetState(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[key] = value
	return nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

type fakeTransport struct {
	status     transport.Status
	connects   chan struct{}
	reconnects chan struct{}
}

func (f *fakeTransport) Status() transport.Status    { return f.status }
func (f *fakeTransport) Connect(_ context.Context)   { f.connects <- struct{}{} }
func (f *fakeTransport) Reconnect(_ context.Context) { f.reconnects <- struct{}{} }

type fakeValidator struct {
	invalidated int
	last        *identity.Event
}

func (f *fakeValidator) Invalidate() { f.invalidated++ }

func (f *fakeValidator) LastEvent() (identity.Event, bool) {
	if f.last == nil {
		return identity.Event{}, false
	}
	return *f.last, true
}

type fakeCapture struct {
	state     capture.State
	tabID     string
	attachErr error
	emitted   []domain.LogEntry
}

func (f *fakeCapture) Attach(_ context.Context, tabID string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.state = capture.StateAttached
	f.tabID = tabID
	return nil
}

func (f *fakeCapture) State() (capture.State, string) { return f.state, f.tabID }
func (f *fakeCapture) Emit(entry domain.LogEntry)     { f.emitted = append(f.emitted, entry) }

type fakeGuard struct {
	tab domain.TabContext
}

func (f *fakeGuard) SetTab(tabID string)         { f.tab.TabID = tabID }
func (f *fakeGuard) Snapshot() domain.TabContext { return f.tab }

type fakeBrowser struct {
	inspected string
	element   *domain.ElementInfo
	err       error
}

func (f *fakeBrowser) SetInspected(tabID string) { f.inspected = tabID }

func (f *fakeBrowser) InspectElement(_ context.Context, _, _ string) (*domain.ElementInfo, error) {
	return f.element, f.err
}

type fakeAnnouncer struct {
	sources []string
}

func (f *fakeAnnouncer) AnnounceURL(_ context.Context, source string) {
	f.sources = append(f.sources, source)
}

type fakeLogs map[string]int

func (f fakeLogs) Counts() map[string]int { return f }

type fixture struct {
	repo      *fakeRepo
	live      *config.Live
	transport *fakeTransport
	validator *fakeValidator
	capture   *fakeCapture
	guard     *fakeGuard
	browser   *fakeBrowser
	announcer *fakeAnnouncer
	router    chi.Router
}

func newFixture() *fixture {
	f := &fixture{
		repo:      &fakeRepo{state: make(map[string]string)},
		live:      config.NewLive(domain.DefaultSettings()),
		transport: &fakeTransport{connects: make(chan struct{}, 1), reconnects: make(chan struct{}, 1)},
		validator: &fakeValidator{},
		capture:   &fakeCapture{state: capture.StateDetached},
		guard:     &fakeGuard{tab: domain.TabContext{MaxFailures: 5}},
		browser:   &fakeBrowser{},
		announcer: &fakeAnnouncer{},
	}
	h := NewHandler(Deps{
		Repo:      f.repo,
		Live:      f.live,
		Transport: f.transport,
		Validator: f.validator,
		Capture:   f.capture,
		Guard:     f.guard,
		Browser:   f.browser,
		Announcer: f.announcer,
		Logs:      fakeLogs{domain.LogConsole: 3},
		Pending:   func() int { return 2 },
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "tabrelay_frames_total 1")
		}),
	})
	f.router = chi.NewRouter()
	h.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture()
	f.transport.status = transport.Status{State: transport.StateOpen, SessionID: "s1"}
	f.capture.state, f.capture.tabID = capture.StateAttached, "T1"
	f.guard.tab.TabID = "T1"
	f.validator.last = &identity.Event{Kind: identity.EventSuccess, Host: "localhost", Port: 3025}

	w := f.do(http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.Connection.State != transport.StateOpen || got.Connection.SessionID != "s1" {
		t.Errorf("Unexpected connection %+v", got.Connection)
	}
	if got.Capture.State != capture.StateAttached || got.Capture.TabID != "T1" {
		t.Errorf("Unexpected capture %+v", got.Capture)
	}
	if got.LastValidation == nil || got.LastValidation.Kind != identity.EventSuccess {
		t.Errorf("Expected last validation event, got %+v", got.LastValidation)
	}
	if got.Logs[domain.LogConsole] != 3 || got.PendingCommands != 2 {
		t.Errorf("Unexpected counters logs=%v pending=%d", got.Logs, got.PendingCommands)
	}
}

func TestPutSettings_SameServer(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPut, "/api/settings", `{"logLimit": 10, "showRequestHeaders": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	got := f.live.Get()
	if got.LogLimit != 10 || !got.ShowRequestHeaders || got.ServerPort != 3025 {
		t.Errorf("Unexpected live settings %+v", got)
	}
	if f.repo.settings == nil || *f.repo.settings != got {
		t.Errorf("Expected settings persisted, got %+v", f.repo.settings)
	}
	if f.validator.invalidated != 0 {
		t.Error("Expected identity cache untouched")
	}
	select {
	case <-f.transport.reconnects:
		t.Error("Expected no reconnect for unchanged server")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPutSettings_ServerChangeReconnects(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPut, "/api/settings", `{"serverPort": 4000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if f.validator.invalidated != 1 {
		t.Errorf("Expected identity cache invalidated once, got %d", f.validator.invalidated)
	}
	select {
	case <-f.transport.reconnects:
	case <-time.After(time.Second):
		t.Fatal("Expected reconnect after server change")
	}
}

func TestPutSettings_Invalid(t *testing.T) {
	f := newFixture()

	if w := f.do(http.MethodPut, "/api/settings", `{"serverPort": 70000}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad port, got %d", w.Code)
	}
	if w := f.do(http.MethodPut, "/api/settings", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad body, got %d", w.Code)
	}
	if f.live.Get() != domain.DefaultSettings() {
		t.Error("Expected live settings unchanged")
	}
}

func TestPutSettings_SaveFailure(t *testing.T) {
	f := newFixture()
	f.repo.saveErr = errors.New("disk full")

	if w := f.do(http.MethodPut, "/api/settings", `{"logLimit": 10}`); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if f.live.Get().LogLimit != domain.DefaultSettings().LogLimit {
		t.Error("Expected live settings unchanged after failed save")
	}
}

func TestConnect(t *testing.T) {
	f := newFixture()

	if w := f.do(http.MethodPost, "/api/connect", ""); w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	select {
	case <-f.transport.connects:
	case <-time.After(time.Second):
		t.Fatal("Expected connect attempt")
	}

	f.transport.status.State = transport.StateOpen
	if w := f.do(http.MethodPost, "/api/connect", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 when already open, got %d", w.Code)
	}
}

func TestAttachTab(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/capture/attach", `{"tabId": "T2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if f.browser.inspected != "T2" || f.guard.tab.TabID != "T2" {
		t.Errorf("Expected T2 inspected and guarded, got %q %q", f.browser.inspected, f.guard.tab.TabID)
	}
	if f.repo.state[LastTabKey] != "T2" {
		t.Errorf("Expected last tab persisted, got %q", f.repo.state[LastTabKey])
	}
	if len(f.announcer.sources) != 1 || f.announcer.sources[0] != relay.SourceTabSwitch {
		t.Errorf("Expected tab_switch announcement, got %v", f.announcer.sources)
	}
}

func TestAttachTab_Errors(t *testing.T) {
	f := newFixture()

	if w := f.do(http.MethodPost, "/api/capture/attach", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without tabId, got %d", w.Code)
	}

	f.capture.attachErr = &capture.InstrumentationError{Op: "attach", TabID: "T9", Err: capture.ErrTabNotFound}
	if w := f.do(http.MethodPost, "/api/capture/attach", `{"tabId": "T9"}`); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown tab, got %d", w.Code)
	}

	f.capture.attachErr = errors.New("protocol error")
	if w := f.do(http.MethodPost, "/api/capture/attach", `{"tabId": "T9"}`); w.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", w.Code)
	}
	if f.guard.tab.TabID != "" || len(f.announcer.sources) != 0 {
		t.Error("Expected nothing retargeted after failed attach")
	}
}

func TestCaptureElement(t *testing.T) {
	f := newFixture()
	f.guard.tab.TabID = "T1"
	f.browser.element = &domain.ElementInfo{TagName: "BUTTON", ID: "go"}

	w := f.do(http.MethodPost, "/api/capture/element", `{"selector": "#go"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if len(f.capture.emitted) != 1 {
		t.Fatalf("Expected one emitted entry, got %d", len(f.capture.emitted))
	}
	entry := f.capture.emitted[0]
	if entry.Type != domain.LogSelectedElement || entry.Element.TagName != "BUTTON" || entry.TabID != "T1" {
		t.Errorf("Unexpected entry %+v", entry)
	}
}

func TestCaptureElement_Errors(t *testing.T) {
	f := newFixture()

	if w := f.do(http.MethodPost, "/api/capture/element", `{"selector": "#go"}`); w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 without a tab, got %d", w.Code)
	}

	f.guard.tab.TabID = "T1"
	if w := f.do(http.MethodPost, "/api/capture/element", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without selector, got %d", w.Code)
	}

	f.browser.err = browser.ErrElementNotFound
	if w := f.do(http.MethodPost, "/api/capture/element", `{"selector": "#missing"}`); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if len(f.capture.emitted) != 0 {
		t.Error("Expected nothing emitted")
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || w.Body.String() != "tabrelay_frames_total 1" {
		t.Errorf("Expected metrics body, got %d %q", w.Code, w.Body.String())
	}
}
