// Package logsink posts captured entries to the relay server's HTTP log
// endpoints.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
)

const defaultTimeout = 5 * time.Second

// ErrNotValidated is returned when the configured server failed identity
// validation; nothing is sent to it.
var ErrNotValidated = errors.New("relay server not validated")

// Validator confirms the server is the relay before data is sent to it.
type Validator interface {
	Validate(ctx context.Context, host string, port int) bool
}

// IngestSettings is the subset of settings the server applies to an entry.
type IngestSettings struct {
	LogLimit            int  `json:"logLimit"`
	QueryLimit          int  `json:"queryLimit"`
	ShowRequestHeaders  bool `json:"showRequestHeaders"`
	ShowResponseHeaders bool `json:"showResponseHeaders"`
}

type ingestRequest struct {
	Data     domain.LogEntry `json:"data"`
	Settings IngestSettings  `json:"settings"`
}

// Client talks to /extension-log and /wipelogs.
type Client struct {
	http      *http.Client
	settings  func() domain.Settings
	validator Validator
	logger    *slog.Logger
}

// NewClient creates a Client. A nil httpClient uses one with a 5s timeout.
func NewClient(httpClient *http.Client, settings func() domain.Settings, validator Validator, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, settings: settings, validator: validator, logger: logger}
}

// Ingest posts entry to /extension-log.
func (c *Client) Ingest(ctx context.Context, entry domain.LogEntry) error {
	s := c.settings()
	body := ingestRequest{
		Data: entry,
		Settings: IngestSettings{
			LogLimit:            s.LogLimit,
			QueryLimit:          s.QueryLimit,
			ShowRequestHeaders:  s.ShowRequestHeaders,
			ShowResponseHeaders: s.ShowResponseHeaders,
		},
	}
	return c.post(ctx, s, "/extension-log", body)
}

// Wipe asks the server to clear its stored logs.
func (c *Client) Wipe(ctx context.Context) error {
	return c.post(ctx, c.settings(), "/wipelogs", nil)
}

func (c *Client) post(ctx context.Context, s domain.Settings, path string, body any) error {
	if !c.validator.Validate(ctx, s.ServerHost, s.ServerPort) {
		return ErrNotValidated
	}

	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL()+path, payload)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	c.logger.Debug("Posted to relay server", "path", path)
	return nil
}
