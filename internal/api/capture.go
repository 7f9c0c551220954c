package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/tabrelay/internal/browser"
	"github.com/ashureev/tabrelay/internal/capture"
	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/relay"
)

// LastTabKey is the agent state key holding the last inspected tab.
const LastTabKey = "last_tab"

type attachRequest struct {
	TabID string `json:"tabId"`
}

type elementRequest struct {
	Selector string `json:"selector"`
}

// AttachTab makes tabId the inspected tab and attaches capture to it.
func (h *Handler) AttachTab(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := decode(w, r, &req); err != nil || strings.TrimSpace(req.TabID) == "" {
		Error(w, http.StatusBadRequest, "tabId is required")
		return
	}

	ctx := r.Context()
	if err := h.Capture.Attach(ctx, req.TabID); err != nil {
		h.Logger.Warn("Failed to attach capture", "tab_id", req.TabID, "error", err)
		if errors.Is(err, capture.ErrTabNotFound) {
			Error(w, http.StatusNotFound, "tab not found")
			return
		}
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	h.Browser.SetInspected(req.TabID)
	h.Guard.SetTab(req.TabID)
	if err := h.Repo.SetState(ctx, LastTabKey, req.TabID); err != nil {
		h.Logger.Warn("Failed to persist inspected tab", "tab_id", req.TabID, "error", err)
	}
	h.Announcer.AnnounceURL(ctx, relay.SourceTabSwitch)

	state, tabID := h.Capture.State()
	JSON(w, http.StatusOK, CaptureStatus{State: state, TabID: tabID})
}

// CaptureElement summarises the element matching selector in the inspected
// tab and emits it as a selected-element entry.
func (h *Handler) CaptureElement(w http.ResponseWriter, r *http.Request) {
	var req elementRequest
	if err := decode(w, r, &req); err != nil || strings.TrimSpace(req.Selector) == "" {
		Error(w, http.StatusBadRequest, "selector is required")
		return
	}

	tabID := h.Guard.Snapshot().TabID
	if tabID == "" {
		Error(w, http.StatusConflict, "no inspected tab")
		return
	}

	info, err := h.Browser.InspectElement(r.Context(), tabID, req.Selector)
	if err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			Error(w, http.StatusNotFound, "element not found")
			return
		}
		h.Logger.Warn("Failed to inspect element", "tab_id", tabID, "selector", req.Selector, "error", err)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	entry := domain.LogEntry{
		Type:    domain.LogSelectedElement,
		Element: info,
		TabID:   tabID,
	}
	h.Capture.Emit(entry)
	JSON(w, http.StatusOK, info)
}
