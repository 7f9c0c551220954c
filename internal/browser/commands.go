package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/tabrelay/internal/domain"
	"github.com/ashureev/tabrelay/internal/tab"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// Screenshot captures the visible viewport of the tab as PNG.
func (h *Host) Screenshot(ctx context.Context, tabID string) ([]byte, error) {
	tc, err := h.tab(tabID)
	if err != nil {
		return nil, err
	}
	buf, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(tc.exec(ctx))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Reload starts a reload of the tab without waiting for it to finish.
func (h *Host) Reload(ctx context.Context, tabID string) error {
	tc, err := h.tab(tabID)
	if err != nil {
		return err
	}
	if err := page.Reload().Do(tc.exec(ctx)); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// TabURL returns the current URL of the tab.
func (h *Host) TabURL(ctx context.Context, tabID string) (string, error) {
	targets, err := h.Targets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.ID == tabID {
			return t.URL, nil
		}
	}
	return "", fmt.Errorf("tab %s: %w", tabID, tab.ErrNoTab)
}

// CurrentTab returns the inspected tab if it is still open, otherwise the
// first open page, which becomes the inspected tab.
func (h *Host) CurrentTab(ctx context.Context) (string, error) {
	targets, err := h.Targets(ctx)
	if err != nil {
		return "", err
	}
	if len(targets) == 0 {
		return "", tab.ErrNoTab
	}
	inspected := h.Inspected()
	for _, t := range targets {
		if t.ID == inspected {
			return inspected, nil
		}
	}
	h.SetInspected(targets[0].ID)
	return targets[0].ID, nil
}

// CheckTab verifies the tab is open and its page can run scripts.
func (h *Host) CheckTab(ctx context.Context, tabID string) error {
	if _, err := h.TabURL(ctx, tabID); err != nil {
		return err
	}
	tc, err := h.tab(tabID)
	if err != nil {
		return err
	}
	_, exc, err := runtime.Evaluate("document.readyState").WithReturnByValue(true).Do(tc.exec(ctx))
	if err != nil {
		return fmt.Errorf("tab %s not scriptable: %w", tabID, err)
	}
	if exc != nil {
		return fmt.Errorf("tab %s not scriptable: %s", tabID, exc.Text)
	}
	return nil
}

// InspectElement summarises the first element matching selector.
func (h *Host) InspectElement(ctx context.Context, tabID, selector string) (*domain.ElementInfo, error) {
	tc, err := h.tab(tabID)
	if err != nil {
		return nil, err
	}
	expr, err := elementScript(selector)
	if err != nil {
		return nil, err
	}
	obj, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).Do(tc.exec(ctx))
	if err != nil {
		return nil, fmt.Errorf("inspect element: %w", err)
	}
	if exc != nil {
		return nil, exceptionError(exc)
	}
	return decodeElement(obj)
}

// ErrElementNotFound is returned when no element matches the selector.
var ErrElementNotFound = errors.New("element not found")

const elementSummary = `(() => {
  const el = document.querySelector(%s);
  if (!el) return null;
  const rect = el.getBoundingClientRect();
  const attributes = {};
  for (const a of el.attributes) attributes[a.name] = a.value;
  return {
    tagName: el.tagName,
    id: el.id || "",
    className: typeof el.className === "string" ? el.className : "",
    textContent: (el.textContent || "").substring(0, 100),
    attributes,
    dimensions: { width: rect.width, height: rect.height, top: rect.top, left: rect.left },
    innerHTML: (el.innerHTML || "").substring(0, 500),
  };
})()`

func elementScript(selector string) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("quote selector: %w", err)
	}
	return fmt.Sprintf(elementSummary, quoted), nil
}

func decodeElement(obj *runtime.RemoteObject) (*domain.ElementInfo, error) {
	if obj == nil || obj.Type == runtime.TypeUndefined || len(obj.Value) == 0 || string(obj.Value) == "null" {
		return nil, ErrElementNotFound
	}
	var info domain.ElementInfo
	if err := json.Unmarshal([]byte(obj.Value), &info); err != nil {
		return nil, fmt.Errorf("decode element: %w", err)
	}
	return &info, nil
}
