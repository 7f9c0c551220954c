package browser

import (
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/tabrelay/internal/config"
	"github.com/ashureev/tabrelay/internal/relay"
	"github.com/chromedp/cdproto/runtime"
)

func TestEvaluationResult(t *testing.T) {
	got, err := evaluationResult(&runtime.RemoteObject{Type: runtime.TypeNumber, Value: []byte(`42`)}, nil, nil)
	if err != nil || string(got) != "42" {
		t.Errorf("Expected 42, got %s (%v)", got, err)
	}

	got, err = evaluationResult(&runtime.RemoteObject{Type: runtime.TypeUndefined}, nil, nil)
	if err != nil || string(got) != "null" {
		t.Errorf("Expected null for undefined, got %s (%v)", got, err)
	}
}

func TestEvaluationResult_Exception(t *testing.T) {
	_, err := evaluationResult(nil, &runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Description: "ReferenceError: foo is not defined"},
	}, nil)
	if err == nil || err.Error() != "ReferenceError: foo is not defined" {
		t.Errorf("Expected exception description, got %v", err)
	}
	if errors.Is(err, relay.ErrContentPolicy) {
		t.Error("Expected plain script error")
	}
}

func TestEvaluationResult_ContentPolicy(t *testing.T) {
	_, err := evaluationResult(nil, &runtime.ExceptionDetails{
		Exception: &runtime.RemoteObject{
			Description: "EvalError: Refused to evaluate a string as JavaScript because 'unsafe-eval' is not an allowed source of script in the following Content Security Policy directive",
		},
	}, nil)
	if !errors.Is(err, relay.ErrContentPolicy) {
		t.Errorf("Expected ErrContentPolicy, got %v", err)
	}

	_, err = evaluationResult(nil, nil, errors.New("blocked by Content Security Policy"))
	if !errors.Is(err, relay.ErrContentPolicy) {
		t.Errorf("Expected ErrContentPolicy from protocol error, got %v", err)
	}
}

func TestElementScript_QuotesSelector(t *testing.T) {
	script, err := elementScript(`a[href="x"]`)
	if err != nil {
		t.Fatalf("elementScript failed: %v", err)
	}
	if !strings.Contains(script, `document.querySelector("a[href=\"x\"]")`) {
		t.Errorf("Expected quoted selector, got %s", script)
	}
}

func TestDecodeElement(t *testing.T) {
	info, err := decodeElement(&runtime.RemoteObject{
		Type:  runtime.TypeObject,
		Value: []byte(`{"tagName":"BUTTON","id":"go","attributes":{"type":"submit"},"dimensions":{"width":80,"height":20,"top":1,"left":2}}`),
	})
	if err != nil {
		t.Fatalf("decodeElement failed: %v", err)
	}
	if info.TagName != "BUTTON" || info.ID != "go" || info.Attributes["type"] != "submit" || info.Dimensions.Width != 80 {
		t.Errorf("Unexpected element %+v", info)
	}

	if _, err := decodeElement(&runtime.RemoteObject{Type: runtime.TypeObject, Subtype: runtime.SubtypeNull, Value: []byte(`null`)}); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("Expected ErrElementNotFound, got %v", err)
	}
}

func TestAllocatorOptions(t *testing.T) {
	base := len(allocatorOptions(config.BrowserConfig{Headless: true}))
	withPath := len(allocatorOptions(config.BrowserConfig{Headless: true, ChromePath: "/usr/bin/chromium"}))
	if withPath != base+1 {
		t.Errorf("Expected exec path option to be added, got %d vs %d", withPath, base)
	}
}
