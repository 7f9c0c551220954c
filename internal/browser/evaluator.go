package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/tabrelay/internal/relay"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

const isolatedWorldName = "tabrelay"

// IsolatedEvaluator runs scripts in an isolated world of the main frame.
// Page globals are not visible to the script and the page cannot observe
// it; the DOM is shared.
type IsolatedEvaluator struct {
	host *Host
}

// MainWorldEvaluator runs scripts in the page's own JavaScript context.
type MainWorldEvaluator struct {
	host *Host
}

// Evaluators returns the evaluators in order of preference.
func (h *Host) Evaluators() []relay.Evaluator {
	return []relay.Evaluator{&IsolatedEvaluator{host: h}, &MainWorldEvaluator{host: h}}
}

// Name implements relay.Evaluator.
func (e *IsolatedEvaluator) Name() string { return "isolated-world" }

// Probe creates the isolated world if the tab does not have one yet.
func (e *IsolatedEvaluator) Probe(ctx context.Context, tabID string) error {
	_, err := e.contextID(ctx, tabID)
	return err
}

func (e *IsolatedEvaluator) contextID(ctx context.Context, tabID string) (runtime.ExecutionContextID, error) {
	tc, err := e.host.tab(tabID)
	if err != nil {
		return 0, err
	}
	tc.mu.Lock()
	id := tc.isolated
	tc.mu.Unlock()
	if id != 0 {
		return id, nil
	}

	exec := tc.exec(ctx)
	tree, err := page.GetFrameTree().Do(exec)
	if err != nil {
		return 0, fmt.Errorf("%w: frame tree: %v", relay.ErrEvaluatorUnavailable, err)
	}
	if tree == nil || tree.Frame == nil {
		return 0, fmt.Errorf("%w: no main frame", relay.ErrEvaluatorUnavailable)
	}
	id, err = page.CreateIsolatedWorld(tree.Frame.ID).WithWorldName(isolatedWorldName).Do(exec)
	if err != nil {
		return 0, fmt.Errorf("%w: create isolated world: %v", relay.ErrEvaluatorUnavailable, err)
	}

	tc.mu.Lock()
	tc.isolated = id
	tc.mu.Unlock()
	return id, nil
}

// Evaluate implements relay.Evaluator.
func (e *IsolatedEvaluator) Evaluate(ctx context.Context, tabID, script string) (json.RawMessage, error) {
	id, err := e.contextID(ctx, tabID)
	if err != nil {
		return nil, err
	}
	tc, err := e.host.tab(tabID)
	if err != nil {
		return nil, err
	}
	obj, exc, err := runtime.Evaluate(script).
		WithContextID(id).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(tc.exec(ctx))
	return evaluationResult(obj, exc, err)
}

// Name implements relay.Evaluator.
func (e *MainWorldEvaluator) Name() string { return "main-world" }

// Probe checks the tab is reachable.
func (e *MainWorldEvaluator) Probe(ctx context.Context, tabID string) error {
	if _, err := e.host.tab(tabID); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrEvaluatorUnavailable, err)
	}
	return nil
}

// Evaluate implements relay.Evaluator.
func (e *MainWorldEvaluator) Evaluate(ctx context.Context, tabID, script string) (json.RawMessage, error) {
	tc, err := e.host.tab(tabID)
	if err != nil {
		return nil, err
	}
	obj, exc, err := runtime.Evaluate(script).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(tc.exec(ctx))
	return evaluationResult(obj, exc, err)
}

func evaluationResult(obj *runtime.RemoteObject, exc *runtime.ExceptionDetails, err error) (json.RawMessage, error) {
	if err != nil {
		if strings.Contains(err.Error(), "Content Security Policy") {
			return nil, fmt.Errorf("%w: %v", relay.ErrContentPolicy, err)
		}
		return nil, err
	}
	if exc != nil {
		return nil, exceptionError(exc)
	}
	if obj == nil || len(obj.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(obj.Value), nil
}

// exceptionError turns a thrown exception into an error, classifying
// content-policy violations.
func exceptionError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	if strings.Contains(msg, "Content Security Policy") {
		return fmt.Errorf("%w: %s", relay.ErrContentPolicy, msg)
	}
	return errors.New(msg)
}
