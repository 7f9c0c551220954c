package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Error reasons reported in script-error and used by CommandError.
const (
	ReasonTimeout          = "timeout"
	ReasonContentPolicy    = "content-policy"
	ReasonEvaluationFailed = "evaluation-failed"
	ReasonCaptureFailed    = "capture-failed"
	ReasonTabContext       = "tab-context"
	ReasonNoTab            = "no-tab"
	ReasonUnavailable      = "unavailable"
)

var (
	// ErrContentPolicy marks an evaluation blocked by the page's content
	// security policy.
	ErrContentPolicy = errors.New("blocked by content security policy")
	// ErrEvaluatorUnavailable means the evaluator cannot run in this tab.
	ErrEvaluatorUnavailable = errors.New("evaluator unavailable")
)

// Evaluator runs an expression in a tab and returns its JSON value.
type Evaluator interface {
	Name() string
	// Probe returns nil if the evaluator can run in tabID.
	Probe(ctx context.Context, tabID string) error
	Evaluate(ctx context.Context, tabID, script string) (json.RawMessage, error)
}

// CommandError is a handler failure reported back to the server.
type CommandError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// evaluate tries evaluators in order of preference. An evaluator is skipped
// when its probe fails or its evaluation is blocked or unavailable; any other
// evaluation error is final.
func evaluate(ctx context.Context, evaluators []Evaluator, tabID, script string) (json.RawMessage, string, error) {
	var lastErr error
	for _, ev := range evaluators {
		if err := ev.Probe(ctx, tabID); err != nil {
			lastErr = fmt.Errorf("%s probe: %w", ev.Name(), err)
			continue
		}
		result, err := ev.Evaluate(ctx, tabID, script)
		if err == nil {
			return result, ev.Name(), nil
		}
		if errors.Is(err, ErrContentPolicy) || errors.Is(err, ErrEvaluatorUnavailable) {
			lastErr = fmt.Errorf("%s: %w", ev.Name(), err)
			continue
		}
		return nil, ev.Name(), err
	}
	if lastErr == nil {
		lastErr = ErrEvaluatorUnavailable
	}
	return nil, "", lastErr
}

func scriptReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrContentPolicy):
		return ReasonContentPolicy
	case errors.Is(err, ErrEvaluatorUnavailable):
		return ReasonUnavailable
	default:
		return ReasonEvaluationFailed
	}
}
