package tab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeResolver struct {
	mu      sync.Mutex
	valid   map[string]bool
	current string
	checks  int
}

func (r *fakeResolver) CurrentTab(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return "", ErrNoTab
	}
	return r.current, nil
}

func (r *fakeResolver) CheckTab(ctx context.Context, tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
	if !r.valid[tabID] {
		return errors.New("no tab with id " + tabID)
	}
	return nil
}

func (r *fakeResolver) checkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checks
}

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return ctx.Err()
}

func newTestGuard(r *fakeResolver) (*Guard, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	g := NewGuard(r, 0, nil)
	g.now = clock.now
	g.sleep = clock.sleep
	return g, clock
}

func TestGuard_IsValidThrottled(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{"t1": true}}
	g, clock := newTestGuard(r)
	g.SetTab("t1")

	if !g.IsValid(context.Background()) {
		t.Fatal("Expected tab to be valid")
	}
	clock.t = clock.t.Add(100 * time.Millisecond)
	g.IsValid(context.Background())
	if r.checkCount() != 1 {
		t.Errorf("Expected 1 resolver check within throttle window, got %d", r.checkCount())
	}

	clock.t = clock.t.Add(CheckInterval)
	g.IsValid(context.Background())
	if r.checkCount() != 2 {
		t.Errorf("Expected 2 resolver checks after window, got %d", r.checkCount())
	}
}

func TestGuard_FailureCountsAndReset(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{}}
	g, clock := newTestGuard(r)
	g.SetTab("t1")

	for i := 0; i < 3; i++ {
		if g.IsValid(context.Background()) {
			t.Fatal("Expected tab to be invalid")
		}
		clock.t = clock.t.Add(CheckInterval)
	}
	if got := g.Snapshot().ConsecutiveFailures; got != 3 {
		t.Errorf("Expected 3 failures, got %d", got)
	}

	r.mu.Lock()
	r.valid["t1"] = true
	r.mu.Unlock()
	if !g.IsValid(context.Background()) {
		t.Fatal("Expected tab to be valid again")
	}
	if got := g.Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("Expected failures reset, got %d", got)
	}
}

func TestGuard_RecoverRereadsTab(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{"t2": true}, current: "t2"}
	g, clock := newTestGuard(r)
	g.SetTab("t1")

	if !g.Recover(context.Background()) {
		t.Fatal("Expected recovery to succeed")
	}
	if got := g.Snapshot().TabID; got != "t2" {
		t.Errorf("Expected tab t2 after recovery, got %s", got)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != SettleDelay {
		t.Errorf("Expected one settle wait, got %v", clock.sleeps)
	}
}

func TestGuard_RecoverFailsWithoutTab(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{}}
	g, _ := newTestGuard(r)
	g.SetTab("t1")

	if g.Recover(context.Background()) {
		t.Error("Expected recovery to fail")
	}
}

func TestGuard_RecoverHonoursCancellation(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{}, current: "t1"}
	g := NewGuard(r, 0, nil)
	g.SetTab("t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if g.Recover(ctx) {
		t.Error("Expected recovery to fail on cancelled context")
	}
	if time.Since(start) > SettleDelay/2 {
		t.Error("Expected recovery to return without waiting")
	}
}

func TestGuard_GateValid(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{"t1": true}}
	g, _ := newTestGuard(r)
	g.SetTab("t1")

	if err := g.Gate(context.Background()); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestGuard_GateAfterFailedRecovery(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{}}
	g, _ := newTestGuard(r)
	g.SetTab("t1")

	err := g.Gate(context.Background())
	var cerr *ContextError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ContextError, got %v", err)
	}
	if !cerr.AfterRecovery {
		t.Error("Expected error to follow a recovery attempt")
	}
	if cerr.TabID != "t1" || cerr.MaxFailures != 5 {
		t.Errorf("Unexpected context error %+v", cerr)
	}
	if cerr.ConsecutiveFailures == 0 {
		t.Error("Expected failure count in diagnostic")
	}
}

func TestGuard_GateFailsFastWhenExhausted(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{}}
	g, clock := newTestGuard(r)
	g.SetTab("t1")

	for i := 0; i < 5; i++ {
		g.IsValid(context.Background())
		clock.t = clock.t.Add(CheckInterval)
	}
	sleepsBefore := len(clock.sleeps)

	err := g.Gate(context.Background())
	var cerr *ContextError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ContextError, got %v", err)
	}
	if cerr.AfterRecovery {
		t.Error("Expected fail-fast without recovery")
	}
	if len(clock.sleeps) != sleepsBefore {
		t.Error("Expected no recovery wait when exhausted")
	}
}

func TestGuard_RecordSuccessAndInvalidate(t *testing.T) {
	r := &fakeResolver{valid: map[string]bool{"t1": true}}
	g, clock := newTestGuard(r)
	g.SetTab("t1")
	g.IsValid(context.Background())

	g.RecordSuccess()
	snap := g.Snapshot()
	if !snap.IsValid || snap.ConsecutiveFailures != 0 || !snap.LastSuccessfulCommand.Equal(clock.t) {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	g.Invalidate()
	g.IsValid(context.Background())
	if r.checkCount() != 2 {
		t.Errorf("Expected invalidate to force a check, got %d checks", r.checkCount())
	}
}

func TestContextError_Message(t *testing.T) {
	err := &ContextError{TabID: "t1", ConsecutiveFailures: 2, MaxFailures: 5, AfterRecovery: true}
	want := "tab context not available after recovery attempt - wrong tab or context lost (failures: 2/5)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
