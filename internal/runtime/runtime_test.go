package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"cdev/internal/rules"
)

type fakeRuleset struct {
	delay time.Duration
	err   error
}

func (f fakeRuleset) Apply(ctx *rules.FilterContext) error {
	time.Sleep(f.delay)
	ctx.SetResult(false)
	return f.err
}

func TestRunFilterRulesetCompletesInTime(t *testing.T) {
	ctx := rules.NewFilterContext(nil, "add", "kernel")
	err := RunFilterRuleset(fakeRuleset{}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Result {
		t.Error("expected ruleset to have cleared Result")
	}
}

func TestRunFilterRulesetPropagatesError(t *testing.T) {
	want := errors.New("boom")
	ctx := rules.NewFilterContext(nil, "add", "kernel")
	if err := RunFilterRuleset(fakeRuleset{err: want}, ctx); err != want {
		t.Errorf("got %v, want %v", err, want)
	}
}

func TestShutdownCancelIsIdempotent(t *testing.T) {
	s := NewShutdown(context.Background())
	s.Cancel()
	s.Cancel() // must not panic

	select {
	case <-s.Done():
	default:
		t.Error("expected Done() to be closed after Cancel")
	}
}

func TestShutdownWaitBlocksUntilGoroutinesFinish(t *testing.T) {
	s := NewShutdown(context.Background())
	finished := make(chan struct{})

	s.Go(func() {
		time.Sleep(10 * time.Millisecond)
		close(finished)
	})

	s.Wait()
	select {
	case <-finished:
	default:
		t.Error("Wait returned before goroutine finished")
	}
}

func TestShutdownFailureIsolation(t *testing.T) {
	// One Go task "failing" (panicking is out of scope; here "failing"
	// just means returning early) must not cancel the Shutdown future
	// or affect other tasks (spec testable property #6).
	s := NewShutdown(context.Background())
	s.Go(func() {})

	s.Wait()

	select {
	case <-s.Done():
		t.Error("a completed per-task goroutine must not cancel the shutdown future")
	default:
	}
}
