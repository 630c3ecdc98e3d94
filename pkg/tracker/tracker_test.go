package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"ideaforge/pkg/domain"
	"ideaforge/pkg/store"
)

func runningExecution(startedAt time.Time) domain.Execution {
	return domain.Execution{
		ID:        "exec-1",
		AccountID: "acct-1",
		Status:    domain.ExecutionRunning,
		StartedAt: startedAt,
	}
}

func TestProgressRunning(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := runningExecution(start)

	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{time.Second, 0},
		{90 * time.Second, 47},
		{179 * time.Second, 94},
		{180 * time.Second, 95},
		{239 * time.Second, 95},
		{240 * time.Second, 96},
		{300 * time.Second, 97},
		{420 * time.Second, 99},
		{time.Hour, 99},
	}
	for _, tc := range cases {
		got := Progress(exec, start.Add(tc.elapsed))
		if got != tc.want {
			t.Fatalf("elapsed %v: got %d want %d", tc.elapsed, got, tc.want)
		}
	}
}

func TestProgressRunningIsMonotonic(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := runningExecution(start)
	prev := -1
	for s := 0; s <= 600; s++ {
		got := Progress(exec, start.Add(time.Duration(s)*time.Second))
		if got < prev {
			t.Fatalf("progress decreased at %ds: %d -> %d", s, prev, got)
		}
		if got >= 100 {
			t.Fatalf("running progress reached %d at %ds", got, s)
		}
		prev = got
	}
}

func TestProgressTerminal(t *testing.T) {
	start := time.Now().UTC()
	now := start.Add(time.Minute)

	completed := runningExecution(start)
	completed.Status = domain.ExecutionCompleted
	if got := Progress(completed, now); got != 100 {
		t.Fatalf("completed: got %d want 100", got)
	}

	dur := 90
	failed := runningExecution(start)
	failed.Status = domain.ExecutionFailed
	failed.DurationSeconds = &dur
	if got := Progress(failed, now); got != 50 {
		t.Fatalf("failed at 90s: got %d want 50", got)
	}

	long := 1000
	partial := runningExecution(start)
	partial.Status = domain.ExecutionPartial
	partial.DurationSeconds = &long
	if got := Progress(partial, now); got != 99 {
		t.Fatalf("partial capped: got %d want 99", got)
	}

	unknown := runningExecution(start)
	unknown.Status = domain.ExecutionFailed
	if got := Progress(unknown, now); got != 50 {
		t.Fatalf("unknown duration: got %d want 50", got)
	}
}

func TestStatusFromOutcome(t *testing.T) {
	cases := []struct {
		hasErrors  bool
		hasContent bool
		want       domain.ExecutionStatus
	}{
		{false, true, domain.ExecutionCompleted},
		{false, false, domain.ExecutionCompleted},
		{true, false, domain.ExecutionFailed},
		{true, true, domain.ExecutionPartial},
	}
	for _, tc := range cases {
		if got := StatusFromOutcome(tc.hasErrors, tc.hasContent); got != tc.want {
			t.Fatalf("errors=%v content=%v: got %s want %s", tc.hasErrors, tc.hasContent, got, tc.want)
		}
	}
}

func TestStartAndFinish(t *testing.T) {
	st := store.NewMemoryStore()
	tr := New(st)
	ctx := context.Background()

	exec, err := tr.Start(ctx, "acct-1", "idea-1", domain.FormatBlogPost)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.Status != domain.ExecutionRunning {
		t.Fatalf("unexpected initial status %s", exec.Status)
	}
	if exec.ID == "" {
		t.Fatalf("expected execution id")
	}

	finished, err := tr.Finish(ctx, exec, Outcome{
		HasContent: true,
		Usage:      domain.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.Status != domain.ExecutionCompleted {
		t.Fatalf("unexpected terminal status %s", finished.Status)
	}
	if finished.DurationSeconds == nil || *finished.DurationSeconds < 0 {
		t.Fatalf("expected non-negative duration")
	}

	stored, err := tr.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.ExecutionCompleted {
		t.Fatalf("stored status %s", stored.Status)
	}
	if stored.TokenUsage.TotalTokens != 30 {
		t.Fatalf("stored usage %+v", stored.TokenUsage)
	}

	// Terminal transitions happen exactly once.
	if _, err := tr.Finish(ctx, exec, Outcome{HasErrors: true}); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected second finish to fail, got %v", err)
	}
}

func TestGetUnknownExecution(t *testing.T) {
	tr := New(store.NewMemoryStore())
	if _, err := tr.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
