// Package tracker records the life-cycle of one expansion attempt and
// reports a progress estimate to pollers.
package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ideaforge/pkg/domain"
	"ideaforge/pkg/store"
)

const (
	// typicalDurationSeconds is the expected wall time of one expansion.
	typicalDurationSeconds = 180
	// runningCap is the highest progress a still-running execution reports
	// before overtime kicks in. 100 is reserved for actual completion.
	runningCap = 95
	// overtimeCap limits overtime bonus so running progress never exceeds 99.
	overtimeCap = 4
)

// Outcome is what the orchestrator observed for one pipeline run.
type Outcome struct {
	HasErrors    bool
	HasContent   bool
	Usage        domain.TokenUsage
	ErrorMessage string
}

// Tracker persists execution life-cycle transitions.
type Tracker struct {
	executions store.ExecutionStore
}

// New constructs a tracker over the given execution store.
func New(executions store.ExecutionStore) *Tracker {
	return &Tracker{executions: executions}
}

// Start creates an execution in running state. Persistence failures are fatal
// to the request.
func (t *Tracker) Start(ctx context.Context, accountID, ideaID string, format domain.OutputFormat) (domain.Execution, error) {
	exec := domain.Execution{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    domain.ExecutionRunning,
		StartedAt: time.Now().UTC(),
		IdeaID:    ideaID,
		Format:    format,
	}
	if err := t.executions.CreateExecution(ctx, exec); err != nil {
		return domain.Execution{}, domain.Persistencef("create execution", err)
	}
	return exec, nil
}

// Finish applies the terminal transition derived from the outcome and stamps
// the duration, rounded down to whole seconds.
func (t *Tracker) Finish(ctx context.Context, exec domain.Execution, outcome Outcome) (domain.Execution, error) {
	now := time.Now().UTC()
	duration := int(now.Sub(exec.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	exec.Status = StatusFromOutcome(outcome.HasErrors, outcome.HasContent)
	exec.CompletedAt = &now
	exec.DurationSeconds = &duration
	exec.TokenUsage = outcome.Usage
	exec.ErrorMessage = outcome.ErrorMessage
	if err := t.executions.FinishExecution(ctx, exec); err != nil {
		return domain.Execution{}, domain.Persistencef("finish execution", err)
	}
	return exec, nil
}

// Get loads an execution.
func (t *Tracker) Get(ctx context.Context, id string) (domain.Execution, error) {
	exec, ok, err := t.executions.GetExecution(ctx, id)
	if err != nil {
		return domain.Execution{}, domain.Persistencef("load execution", err)
	}
	if !ok {
		return domain.Execution{}, domain.NotFoundf("execution %s", id)
	}
	return exec, nil
}

// StatusFromOutcome maps what the pipeline observed onto the terminal status:
// failed when errors and no content, partial when errors alongside content,
// completed otherwise.
func StatusFromOutcome(hasErrors, hasContent bool) domain.ExecutionStatus {
	switch {
	case hasErrors && !hasContent:
		return domain.ExecutionFailed
	case hasErrors && hasContent:
		return domain.ExecutionPartial
	default:
		return domain.ExecutionCompleted
	}
}

// Progress estimates completion 0..100 as a pure function of elapsed time and
// stored status. For a running execution it is monotonically non-decreasing
// across polls and never reaches 100.
func Progress(exec domain.Execution, now time.Time) int {
	switch exec.Status {
	case domain.ExecutionCompleted:
		return 100
	case domain.ExecutionFailed, domain.ExecutionPartial:
		if exec.DurationSeconds == nil {
			return 50
		}
		p := *exec.DurationSeconds * 100 / typicalDurationSeconds
		if p > 99 {
			p = 99
		}
		if p < 0 {
			p = 0
		}
		return p
	default:
		elapsed := int(now.Sub(exec.StartedAt) / time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed < typicalDurationSeconds {
			return elapsed * runningCap / typicalDurationSeconds
		}
		overtime := (elapsed - typicalDurationSeconds) / 60
		if overtime > overtimeCap {
			overtime = overtimeCap
		}
		return runningCap + overtime
	}
}

// DurationSoFar reports elapsed seconds for pollers: the stored duration once
// terminal, wall-clock elapsed while running.
func DurationSoFar(exec domain.Execution, now time.Time) int {
	if exec.Status.Terminal() && exec.DurationSeconds != nil {
		return *exec.DurationSeconds
	}
	elapsed := int(now.Sub(exec.StartedAt) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
