package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func fiveSteps() []Step {
	return []Step{
		{Name: "explore", Kind: StepSequential, Role: "explorer"},
		{Name: "design", Kind: StepSequential, Role: "architect"},
		{Name: "implement", Kind: StepSequential, Role: "implementer"},
		{Name: "validate", Kind: StepParallelGroup, Role: "reviewer"},
		{Name: "finalize", Kind: StepSequential, Role: "implementer"},
	}
}

func TestApplyCheckpointAdvancesAtomically(t *testing.T) {
	record := NewTaskRecord("implement", "add orders endpoint", fiveSteps())

	if err := applyStepRunning(record, 0); err != nil {
		t.Fatalf("applyStepRunning: %v", err)
	}
	err := applyCheckpoint(record, 0, Checkpoint{
		CompletedSummary: "explored the orders package",
		NextStepSummary:  "design the endpoint shape",
		FilesTouched:     []string{"internal/orders/service.go"},
	})
	if err != nil {
		t.Fatalf("applyCheckpoint: %v", err)
	}

	if record.CurrentStepIndex != 1 {
		t.Errorf("current_step_index = %d, want 1", record.CurrentStepIndex)
	}
	if record.Checkpoint.NextStepSummary != "design the endpoint shape" {
		t.Errorf("next_step_summary not updated with the index advance")
	}
	if record.Steps[0].Status != StepDone {
		t.Errorf("step 0 status = %s, want done", record.Steps[0].Status)
	}
	if record.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", record.Status)
	}
}

func TestApplyCheckpointRejectsStaleIndex(t *testing.T) {
	record := NewTaskRecord("implement", "task", fiveSteps())
	record.CurrentStepIndex = 2
	record.Status = StatusInProgress

	err := applyCheckpoint(record, 0, Checkpoint{NextStepSummary: "x"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want ErrConflict for stale index", err)
	}
	if record.CurrentStepIndex != 2 {
		t.Errorf("index mutated on rejected checkpoint")
	}
}

func TestApplyCheckpointAccumulatesFilesTouched(t *testing.T) {
	record := NewTaskRecord("implement", "task", fiveSteps())

	_ = applyCheckpoint(record, 0, Checkpoint{NextStepSummary: "a", FilesTouched: []string{"a.go", "b.go"}})
	_ = applyCheckpoint(record, 1, Checkpoint{NextStepSummary: "b", FilesTouched: []string{"b.go", "c.go"}})

	want := []string{"a.go", "b.go", "c.go"}
	if len(record.Checkpoint.FilesTouched) != len(want) {
		t.Fatalf("files = %v, want %v", record.Checkpoint.FilesTouched, want)
	}
	for i, f := range want {
		if record.Checkpoint.FilesTouched[i] != f {
			t.Errorf("files[%d] = %s, want %s", i, record.Checkpoint.FilesTouched[i], f)
		}
	}
}

func TestApplyCheckpointLastStepCompletes(t *testing.T) {
	record := NewTaskRecord("fix", "task", fiveSteps()[:2])

	if err := applyCheckpoint(record, 0, Checkpoint{NextStepSummary: "last step"}); err != nil {
		t.Fatalf("step 0: %v", err)
	}
	if err := applyCheckpoint(record, 1, Checkpoint{CompletedSummary: "done"}); err != nil {
		t.Fatalf("step 1: %v", err)
	}

	if record.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", record.Status)
	}
	if record.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if err := record.Validate(); err != nil {
		t.Errorf("completed record invalid: %v", err)
	}
}

func TestApplyRetryIncrementsAndResetsStep(t *testing.T) {
	record := NewTaskRecord("implement", "task", fiveSteps())
	record.Status = StatusInProgress
	record.CurrentStepIndex = 3
	record.Steps[3].Status = StepRunning

	if err := applyRetry(record, "validate", "policy check failed"); err != nil {
		t.Fatalf("applyRetry: %v", err)
	}

	if record.RetryCounts["validate"] != 1 {
		t.Errorf("retry_counts[validate] = %d, want 1", record.RetryCounts["validate"])
	}
	if record.Steps[3].Status != StepPending {
		t.Errorf("step status = %s, want pending for re-run", record.Steps[3].Status)
	}
	if record.Steps[3].LastError != "policy check failed" {
		t.Errorf("last_error = %q", record.Steps[3].LastError)
	}

	if err := applyRetry(record, "no-such-step", "x"); err == nil {
		t.Error("retry for unknown step accepted")
	}
}

func TestApplyFinalizeIdempotent(t *testing.T) {
	record := NewTaskRecord("implement", "task", fiveSteps())
	record.Status = StatusInProgress

	report := &FailureReport{Reason: "retry budget exhausted"}
	if err := applyFinalize(record, StatusFailed, report); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if record.Status != StatusFailed {
		t.Errorf("status = %s, want failed", record.Status)
	}
	if record.FailureReport == nil {
		t.Error("failure report not attached")
	}

	err := applyFinalize(record, StatusFailed, report)
	if !errors.Is(err, errAlreadyFinal) {
		t.Errorf("repeat finalize error = %v, want errAlreadyFinal", err)
	}

	err = applyFinalize(record, StatusCompleted, nil)
	if !errors.Is(err, ErrImmutable) {
		t.Errorf("conflicting finalize error = %v, want ErrImmutable", err)
	}
}

func TestApplyFinalizeRejectsNonTerminal(t *testing.T) {
	record := NewTaskRecord("implement", "task", fiveSteps())

	if err := applyFinalize(record, StatusInProgress, nil); err == nil {
		t.Error("finalize to in_progress accepted")
	}
}

func TestTerminalRecordRejectsWrites(t *testing.T) {
	record := NewTaskRecord("implement", "task", fiveSteps())
	record.Status = StatusInProgress
	now := time.Now().UTC()
	record.transition(StatusFailed, now)

	if err := applyStepRunning(record, 0); !errors.Is(err, ErrImmutable) {
		t.Errorf("step start on terminal record: %v, want ErrImmutable", err)
	}
	if err := applyCheckpoint(record, 0, Checkpoint{}); !errors.Is(err, ErrImmutable) {
		t.Errorf("checkpoint on terminal record: %v, want ErrImmutable", err)
	}
	if err := applyRetry(record, "explore", "x"); !errors.Is(err, ErrImmutable) {
		t.Errorf("retry on terminal record: %v, want ErrImmutable", err)
	}
}

func TestMapUpdateErrDistinguishesStoreFaults(t *testing.T) {
	err := mapUpdateErr("wf-a1b2c3d4", jetstream.ErrKeyExists)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("wrong-revision update: %v, want ErrConflict", err)
	}

	err = mapUpdateErr("wf-a1b2c3d4", context.Canceled)
	if errors.Is(err, ErrConflict) {
		t.Errorf("cancellation mapped to ErrConflict: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation not passed through: %v", err)
	}
}

func TestTransitionRecordsHistory(t *testing.T) {
	record := NewTaskRecord("implement", "task", fiveSteps())
	now := time.Now().UTC()

	record.transition(StatusInProgress, now)
	record.transition(StatusCompleted, now)

	if len(record.StatusHistory) != 2 {
		t.Fatalf("history length = %d, want 2", len(record.StatusHistory))
	}
	if record.StatusHistory[0].From != StatusIdle || record.StatusHistory[0].To != StatusInProgress {
		t.Errorf("history[0] = %+v", record.StatusHistory[0])
	}
	if record.StatusHistory[1].From != StatusInProgress || record.StatusHistory[1].To != StatusCompleted {
		t.Errorf("history[1] = %+v", record.StatusHistory[1])
	}
}
