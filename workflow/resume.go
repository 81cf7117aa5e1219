package workflow

import (
	"context"
	"fmt"
)

// ResumeOutcome is the pure derivation of what a stalled record should do
// next. For terminal or never-started records it reflects the stored state
// verbatim.
type ResumeOutcome struct {
	// RecordID is the record the outcome describes.
	RecordID string `json:"record_id"`

	// Status is the record's stored status.
	Status Status `json:"status"`

	// Resumable is true only for in_progress records.
	Resumable bool `json:"resumable"`

	// NextStepIndex is the step to run next. -1 when not resumable.
	NextStepIndex int `json:"next_step_index"`

	// NextStepName is the name of that step.
	NextStepName string `json:"next_step_name,omitempty"`

	// NextStepSummary is the checkpoint's description of the pending work.
	NextStepSummary string `json:"next_step_summary,omitempty"`
}

// Resume derives the next actionable step for a record. The derivation
// uses only current_step_index and the checkpoint summary, never external
// side effects, so two consecutive calls on the same stalled record return
// identical outcomes. It performs no writes.
func (e *Engine) Resume(ctx context.Context, id string) (ResumeOutcome, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return ResumeOutcome{}, err
	}
	return deriveResume(record), nil
}

// deriveResume is the pure resume derivation.
func deriveResume(record *TaskRecord) ResumeOutcome {
	outcome := ResumeOutcome{
		RecordID:      record.ID,
		Status:        record.Status,
		NextStepIndex: -1,
	}
	if record.Status != StatusInProgress {
		return outcome
	}

	outcome.Resumable = true
	outcome.NextStepIndex = record.CurrentStepIndex
	outcome.NextStepName = record.Steps[record.CurrentStepIndex].Name
	outcome.NextStepSummary = record.Checkpoint.NextStepSummary
	return outcome
}

// ResumeAndRun resumes execution of an in-progress record from its
// checkpoint. Terminal and idle records are returned unchanged. The retry
// tracker is re-seeded from the persisted counters so the budget survives
// the process boundary.
func (e *Engine) ResumeAndRun(ctx context.Context, id string) (*TaskRecord, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	outcome := deriveResume(record)
	if !outcome.Resumable {
		e.logger.Info("Resume is a no-op",
			"record_id", id,
			"status", string(record.Status))
		return record, nil
	}

	template, err := LookupTemplate(record.Command)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	e.tracker.Seed(record.ID, record.RetryCounts)

	e.logger.Info("Resuming workflow",
		"record_id", record.ID,
		"command", record.Command,
		"next_step", outcome.NextStepName,
		"next_step_summary", outcome.NextStepSummary)

	return e.drive(ctx, record, template)
}
