// Package workflow provides the semflow orchestration core: durable task
// records, the step state machine, retry budgets, and resume handling for
// named multi-step commands.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task record.
type Status string

const (
	// StatusIdle indicates the record has been created but no step has started.
	StatusIdle Status = "idle"
	// StatusInProgress indicates steps are being executed.
	StatusInProgress Status = "in_progress"
	// StatusCompleted indicates every step finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the workflow halted: retry budget exhausted,
	// a blocking verdict, or a store-level fault.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known record status.
func (s Status) IsValid() bool {
	switch s {
	case StatusIdle, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that permit no further mutation.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusIdle:
		return target == StatusInProgress || target == StatusFailed
	case StatusInProgress:
		return target == StatusCompleted || target == StatusFailed
	case StatusCompleted, StatusFailed:
		return false // Terminal states
	default:
		return false
	}
}

// StepKind classifies how a step executes.
type StepKind string

const (
	// StepSequential is a single opaque worker invocation.
	StepSequential StepKind = "sequential"
	// StepParallelGroup fans out to several independent worker invocations
	// joined with a full barrier.
	StepParallelGroup StepKind = "parallel_group"
)

// IsValid returns true if the step kind is known.
func (k StepKind) IsValid() bool {
	return k == StepSequential || k == StepParallelGroup
}

// StepStatus represents the execution state of one step.
type StepStatus string

const (
	// StepPending indicates the step has not started (or was reset for a retry).
	StepPending StepStatus = "pending"
	// StepRunning indicates the step body is executing.
	StepRunning StepStatus = "running"
	// StepDone indicates the step completed successfully.
	StepDone StepStatus = "done"
	// StepFailed indicates the step failed and will not be re-attempted.
	StepFailed StepStatus = "failed"
)

// IsValid returns true if the step status is known.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepDone, StepFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if this step status can transition to target.
// A retry resets a running step back to pending; done and failed are terminal.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	switch s {
	case StepPending:
		return target == StepRunning
	case StepRunning:
		return target == StepDone || target == StepFailed || target == StepPending
	case StepDone, StepFailed:
		return false
	default:
		return false
	}
}

// Step is one unit of work in a task record.
type Step struct {
	// Name identifies the step within the command template (e.g. "validate").
	Name string `json:"name"`

	// Kind is sequential or parallel_group.
	Kind StepKind `json:"kind"`

	// Role is the worker role that executes a sequential step. Empty for
	// parallel groups, whose member roles come from the template.
	Role string `json:"role,omitempty"`

	// Status is the current execution state.
	Status StepStatus `json:"status"`

	// LastError is the most recent failure detail for this step. Cleared on
	// success, carried into the aggregate report on budget exhaustion.
	LastError string `json:"last_error,omitempty"`

	// CompletedAt is when the step finished successfully.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Checkpoint is the atomically-updated progress marker for a record.
// It is always written together with current_step_index: a reader must never
// observe the index advanced without the matching summaries.
type Checkpoint struct {
	// CompletedSummary describes what the last finished step produced.
	CompletedSummary string `json:"completed_summary"`

	// NextStepSummary describes the next actionable step. Resume derives its
	// decision from this field and current_step_index alone.
	NextStepSummary string `json:"next_step_summary"`

	// FilesTouched accumulates every path reported by workers so far.
	FilesTouched []string `json:"files_touched,omitempty"`

	// ProtocolsUsed accumulates the protocol names selected for completed
	// steps. The downstream gap catch reads these, so they must survive an
	// interruption along with the rest of the checkpoint.
	ProtocolsUsed []string `json:"protocols_used,omitempty"`
}

// StatusChange records a record-level status transition.
type StatusChange struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// StepFailure is one entry in the aggregate failure report.
type StepFailure struct {
	Step      string `json:"step"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// FailureReport is attached to a record when the workflow halts.
// It is the user-visible outcome of retry budget exhaustion or a blocking
// verdict: last error per step, files touched so far, and what to do next.
type FailureReport struct {
	Reason            string        `json:"reason"`
	StepFailures      []StepFailure `json:"step_failures,omitempty"`
	FilesTouched      []string      `json:"files_touched,omitempty"`
	RecommendedAction string        `json:"recommended_action,omitempty"`
}

// TaskRecord is the persisted state of one workflow instance.
type TaskRecord struct {
	// ID is the opaque record identifier (format: wf-{uuid8}).
	ID string `json:"id"`

	// Command is the workflow template being executed (e.g. "implement").
	Command string `json:"command"`

	// Argument is the free-text task description the command was invoked with.
	Argument string `json:"argument"`

	// Status is the record lifecycle state.
	Status Status `json:"status"`

	// Steps is the ordered step sequence materialized from the template.
	Steps []Step `json:"steps"`

	// CurrentStepIndex points at the next actionable step while in progress.
	CurrentStepIndex int `json:"current_step_index"`

	// Checkpoint is the progress marker, updated atomically with the index.
	Checkpoint Checkpoint `json:"checkpoint"`

	// RetryCounts maps step name to remediation attempts consumed. Values
	// only ever increase.
	RetryCounts map[string]int `json:"retry_counts,omitempty"`

	// StatusHistory records every record-level transition for debugging.
	StatusHistory []StatusChange `json:"status_history,omitempty"`

	// FailureReport is set when the record transitions to failed.
	FailureReport *FailureReport `json:"failure_report,omitempty"`

	// StartedAt is when the record was created.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the record reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTaskRecord creates an idle record for a command invocation. Steps
// without an explicit status start pending.
func NewTaskRecord(command, argument string, steps []Step) *TaskRecord {
	for i := range steps {
		if steps[i].Status == "" {
			steps[i].Status = StepPending
		}
	}
	return &TaskRecord{
		ID:          fmt.Sprintf("wf-%s", uuid.New().String()[:8]),
		Command:     command,
		Argument:    argument,
		Status:      StatusIdle,
		Steps:       steps,
		RetryCounts: make(map[string]int),
		StartedAt:   time.Now().UTC(),
	}
}

// CurrentStep returns the step at the current index, or nil when the index
// is out of range (terminal records).
func (r *TaskRecord) CurrentStep() *Step {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Steps) {
		return nil
	}
	return &r.Steps[r.CurrentStepIndex]
}

// IsTerminal returns true when the record permits no further mutation.
func (r *TaskRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// RetryTotal returns the retries consumed across every step.
func (r *TaskRecord) RetryTotal() int {
	total := 0
	for _, n := range r.RetryCounts {
		total += n
	}
	return total
}

// Validate checks the record invariants.
func (r *TaskRecord) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if r.Command == "" {
		return &ValidationError{Field: "command", Message: "command is required"}
	}
	if !r.Status.IsValid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if len(r.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "at least one step is required"}
	}
	if r.Status == StatusInProgress {
		if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Steps) {
			return &ValidationError{
				Field:   "current_step_index",
				Message: fmt.Sprintf("index %d out of range for %d steps", r.CurrentStepIndex, len(r.Steps)),
			}
		}
	}
	for i := range r.Steps {
		if !r.Steps[i].Kind.IsValid() {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %q has unknown kind %q", r.Steps[i].Name, r.Steps[i].Kind)}
		}
		if !r.Steps[i].Status.IsValid() {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %q has unknown status %q", r.Steps[i].Name, r.Steps[i].Status)}
		}
	}
	return nil
}

// Clone returns a deep copy of the record via JSON round-trip.
func (r *TaskRecord) Clone() *TaskRecord {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out TaskRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	if out.RetryCounts == nil {
		out.RetryCounts = make(map[string]int)
	}
	return &out
}

// ValidationError describes a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
