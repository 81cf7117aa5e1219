package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow/fanout"
	"github.com/c360studio/semflow/workflow/protocol"
	"github.com/c360studio/semflow/workflow/retry"
)

// maxProtocolsPerStep bounds the guidance a single worker receives.
const maxProtocolsPerStep = 3

// Auditor appends events to the audit trail. The audit log is best effort:
// append failures are logged and never fail the workflow.
type Auditor interface {
	Append(ctx context.Context, event storage.Event) error
}

// EngineConfig holds engine settings.
type EngineConfig struct {
	Retry  retry.Config  `json:"retry" yaml:"retry"`
	Fanout fanout.Config `json:"fanout" yaml:"fanout"`
}

// DefaultEngineConfig returns engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retry:  retry.DefaultConfig(),
		Fanout: fanout.DefaultConfig(),
	}
}

// Engine drives task records through their step graph: sequential dispatch,
// parallel fan-out, retry budgeting, and terminal transitions. One engine
// goroutine drives one record at a time; no two steps of the same record
// ever run concurrently.
type Engine struct {
	store       Store
	invoker     fanout.Invoker
	coordinator *fanout.Coordinator
	tracker     *retry.Tracker
	registry    *protocol.Registry
	catch       *protocol.Catch
	audit       Auditor
	events      *EventPublisher
	logger      *slog.Logger
	config      EngineConfig
	sleep       func(time.Duration)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRegistry sets the protocol registry used for step guidance selection
// and the downstream gap catch.
func WithRegistry(registry *protocol.Registry) EngineOption {
	return func(e *Engine) {
		e.registry = registry
		e.catch = protocol.NewCatch(registry)
	}
}

// WithAuditor sets the audit log.
func WithAuditor(audit Auditor) EngineOption {
	return func(e *Engine) {
		e.audit = audit
	}
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(events *EventPublisher) EngineOption {
	return func(e *Engine) {
		e.events = events
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineConfig sets retry and fan-out settings.
func WithEngineConfig(config EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// withSleep overrides the backoff sleep. Tests use this to avoid waiting.
func withSleep(sleep func(time.Duration)) EngineOption {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// NewEngine creates an engine over a store and a worker invoker.
func NewEngine(store Store, invoker fanout.Invoker, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker required")
	}

	e := &Engine{
		store:   store,
		invoker: invoker,
		logger:  slog.Default(),
		config:  DefaultEngineConfig(),
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}
	e.tracker = retry.NewTracker(e.config.Retry)
	e.coordinator = fanout.NewCoordinator(invoker, e.config.Fanout, e.logger)
	return e, nil
}

// Run creates a task record for the command and drives it to a terminal
// status. Returns the final record. Only budget exhaustion surfaces as a
// FAILED record; store conflicts and corruption return an error.
func (e *Engine) Run(ctx context.Context, command, argument string) (*TaskRecord, error) {
	template, err := LookupTemplate(command)
	if err != nil {
		return nil, err
	}
	if err := template.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", command, err)
	}

	record := NewTaskRecord(command, argument, template.Materialize())
	if err := e.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	e.logger.Info("Starting workflow",
		"record_id", record.ID,
		"command", command,
		"steps", len(record.Steps))

	return e.drive(ctx, record, template)
}

// run state carried across steps of one drive call. Seeded from the
// record's checkpoint so a resumed run sees the same upstream context.
type runState struct {
	priorOutputs  []string
	protocolsUsed []string
}

// drive executes steps from the record's current position until the record
// is terminal.
func (e *Engine) drive(ctx context.Context, record *TaskRecord, template Template) (*TaskRecord, error) {
	state := &runState{
		protocolsUsed: append([]string(nil), record.Checkpoint.ProtocolsUsed...),
	}
	if record.Checkpoint.CompletedSummary != "" {
		state.priorOutputs = append(state.priorOutputs, record.Checkpoint.CompletedSummary)
	}

	for !record.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return record, err
		}

		step := record.CurrentStep()
		if step == nil {
			return record, fmt.Errorf("record %s: %w: no current step", record.ID, ErrCorrupt)
		}

		updated, err := e.runStep(ctx, record, template, state)
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrNotFound) {
				e.events.SignalError(ctx, UserSignalErrorEvent{
					RecordID: record.ID,
					Step:     step.Name,
					Error:    err.Error(),
				})
			}
			return record, err
		}
		record = updated
	}

	e.tracker.Forget(record.ID)
	return record, nil
}

// runStep executes the current step once, including any granted retries'
// bookkeeping, and returns the updated record.
func (e *Engine) runStep(ctx context.Context, record *TaskRecord, template Template, state *runState) (*TaskRecord, error) {
	index := record.CurrentStepIndex
	step := record.Steps[index]

	record, err := e.store.MarkStepRunning(ctx, record.ID, index)
	if err != nil {
		return nil, err
	}

	snapshot := e.buildSnapshot(record, step, state)

	var outcome stepOutcome
	if step.Kind == StepParallelGroup {
		outcome = e.runParallel(ctx, record, template, step, snapshot, state)
	} else {
		outcome = e.runSequential(ctx, record, step, snapshot, state)
	}

	stepsExecuted.WithLabelValues(record.Command, string(step.Kind), outcome.label()).Inc()

	switch {
	case outcome.blocked:
		return e.fail(ctx, record, step, outcome.failure)

	case outcome.failure != "":
		return e.consultBudget(ctx, record, step, outcome)

	default:
		return e.advance(ctx, record, index, step, outcome, state)
	}
}

// stepOutcome is the engine-internal result of one step attempt.
type stepOutcome struct {
	summary   string
	files     []string
	protocols []string
	failure   string
	feedback  []string
	blocked   bool
}

func (o stepOutcome) label() string {
	switch {
	case o.blocked:
		return "blocked"
	case o.failure != "":
		return "failed"
	default:
		return "completed"
	}
}

// buildSnapshot assembles the immutable context for one step attempt.
// Feedback from a prior failed attempt rides in the step's last error.
func (e *Engine) buildSnapshot(record *TaskRecord, step Step, state *runState) fanout.Snapshot {
	var feedback []string
	if step.LastError != "" {
		feedback = strings.Split(step.LastError, "\n")
	}
	return fanout.Snapshot{
		RecordID:     record.ID,
		Command:      record.Command,
		Argument:     record.Argument,
		Step:         step.Name,
		PriorOutputs: append([]string(nil), state.priorOutputs...),
		FilesTouched: append([]string(nil), record.Checkpoint.FilesTouched...),
		Feedback:     feedback,
	}
}

// runSequential dispatches one worker with selected protocol guidance.
func (e *Engine) runSequential(ctx context.Context, record *TaskRecord, step Step, snapshot fanout.Snapshot, state *runState) stepOutcome {
	instructions, selected := e.selectProtocols(ctx, record, step.Role, step.Name, state)

	workerCtx, cancel := context.WithTimeout(ctx, e.config.Fanout.WorkerTimeout)
	defer cancel()

	result, err := e.invoker.Invoke(workerCtx, fanout.WorkerSpec{
		Name:            step.Name,
		Role:            step.Role,
		InstructionsRef: instructions,
	}, snapshot)
	if err != nil {
		return stepOutcome{failure: fmt.Sprintf("worker %s failed: %v", step.Name, err)}
	}

	switch result.Status {
	case fanout.StatusPass:
		return stepOutcome{summary: result.Summary, files: result.Files, protocols: selected}
	case fanout.StatusBlocked:
		return stepOutcome{
			blocked: true,
			failure: nonEmpty(result.Summary, "worker reported a non-recoverable condition"),
		}
	default:
		return stepOutcome{
			failure:  nonEmpty(result.Summary, "worker reported failure"),
			feedback: result.Findings,
		}
	}
}

// runParallel runs the fan-out group and folds the gap catch into the
// outcome.
func (e *Engine) runParallel(ctx context.Context, record *TaskRecord, template Template, step Step, snapshot fanout.Snapshot, state *runState) stepOutcome {
	workers := template.GroupSpecs(step.Name)
	specs := make([]fanout.WorkerSpec, len(workers))
	for i, w := range workers {
		specs[i] = fanout.WorkerSpec{Name: w.Name, Role: w.Role}
	}

	report, err := e.coordinator.Run(ctx, specs, snapshot)
	if err != nil {
		return stepOutcome{failure: fmt.Sprintf("fan-out %s failed: %v", step.Name, err)}
	}

	fanoutDuration.WithLabelValues(record.Command, step.Name, string(report.Verdict)).Observe(report.Elapsed.Seconds())

	feedback := report.Findings()
	feedback = append(feedback, e.catchGaps(ctx, record, snapshot, state)...)

	switch report.Verdict {
	case fanout.VerdictAllPass:
		return stepOutcome{
			summary: fmt.Sprintf("all %d validators passed", len(report.Results)),
		}
	case fanout.VerdictBlocked:
		return stepOutcome{
			blocked:  true,
			failure:  "validator reported a non-recoverable condition",
			feedback: feedback,
		}
	default:
		return stepOutcome{
			failure:  fmt.Sprintf("%d of %d validators reported failures", countNotPass(report.Results), len(report.Results)),
			feedback: feedback,
		}
	}
}

func countNotPass(results []fanout.WorkerResult) int {
	n := 0
	for _, r := range results {
		if r.Status != fanout.StatusPass {
			n++
		}
	}
	return n
}

// selectProtocols runs the registry selector for a step and audits the
// decision. Returns the selected content references joined for the worker
// and the selected protocol names.
func (e *Engine) selectProtocols(ctx context.Context, record *TaskRecord, role, stepName string, state *runState) (string, []string) {
	if e.registry == nil {
		return "", nil
	}

	selected := e.registry.Select(role, record.Argument, maxProtocolsPerStep)
	names := make([]string, len(selected))
	refs := make([]string, len(selected))
	for i, entry := range selected {
		names[i] = entry.Name
		refs[i] = entry.ContentRef
	}
	state.protocolsUsed = append(state.protocolsUsed, names...)

	data, _ := json.Marshal(protocol.Selection{
		Role:        role,
		Description: record.Argument,
		MaxK:        maxProtocolsPerStep,
		Selected:    names,
	})
	e.appendAudit(ctx, storage.Event{
		RecordID: record.ID,
		Kind:     storage.KindProtocolSelection,
		Step:     stepName,
		Detail:   fmt.Sprintf("selected %d protocols for role %s", len(names), role),
		Data:     data,
	})

	return strings.Join(refs, ","), names
}

// catchGaps runs the downstream protocol gap check against the protocols
// used by the upstream steps. Findings are advisory: audited and surfaced
// as feedback for the next retry, never fatal.
func (e *Engine) catchGaps(ctx context.Context, record *TaskRecord, snapshot fanout.Snapshot, state *runState) []string {
	if e.catch == nil {
		return nil
	}

	var findings []protocol.Finding
	seenClass := make(map[string]bool)
	for _, role := range priorRoles(record) {
		for _, finding := range e.catch.Inspect(role, record.Argument, snapshot.FilesTouched, state.protocolsUsed) {
			if seenClass[finding.Class] {
				continue
			}
			seenClass[finding.Class] = true
			findings = append(findings, finding)
		}
	}
	if len(findings) == 0 {
		return nil
	}

	out := make([]string, len(findings))
	for i, finding := range findings {
		out[i] = finding.String()
		data, _ := json.Marshal(finding)
		e.appendAudit(ctx, storage.Event{
			RecordID: record.ID,
			Kind:     storage.KindProtocolGap,
			Step:     snapshot.Step,
			Detail:   finding.String(),
			Data:     data,
		})
	}
	return out
}

// priorRoles lists the distinct roles of the sequential steps completed
// before the current one.
func priorRoles(record *TaskRecord) []string {
	var roles []string
	seen := make(map[string]bool)
	for i := 0; i < record.CurrentStepIndex && i < len(record.Steps); i++ {
		step := record.Steps[i]
		if step.Kind != StepSequential || step.Role == "" || seen[step.Role] {
			continue
		}
		seen[step.Role] = true
		roles = append(roles, step.Role)
	}
	return roles
}

// advance checkpoints the completed step and publishes lifecycle events.
func (e *Engine) advance(ctx context.Context, record *TaskRecord, index int, step Step, outcome stepOutcome, state *runState) (*TaskRecord, error) {
	next := ""
	if index+1 < len(record.Steps) {
		next = fmt.Sprintf("run step %s", record.Steps[index+1].Name)
	}

	updated, err := e.store.Checkpoint(ctx, record.ID, index, Checkpoint{
		CompletedSummary: nonEmpty(outcome.summary, fmt.Sprintf("step %s completed", step.Name)),
		NextStepSummary:  next,
		FilesTouched:     outcome.files,
		ProtocolsUsed:    outcome.protocols,
	})
	if err != nil {
		return nil, err
	}

	if outcome.summary != "" {
		state.priorOutputs = append(state.priorOutputs, outcome.summary)
	}

	e.events.StepCompleted(ctx, StepCompletedEvent{
		RecordID:  updated.ID,
		Command:   updated.Command,
		Step:      step.Name,
		StepIndex: index,
		Summary:   outcome.summary,
	})

	if updated.Status == StatusCompleted {
		recordsFinalized.WithLabelValues(updated.Command, string(StatusCompleted)).Inc()
		e.appendAudit(ctx, storage.Event{
			RecordID: updated.ID,
			Kind:     storage.KindFinalize,
			Detail:   "completed",
		})
		e.events.RecordCompleted(ctx, RecordCompletedEvent{
			RecordID: updated.ID,
			Command:  updated.Command,
			Steps:    len(updated.Steps),
			Retries:  updated.RetryTotal(),
		})
		e.logger.Info("Workflow completed",
			"record_id", updated.ID,
			"command", updated.Command,
			"retries", updated.RetryTotal())
	}
	return updated, nil
}

// consultBudget asks the tracker for a retry and either schedules the
// re-run or fails the record with the aggregate report.
func (e *Engine) consultBudget(ctx context.Context, record *TaskRecord, step Step, outcome stepOutcome) (*TaskRecord, error) {
	decision := e.tracker.TryConsume(record.ID, step.Name)
	if !decision.Granted {
		retriesDenied.WithLabelValues(record.Command, step.Name).Inc()
		e.appendAudit(ctx, storage.Event{
			RecordID: record.ID,
			Kind:     storage.KindRetry,
			Step:     step.Name,
			Detail:   fmt.Sprintf("denied: %s", decision.Reason),
		})
		return e.fail(ctx, record, step, fmt.Sprintf("%s; last error: %s", decision.Reason, outcome.failure))
	}

	lastError := outcome.failure
	if len(outcome.feedback) > 0 {
		lastError = strings.Join(outcome.feedback, "\n")
	}

	updated, err := e.store.RecordRetry(ctx, record.ID, step.Name, lastError)
	if err != nil {
		return nil, err
	}

	retriesGranted.WithLabelValues(record.Command, step.Name).Inc()
	e.appendAudit(ctx, storage.Event{
		RecordID: record.ID,
		Kind:     storage.KindRetry,
		Step:     step.Name,
		Detail:   fmt.Sprintf("granted attempt %d", decision.Attempt),
	})
	e.events.RetryScheduled(ctx, RetryScheduledEvent{
		RecordID:  record.ID,
		Step:      step.Name,
		Attempt:   decision.Attempt,
		BackoffMs: decision.Backoff.Milliseconds(),
		LastError: outcome.failure,
	})
	e.logger.Info("Retry granted",
		"record_id", record.ID,
		"step", step.Name,
		"attempt", decision.Attempt,
		"backoff", decision.Backoff)

	if decision.Backoff > 0 {
		e.sleep(decision.Backoff)
	}
	return updated, nil
}

// fail finalizes the record with an aggregate failure report and surfaces
// the need for manual intervention. No further automatic action follows.
func (e *Engine) fail(ctx context.Context, record *TaskRecord, step Step, reason string) (*TaskRecord, error) {
	report := buildFailureReport(record, step.Name, reason)

	updated, err := e.store.Finalize(ctx, record.ID, StatusFailed, report)
	if err != nil {
		return nil, err
	}

	recordsFinalized.WithLabelValues(record.Command, string(StatusFailed)).Inc()
	escalations.WithLabelValues(record.Command).Inc()

	reportJSON, _ := json.Marshal(report)
	e.appendAudit(ctx, storage.Event{
		RecordID: updated.ID,
		Kind:     storage.KindFinalize,
		Step:     step.Name,
		Detail:   fmt.Sprintf("failed: %s", reason),
		Data:     reportJSON,
	})
	e.appendAudit(ctx, storage.Event{
		RecordID: updated.ID,
		Kind:     storage.KindEscalation,
		Step:     step.Name,
		Detail:   report.RecommendedAction,
	})
	e.events.RecordFailed(ctx, RecordFailedEvent{
		RecordID: updated.ID,
		Command:  updated.Command,
		Reason:   reason,
		Report:   reportJSON,
	})
	e.events.Escalate(ctx, EscalationEvent{
		RecordID:          updated.ID,
		Command:           updated.Command,
		Reason:            reason,
		LastStep:          step.Name,
		LastError:         lastFailure(report, step.Name),
		Report:            reportJSON,
		RecommendedAction: report.RecommendedAction,
	})

	e.logger.Warn("Workflow failed",
		"record_id", updated.ID,
		"command", updated.Command,
		"step", step.Name,
		"reason", reason)
	return updated, nil
}

// buildFailureReport aggregates every step's last failure into one report.
func buildFailureReport(record *TaskRecord, failedStep, reason string) *FailureReport {
	var failures []StepFailure
	for _, step := range record.Steps {
		attempts := record.RetryCounts[step.Name]
		if step.LastError == "" && attempts == 0 && step.Name != failedStep {
			continue
		}
		lastError := step.LastError
		if step.Name == failedStep {
			// The failure that triggered the halt, not a prior attempt's.
			lastError = reason
		}
		failures = append(failures, StepFailure{
			Step:      step.Name,
			Attempts:  attempts,
			LastError: nonEmpty(lastError, "recovered after retry"),
		})
	}
	return &FailureReport{
		Reason:       reason,
		StepFailures: failures,
		FilesTouched: record.Checkpoint.FilesTouched,
		RecommendedAction: fmt.Sprintf(
			"manual intervention required: inspect step %q, fix the underlying problem, then start a new %s run",
			failedStep, record.Command),
	}
}

// lastFailure returns the report's failure detail for a step.
func lastFailure(report *FailureReport, stepName string) string {
	for _, f := range report.StepFailures {
		if f.Step == stepName {
			return f.LastError
		}
	}
	return report.Reason
}

// appendAudit writes one audit event, logging failures instead of
// propagating them.
func (e *Engine) appendAudit(ctx context.Context, event storage.Event) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, event); err != nil {
		e.logger.Warn("Audit append failed",
			"record_id", event.RecordID,
			"kind", string(event.Kind),
			"error", err)
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
