package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Verdict is the aggregate outcome of a fan-out group.
type Verdict string

const (
	// VerdictAllPass means every worker passed.
	VerdictAllPass Verdict = "all_pass"

	// VerdictRemediate means at least one worker reported a recoverable
	// failure and none were blocked.
	VerdictRemediate Verdict = "remediate"

	// VerdictBlocked means at least one worker reported a non-recoverable
	// condition.
	VerdictBlocked Verdict = "blocked"
)

// Report is the merged outcome of one fan-out run.
type Report struct {
	// Results holds one entry per worker spec, in spec order.
	Results []WorkerResult `json:"results"`

	// Verdict is the aggregate decision.
	Verdict Verdict `json:"verdict"`

	// Elapsed is the wall time of the whole group, barrier included.
	Elapsed time.Duration `json:"elapsed"`
}

// Findings flattens every worker's findings, prefixed with the worker name.
func (r Report) Findings() []string {
	var out []string
	for _, result := range r.Results {
		for _, finding := range result.Findings {
			out = append(out, fmt.Sprintf("[%s] %s", result.Worker, finding))
		}
		if len(result.Findings) == 0 && result.Status != StatusPass && result.Summary != "" {
			out = append(out, fmt.Sprintf("[%s] %s", result.Worker, result.Summary))
		}
	}
	return out
}

// Config holds coordinator settings.
type Config struct {
	// WorkerTimeout bounds each worker invocation. A worker that never
	// returns is reported as an error result, not silently ignored.
	WorkerTimeout time.Duration `json:"worker_timeout" yaml:"worker_timeout"`

	// MaxConcurrent caps simultaneous invocations. Zero means unlimited.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		WorkerTimeout: 5 * time.Minute,
		MaxConcurrent: 0,
	}
}

// Coordinator runs fan-out groups: all workers start, all workers finish,
// then the results merge. A slow or failed worker never short-circuits the
// others because each validation class must report regardless of the rest.
type Coordinator struct {
	invoker Invoker
	config  Config
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(invoker Invoker, config Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerTimeout <= 0 {
		config.WorkerTimeout = DefaultConfig().WorkerTimeout
	}
	return &Coordinator{
		invoker: invoker,
		config:  config,
		logger:  logger,
	}
}

// Run invokes every spec concurrently against the shared snapshot and
// blocks until all return. Each worker writes only its own slot in the
// results slice. Cancelling ctx interrupts the join: still-running workers
// see their contexts cancelled and report as errors, and the barrier is
// still honored before the report is assembled.
func (c *Coordinator) Run(ctx context.Context, specs []WorkerSpec, snapshot Snapshot) (Report, error) {
	if len(specs) == 0 {
		return Report{}, fmt.Errorf("fan-out group has no workers")
	}

	start := time.Now()
	results := make([]WorkerResult, len(specs))

	var sem chan struct{}
	if c.config.MaxConcurrent > 0 {
		sem = make(chan struct{}, c.config.MaxConcurrent)
	}

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(slot int, spec WorkerSpec) {
			defer wg.Done()

			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			results[slot] = c.runOne(ctx, spec, snapshot)
		}(i, spec)
	}
	wg.Wait()

	report := Report{
		Results: results,
		Verdict: AggregateVerdict(results),
		Elapsed: time.Since(start),
	}

	c.logger.Info("fan-out group joined",
		"record_id", snapshot.RecordID,
		"step", snapshot.Step,
		"workers", len(specs),
		"verdict", string(report.Verdict),
		"elapsed", report.Elapsed)

	return report, nil
}

// runOne invokes a single worker with its own timeout and converts every
// failure mode, transport errors, timeouts, and panics included, into an
// error-status result so the barrier always completes.
func (c *Coordinator) runOne(ctx context.Context, spec WorkerSpec, snapshot Snapshot) (result WorkerResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker panicked",
				"worker", spec.Name,
				"role", spec.Role,
				"panic", fmt.Sprintf("%v", r))
			result = WorkerResult{
				Worker:  spec.Name,
				Status:  StatusError,
				Summary: fmt.Sprintf("worker panicked: %v", r),
				Elapsed: time.Since(start),
			}
		}
	}()

	workerCtx, cancel := context.WithTimeout(ctx, c.config.WorkerTimeout)
	defer cancel()

	result, err := c.invoker.Invoke(workerCtx, spec, snapshot)
	if err != nil {
		summary := fmt.Sprintf("worker invocation failed: %v", err)
		if workerCtx.Err() == context.DeadlineExceeded {
			summary = fmt.Sprintf("worker timed out after %s", c.config.WorkerTimeout)
		}
		c.logger.Warn("worker failed",
			"worker", spec.Name,
			"role", spec.Role,
			"error", err)
		return WorkerResult{
			Worker:  spec.Name,
			Status:  StatusError,
			Summary: summary,
			Elapsed: time.Since(start),
		}
	}

	result.Worker = spec.Name
	if result.Elapsed == 0 {
		result.Elapsed = time.Since(start)
	}
	return result
}

// AggregateVerdict merges worker statuses into one verdict. Blocked wins
// over everything; any recoverable failure without a block means remediate;
// otherwise all passed.
func AggregateVerdict(results []WorkerResult) Verdict {
	verdict := VerdictAllPass
	for _, result := range results {
		switch {
		case result.Status == StatusBlocked:
			return VerdictBlocked
		case result.Status.Recoverable():
			verdict = VerdictRemediate
		}
	}
	return verdict
}
