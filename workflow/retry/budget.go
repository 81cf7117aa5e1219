// Package retry provides the bounded retry budget for workflow steps.
//
// The budget is intentionally coarse: a per-step cap bounds remediation of a
// single step, and a global cap bounds retries summed across every step of a
// record lineage, so a chain of commands operating on the same change cannot
// retry indefinitely in aggregate.
package retry

import (
	"fmt"
	"sync"
	"time"
)

// Config holds retry budget configuration.
type Config struct {
	PerStepCap        int           `json:"per_step_cap" yaml:"per_step_cap"`
	GlobalCap         int           `json:"global_cap" yaml:"global_cap"`
	BackoffBase       time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultConfig returns sensible budget defaults.
func DefaultConfig() Config {
	return Config{
		PerStepCap:        3,
		GlobalCap:         5,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PerStepCap < 1 {
		return fmt.Errorf("per_step_cap must be at least 1, got %d", c.PerStepCap)
	}
	if c.GlobalCap < c.PerStepCap {
		return fmt.Errorf("global_cap (%d) must be at least per_step_cap (%d)", c.GlobalCap, c.PerStepCap)
	}
	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be at least 1.0, got %f", c.BackoffMultiplier)
	}
	return nil
}

// Decision is the outcome of a TryConsume call.
type Decision struct {
	// Granted is true when the retry may proceed.
	Granted bool

	// Attempt is the attempt number just consumed (1-based). Zero when denied.
	Attempt int

	// Backoff is the delay before the retry should run.
	Backoff time.Duration

	// Reason explains a denial: which cap was hit and its value.
	Reason string
}

// Tracker counts remediation attempts per record and enforces the caps.
// It has no knowledge of why a step failed; it is purely a counter.
type Tracker struct {
	config Config
	mu     sync.RWMutex
	counts map[string]map[string]int // record id -> step name -> attempts
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(config Config) *Tracker {
	return &Tracker{
		config: config,
		counts: make(map[string]map[string]int),
	}
}

// Seed initializes the counters for a record from persisted retry counts.
// Used on resume so a fresh process enforces the same budget. Seeding never
// lowers an existing counter.
func (t *Tracker) Seed(recordID string, counts map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	steps, ok := t.counts[recordID]
	if !ok {
		steps = make(map[string]int, len(counts))
		t.counts[recordID] = steps
	}
	for step, n := range counts {
		if n > steps[step] {
			steps[step] = n
		}
	}
}

// TryConsume requests one retry attempt for a step. It is denied when the
// step has reached the per-step cap or the record has reached the global cap.
// Counters are incremented only on grant and never decremented.
func (t *Tracker) TryConsume(recordID, step string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	steps, ok := t.counts[recordID]
	if !ok {
		steps = make(map[string]int)
		t.counts[recordID] = steps
	}

	if steps[step] >= t.config.PerStepCap {
		return Decision{
			Reason: fmt.Sprintf("per-step retry cap (%d) reached for step %q", t.config.PerStepCap, step),
		}
	}

	total := 0
	for _, n := range steps {
		total += n
	}
	if total >= t.config.GlobalCap {
		return Decision{
			Reason: fmt.Sprintf("global retry cap (%d) reached across all steps", t.config.GlobalCap),
		}
	}

	steps[step]++
	attempt := steps[step]
	return Decision{
		Granted: true,
		Attempt: attempt,
		Backoff: t.backoff(attempt),
	}
}

// Count returns the attempts consumed for one step of a record.
func (t *Tracker) Count(recordID, step string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[recordID][step]
}

// Counts returns a copy of the per-step counters for a record.
func (t *Tracker) Counts(recordID string) map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	steps := t.counts[recordID]
	out := make(map[string]int, len(steps))
	for step, n := range steps {
		out[step] = n
	}
	return out
}

// Total returns the retries consumed across every step of a record.
func (t *Tracker) Total(recordID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for _, n := range t.counts[recordID] {
		total += n
	}
	return total
}

// Forget drops the counters for a record once it reaches a terminal status.
// The persisted record keeps the authoritative counts.
func (t *Tracker) Forget(recordID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, recordID)
}

// PerStepCap returns the configured per-step cap.
func (t *Tracker) PerStepCap() int {
	return t.config.PerStepCap
}

// GlobalCap returns the configured global cap.
func (t *Tracker) GlobalCap() int {
	return t.config.GlobalCap
}

// backoff computes the exponential delay for an attempt number.
// attempt 1 waits base, attempt 2 waits base*multiplier, and so on.
func (t *Tracker) backoff(attempt int) time.Duration {
	if attempt <= 0 || t.config.BackoffBase <= 0 {
		return 0
	}
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= t.config.BackoffMultiplier
	}
	return time.Duration(float64(t.config.BackoffBase) * multiplier)
}
