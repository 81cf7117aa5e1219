// Package fanout provides the parallel fan-out coordinator: concurrent
// worker invocation over a shared read-only snapshot, a full-barrier join,
// and verdict aggregation over the independent results.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/natsclient"
)

// WorkerStatus classifies one worker's outcome.
type WorkerStatus string

const (
	// StatusPass means the worker completed with no findings.
	StatusPass WorkerStatus = "pass"

	// StatusFail means the worker found a recoverable problem. A
	// remediation retry can address it.
	StatusFail WorkerStatus = "fail"

	// StatusError means the worker itself failed (timeout, panic,
	// transport error). Treated as recoverable for aggregation.
	StatusError WorkerStatus = "error"

	// StatusBlocked means the worker found a non-recoverable condition
	// requiring manual intervention.
	StatusBlocked WorkerStatus = "blocked"
)

// IsValid checks if the status is a known value.
func (s WorkerStatus) IsValid() bool {
	switch s {
	case StatusPass, StatusFail, StatusError, StatusBlocked:
		return true
	}
	return false
}

// Recoverable reports whether a remediation retry can address the outcome.
func (s WorkerStatus) Recoverable() bool {
	return s == StatusFail || s == StatusError
}

// Snapshot is the immutable context bundle every worker in a group reads.
// It is assembled once per step and never mutated by a worker.
type Snapshot struct {
	// RecordID identifies the task record the group belongs to.
	RecordID string `json:"record_id"`

	// Command is the workflow template name.
	Command string `json:"command"`

	// Argument is the free-text task description.
	Argument string `json:"argument"`

	// Step is the parallel group step name.
	Step string `json:"step"`

	// PriorOutputs carries completed-step summaries, oldest first.
	PriorOutputs []string `json:"prior_outputs,omitempty"`

	// FilesTouched lists files changed so far in this record.
	FilesTouched []string `json:"files_touched,omitempty"`

	// Feedback carries findings from the previous attempt of this step,
	// empty on the first attempt.
	Feedback []string `json:"feedback,omitempty"`
}

// WorkerSpec describes one member of a fan-out group.
type WorkerSpec struct {
	// Name identifies the member within the group (e.g., "functional").
	Name string `json:"name"`

	// Role selects the worker implementation (e.g., "reviewer").
	Role string `json:"role"`

	// InstructionsRef points at the guidance the worker should follow,
	// typically a protocol entry content reference.
	InstructionsRef string `json:"instructions_ref,omitempty"`
}

// WorkerResult is one worker's report. Each worker writes only its own
// result slot; the coordinator owns the merge.
type WorkerResult struct {
	// Worker is the spec name this result belongs to.
	Worker string `json:"worker"`

	// Status classifies the outcome.
	Status WorkerStatus `json:"status"`

	// Summary is the worker's human-readable report.
	Summary string `json:"summary,omitempty"`

	// Findings lists individual problems, empty on pass.
	Findings []string `json:"findings,omitempty"`

	// Files lists paths the worker touched.
	Files []string `json:"files,omitempty"`

	// Elapsed is how long the worker ran.
	Elapsed time.Duration `json:"elapsed"`
}

// Invoker executes one worker against the shared snapshot.
type Invoker interface {
	Invoke(ctx context.Context, spec WorkerSpec, snapshot Snapshot) (WorkerResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, spec WorkerSpec, snapshot Snapshot) (WorkerResult, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, spec WorkerSpec, snapshot Snapshot) (WorkerResult, error) {
	return f(ctx, spec, snapshot)
}

// InvokeSubjectPrefix is the request subject prefix for worker dispatch.
// The worker role is appended: worker.invoke.reviewer.
const InvokeSubjectPrefix = "worker.invoke."

// invokeRequest is the request payload sent to a worker.
type invokeRequest struct {
	Spec     WorkerSpec `json:"spec"`
	Snapshot Snapshot   `json:"snapshot"`
}

// NATSInvoker dispatches workers over NATS request/reply. Workers subscribe
// to worker.invoke.<role> and reply with a WorkerResult.
type NATSInvoker struct {
	client *natsclient.Client
}

// NewNATSInvoker creates an invoker over an established client.
func NewNATSInvoker(client *natsclient.Client) *NATSInvoker {
	return &NATSInvoker{client: client}
}

// Invoke sends the spec and snapshot to worker.invoke.<role> and decodes
// the reply. Transport failures and malformed replies are returned as
// errors; the coordinator maps them to StatusError.
func (n *NATSInvoker) Invoke(ctx context.Context, spec WorkerSpec, snapshot Snapshot) (WorkerResult, error) {
	data, err := json.Marshal(invokeRequest{Spec: spec, Snapshot: snapshot})
	if err != nil {
		return WorkerResult{}, fmt.Errorf("marshal invoke request: %w", err)
	}

	conn := n.client.GetConnection()
	if conn == nil {
		return WorkerResult{}, fmt.Errorf("nats connection not established")
	}

	msg, err := conn.RequestWithContext(ctx, InvokeSubjectPrefix+spec.Role, data)
	if err != nil {
		return WorkerResult{}, fmt.Errorf("invoke worker %s: %w", spec.Name, err)
	}

	var result WorkerResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return WorkerResult{}, fmt.Errorf("decode worker %s reply: %w", spec.Name, err)
	}
	if !result.Status.IsValid() {
		return WorkerResult{}, fmt.Errorf("worker %s returned unknown status %q", spec.Name, result.Status)
	}
	result.Worker = spec.Name
	return result, nil
}
