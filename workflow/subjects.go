package workflow

import (
	"encoding/json"

	"github.com/c360studio/semstreams/natsclient"
)

// Record lifecycle events (from the step state machine)

// StepCompletedEvent is published when a step checkpoints successfully.
type StepCompletedEvent struct {
	RecordID  string `json:"record_id"`
	Command   string `json:"command"`
	Step      string `json:"step"`
	StepIndex int    `json:"step_index"`
	Summary   string `json:"summary,omitempty"`
}

// RetryScheduledEvent is published when a retry is granted for a step.
type RetryScheduledEvent struct {
	RecordID  string `json:"record_id"`
	Step      string `json:"step"`
	Attempt   int    `json:"attempt"`
	BackoffMs int64  `json:"backoff_ms,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// RecordCompletedEvent is published when a record reaches completed.
type RecordCompletedEvent struct {
	RecordID string `json:"record_id"`
	Command  string `json:"command"`
	Steps    int    `json:"steps"`
	Retries  int    `json:"retries,omitempty"`
}

// RecordFailedEvent is published when a record reaches failed.
type RecordFailedEvent struct {
	RecordID string          `json:"record_id"`
	Command  string          `json:"command"`
	Reason   string          `json:"reason"`
	Report   json.RawMessage `json:"report,omitempty"`
}

// User signal events (escalation and error signals)

// EscalationEvent is published when a record exhausts its retry budget and
// needs human intervention. Published to user.signal.escalate.
type EscalationEvent struct {
	RecordID          string          `json:"record_id"`
	Command           string          `json:"command"`
	Reason            string          `json:"reason"`
	LastStep          string          `json:"last_step,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	Report            json.RawMessage `json:"report,omitempty"`
	RecommendedAction string          `json:"recommended_action,omitempty"`
}

// UserSignalErrorEvent is published when the persistence layer fails in a
// way that is not an ordinary step failure. Published to user.signal.error.
type UserSignalErrorEvent struct {
	RecordID string `json:"record_id"`
	Step     string `json:"step,omitempty"`
	Error    string `json:"error"`
}

// Typed subject definitions for semflow domain events.
// These provide compile-time type safety for NATS publish/subscribe operations.
var (
	// Record lifecycle events
	StepCompleted = natsclient.NewSubject[StepCompletedEvent](
		"workflow.events.record.step_completed")
	RetryScheduled = natsclient.NewSubject[RetryScheduledEvent](
		"workflow.events.record.retry_scheduled")
	RecordCompleted = natsclient.NewSubject[RecordCompletedEvent](
		"workflow.events.record.completed")
	RecordFailed = natsclient.NewSubject[RecordFailedEvent](
		"workflow.events.record.failed")

	// User signal events (on USER stream)
	UserEscalation = natsclient.NewSubject[EscalationEvent](
		"user.signal.escalate")
	UserSignalError = natsclient.NewSubject[UserSignalErrorEvent](
		"user.signal.error")
)
