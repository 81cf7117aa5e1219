package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"
)

// PayloadRegistry holds the lifecycle event payload registrations for
// message deserialization.
var PayloadRegistry = payloadregistry.New()

func init() {
	// Register lifecycle event payloads for message deserialization
	_ = PayloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "step-completed",
		Version:     "v1",
		Description: "Step checkpoint event with summary",
		Factory:     func() any { return &StepCompletedEvent{} },
	})

	_ = PayloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "retry-scheduled",
		Version:     "v1",
		Description: "Retry grant event with attempt and backoff",
		Factory:     func() any { return &RetryScheduledEvent{} },
	})

	_ = PayloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "record-completed",
		Version:     "v1",
		Description: "Record completion event",
		Factory:     func() any { return &RecordCompletedEvent{} },
	})

	_ = PayloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "workflow",
		Category:    "record-failed",
		Version:     "v1",
		Description: "Record failure event with aggregate report",
		Factory:     func() any { return &RecordFailedEvent{} },
	})

	_ = PayloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "user",
		Category:    "escalation",
		Version:     "v1",
		Description: "Escalation signal when a record needs manual intervention",
		Factory:     func() any { return &EscalationEvent{} },
	})

	_ = PayloadRegistry.Register(&payloadregistry.Registration{
		Domain:      "user",
		Category:    "error",
		Version:     "v1",
		Description: "Error signal for persistence-layer failures",
		Factory:     func() any { return &UserSignalErrorEvent{} },
	})
}

// StepCompletedType is the message type for step checkpoint events.
var StepCompletedType = message.Type{
	Domain:   "workflow",
	Category: "step-completed",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (e *StepCompletedEvent) Schema() message.Type {
	return StepCompletedType
}

// Validate validates the event.
func (e *StepCompletedEvent) Validate() error {
	if e.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if e.Step == "" {
		return fmt.Errorf("step is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *StepCompletedEvent) MarshalJSON() ([]byte, error) {
	type Alias StepCompletedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *StepCompletedEvent) UnmarshalJSON(data []byte) error {
	type Alias StepCompletedEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// RetryScheduledType is the message type for retry grant events.
var RetryScheduledType = message.Type{
	Domain:   "workflow",
	Category: "retry-scheduled",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (e *RetryScheduledEvent) Schema() message.Type {
	return RetryScheduledType
}

// Validate validates the event.
func (e *RetryScheduledEvent) Validate() error {
	if e.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if e.Attempt < 1 {
		return fmt.Errorf("attempt must be positive")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *RetryScheduledEvent) MarshalJSON() ([]byte, error) {
	type Alias RetryScheduledEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *RetryScheduledEvent) UnmarshalJSON(data []byte) error {
	type Alias RetryScheduledEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// RecordCompletedType is the message type for record completion events.
var RecordCompletedType = message.Type{
	Domain:   "workflow",
	Category: "record-completed",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (e *RecordCompletedEvent) Schema() message.Type {
	return RecordCompletedType
}

// Validate validates the event.
func (e *RecordCompletedEvent) Validate() error {
	if e.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *RecordCompletedEvent) MarshalJSON() ([]byte, error) {
	type Alias RecordCompletedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *RecordCompletedEvent) UnmarshalJSON(data []byte) error {
	type Alias RecordCompletedEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// RecordFailedType is the message type for record failure events.
var RecordFailedType = message.Type{
	Domain:   "workflow",
	Category: "record-failed",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (e *RecordFailedEvent) Schema() message.Type {
	return RecordFailedType
}

// Validate validates the event.
func (e *RecordFailedEvent) Validate() error {
	if e.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if e.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *RecordFailedEvent) MarshalJSON() ([]byte, error) {
	type Alias RecordFailedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *RecordFailedEvent) UnmarshalJSON(data []byte) error {
	type Alias RecordFailedEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// EscalationType is the message type for escalation signals.
var EscalationType = message.Type{
	Domain:   "user",
	Category: "escalation",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (e *EscalationEvent) Schema() message.Type {
	return EscalationType
}

// Validate validates the event.
func (e *EscalationEvent) Validate() error {
	if e.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if e.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *EscalationEvent) MarshalJSON() ([]byte, error) {
	type Alias EscalationEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *EscalationEvent) UnmarshalJSON(data []byte) error {
	type Alias EscalationEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// UserSignalErrorType is the message type for error signals.
var UserSignalErrorType = message.Type{
	Domain:   "user",
	Category: "error",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (e *UserSignalErrorEvent) Schema() message.Type {
	return UserSignalErrorType
}

// Validate validates the event.
func (e *UserSignalErrorEvent) Validate() error {
	if e.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if e.Error == "" {
		return fmt.Errorf("error is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *UserSignalErrorEvent) MarshalJSON() ([]byte, error) {
	type Alias UserSignalErrorEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *UserSignalErrorEvent) UnmarshalJSON(data []byte) error {
	type Alias UserSignalErrorEvent
	return json.Unmarshal(data, (*Alias)(e))
}
