// Package storage provides the append-only audit log for workflow
// decisions: protocol selections, downstream catches, retries, and
// finalizations. The log is written for post-hoc debugging and is never
// read by the control logic itself.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// AuditStream is the JetStream stream backing the audit log.
const AuditStream = "SEMFLOW_AUDIT"

// auditSubjectPrefix scopes audit subjects: audit.{record_id}.{kind}.
const auditSubjectPrefix = "audit."

// EventKind classifies an audit event.
type EventKind string

const (
	// KindProtocolSelection logs a selector decision.
	KindProtocolSelection EventKind = "protocol_selection"

	// KindProtocolGap logs a downstream catch finding.
	KindProtocolGap EventKind = "protocol_gap"

	// KindRetry logs a retry grant or denial.
	KindRetry EventKind = "retry"

	// KindEscalation logs a surfaced need for manual intervention.
	KindEscalation EventKind = "escalation"

	// KindFinalize logs a terminal transition.
	KindFinalize EventKind = "finalize"
)

// IsValid checks if the kind is a known value.
func (k EventKind) IsValid() bool {
	switch k {
	case KindProtocolSelection, KindProtocolGap, KindRetry, KindEscalation, KindFinalize:
		return true
	}
	return false
}

// Event is one audit log entry.
type Event struct {
	// ID uniquely identifies the event (format: ae-{uuid}).
	ID string `json:"id"`

	// RecordID is the task record the event belongs to.
	RecordID string `json:"record_id"`

	// Kind classifies the event.
	Kind EventKind `json:"kind"`

	// Step is the step name the event relates to, if any.
	Step string `json:"step,omitempty"`

	// Detail is a human-readable summary.
	Detail string `json:"detail"`

	// Data carries structured context (selection lists, findings).
	Data json.RawMessage `json:"data,omitempty"`

	// At is when the event occurred.
	At time.Time `json:"at"`
}

// AuditLog appends workflow events to a JetStream stream keyed by record id.
type AuditLog struct {
	nc     *natsclient.Client
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewAuditLog creates the audit log, creating the stream if needed.
func NewAuditLog(nc *natsclient.Client, logger *slog.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
		Name:        AuditStream,
		Description: "Append-only workflow audit trail",
		Subjects:    []string{auditSubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update audit stream: %w", err)
	}

	return &AuditLog{nc: nc, js: js, logger: logger}, nil
}

// Append writes one event. The event ID and timestamp are filled in when
// absent. Append failures are returned but callers treat the log as best
// effort; a lost audit entry never fails the workflow.
func (a *AuditLog) Append(ctx context.Context, event Event) error {
	if event.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if !event.Kind.IsValid() {
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("ae-%s", uuid.New().String()[:8])
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	subject := fmt.Sprintf("%s%s.%s", auditSubjectPrefix, event.RecordID, event.Kind)
	if _, err := a.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}

	a.logger.Debug("Appended audit event",
		"record_id", event.RecordID,
		"kind", string(event.Kind),
		"step", event.Step)
	return nil
}

// List returns the events for one record in append order.
func (a *AuditLog) List(ctx context.Context, recordID string) ([]Event, error) {
	consumer, err := a.js.OrderedConsumer(ctx, AuditStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{auditSubjectPrefix + recordID + ".>"},
	})
	if err != nil {
		return nil, fmt.Errorf("create audit consumer: %w", err)
	}

	var events []Event
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch, err := consumer.Fetch(100, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return events, nil
			}
			return nil, fmt.Errorf("fetch audit events: %w", err)
		}

		count := 0
		for msg := range batch.Messages() {
			count++
			var event Event
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				a.logger.Warn("Skipping undecodable audit event", "error", err)
				continue
			}
			events = append(events, event)
		}
		if batch.Error() != nil {
			return nil, fmt.Errorf("fetch audit events: %w", batch.Error())
		}
		if count == 0 {
			return events, nil
		}
	}
}
