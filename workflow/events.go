package workflow

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

// eventSource identifies this publisher in the message envelope.
const eventSource = "semflow"

// EventPublisher emits workflow lifecycle events on their typed subjects.
// A nil publisher is safe to call and publishes nothing, so the engine can
// run without a NATS connection in tests.
type EventPublisher struct {
	nc     *natsclient.Client
	logger *slog.Logger
}

// NewEventPublisher creates a publisher over an established client.
func NewEventPublisher(nc *natsclient.Client, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{nc: nc, logger: logger}
}

// publish wraps the payload in a base message and publishes it. Publish
// failures are logged, never propagated: lifecycle events are
// observability, not control flow.
func (p *EventPublisher) publish(ctx context.Context, subject string, payload message.Payload) {
	if p == nil || p.nc == nil {
		return
	}

	baseMsg := message.NewBaseMessage(payload.Schema(), payload, eventSource)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		p.logger.Warn("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(ctx, subject, data); err != nil {
		p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

// StepCompleted emits a step completion event.
func (p *EventPublisher) StepCompleted(ctx context.Context, event StepCompletedEvent) {
	p.publish(ctx, StepCompleted.Pattern, &event)
}

// RetryScheduled emits a retry grant event.
func (p *EventPublisher) RetryScheduled(ctx context.Context, event RetryScheduledEvent) {
	p.publish(ctx, RetryScheduled.Pattern, &event)
}

// RecordCompleted emits a record completion event.
func (p *EventPublisher) RecordCompleted(ctx context.Context, event RecordCompletedEvent) {
	p.publish(ctx, RecordCompleted.Pattern, &event)
}

// RecordFailed emits a record failure event.
func (p *EventPublisher) RecordFailed(ctx context.Context, event RecordFailedEvent) {
	p.publish(ctx, RecordFailed.Pattern, &event)
}

// Escalate emits a user escalation signal.
func (p *EventPublisher) Escalate(ctx context.Context, event EscalationEvent) {
	p.publish(ctx, UserEscalation.Pattern, &event)
}

// SignalError emits a user error signal for persistence-layer failures.
func (p *EventPublisher) SignalError(ctx context.Context, event UserSignalErrorEvent) {
	p.publish(ctx, UserSignalError.Pattern, &event)
}
