package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/logx"
	"content-pipeline/shared/metricsx"
)

// Wire field names shared with the subscriber.
const (
	fieldType          = "type"
	fieldSource        = "source"
	fieldCorrelationID = "correlation_id"
	fieldTimestamp     = "timestamp"
	fieldPayload       = "payload"
)

// Publisher appends events to the shared log. One instance per process;
// stateless beyond the log handle.
type Publisher struct {
	log    eventlog.Log
	source string
	logger logx.Logger
}

func NewPublisher(log eventlog.Log, source string, logger logx.Logger) (*Publisher, error) {
	if log == nil {
		return nil, errors.New("event log not initialized")
	}
	if source == "" {
		return nil, errors.New("publisher source is required")
	}
	return &Publisher{log: log, source: source, logger: logger}, nil
}

// Publish appends one event and returns the log-assigned entry id.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any, correlationID string) (string, error) {
	env, err := events.NewEnvelope(eventType, p.source, correlationID, payload)
	if err != nil {
		metricsx.IncEventPublishFailure(eventType)
		return "", err
	}

	ctx, span := otel.Tracer("eventbus").Start(ctx, "eventlog.append")
	span.SetAttributes(
		attribute.String("messaging.system", "redis-stream"),
		attribute.String("event.type", eventType),
	)
	defer span.End()

	entryID, err := p.log.Append(ctx, map[string]string{
		fieldType:          env.Type,
		fieldSource:        env.Source,
		fieldCorrelationID: env.CorrelationID,
		fieldTimestamp:     env.Timestamp.Format(time.RFC3339Nano),
		fieldPayload:       string(env.Payload),
	})
	if err != nil {
		metricsx.IncEventPublishFailure(eventType)
		return "", err
	}
	metricsx.IncEventPublished(eventType)
	return entryID, nil
}

// TryPublish is the soft-failure path used on primary request flows: a log
// outage must never block the caller, so failures are logged and swallowed.
// Returns the entry id, or "" when the publish was dropped.
func (p *Publisher) TryPublish(ctx context.Context, eventType string, payload any, correlationID string) string {
	entryID, err := p.Publish(ctx, eventType, payload, correlationID)
	if err != nil {
		p.logger.Warn(ctx, "event_publish_dropped", "event publish failed, continuing without it",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return entryID
}
