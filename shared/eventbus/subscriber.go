package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"content-pipeline/shared/eventlog"
	"content-pipeline/shared/events"
	"content-pipeline/shared/logx"
	"content-pipeline/shared/metricsx"
)

// Handler processes one decoded event. A returned error is logged and
// counted but does not prevent acknowledgment: inline processing is
// at-most-once, and work that must survive failure goes through a Job.
type Handler func(ctx context.Context, env events.Envelope) error

type SubscriberOptions struct {
	Group          string
	Consumer       string
	BatchSize      int64
	Block          time.Duration
	RetryDelay     time.Duration
	ReclaimMinIdle time.Duration
}

// Subscriber reads its group's share of new log entries and dispatches them
// to registered handlers. One group per logical subscriber; instances of the
// same service share the group and compete for entries.
type Subscriber struct {
	log      eventlog.Log
	opts     SubscriberOptions
	logger   logx.Logger
	handlers map[string]Handler
}

func NewSubscriber(log eventlog.Log, opts SubscriberOptions, logger logx.Logger) (*Subscriber, error) {
	if log == nil {
		return nil, errors.New("event log not initialized")
	}
	if strings.TrimSpace(opts.Group) == "" {
		return nil, errors.New("consumer group is required")
	}
	if strings.TrimSpace(opts.Consumer) == "" {
		return nil, errors.New("consumer name is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Subscriber{
		log:      log,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Register binds a handler to an event type. Must be called before Run.
func (s *Subscriber) Register(eventType string, h Handler) {
	s.handlers[eventType] = h
}

// Run blocks until ctx is canceled. Transport errors back off and retry;
// the loop never exits on its own.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.log.EnsureGroup(ctx, s.opts.Group); err != nil {
		return err
	}

	// Pick up entries a crashed predecessor left pending, batch by batch
	// until none remain.
	if s.opts.ReclaimMinIdle > 0 {
		for {
			reclaimed, err := s.log.Reclaim(ctx, s.opts.Group, s.opts.Consumer, s.opts.ReclaimMinIdle, s.opts.BatchSize)
			if err != nil {
				s.logger.Warn(ctx, "reclaim_failed", "startup reclaim failed",
					slog.String("group", s.opts.Group),
					slog.String("error", err.Error()),
				)
				break
			}
			if len(reclaimed) == 0 {
				break
			}
			metricsx.AddReclaimedEntries(s.opts.Group, len(reclaimed))
			s.logger.Info(ctx, "entries_reclaimed", "reclaimed stale pending entries",
				slog.String("group", s.opts.Group),
				slog.Int("count", len(reclaimed)),
			)
			s.handleBatch(ctx, reclaimed)
		}
	}

	s.logger.Info(ctx, "subscriber_start", "subscriber started",
		slog.String("group", s.opts.Group),
		slog.String("consumer", s.opts.Consumer),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := s.log.ReadGroup(ctx, s.opts.Group, s.opts.Consumer, s.opts.BatchSize, s.opts.Block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.logger.Error(ctx, "log_read_failed", "failed to read from event log",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("group", s.opts.Group),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.opts.RetryDelay):
			}
			continue
		}
		s.handleBatch(ctx, entries)
	}
}

func (s *Subscriber) handleBatch(ctx context.Context, entries []eventlog.Entry) {
	for _, entry := range entries {
		s.dispatch(ctx, entry)
		// Ack regardless of handler outcome: a failing handler does not
		// cause redelivery, and handler retry lives in the Job layer.
		if err := s.log.Ack(ctx, s.opts.Group, entry.ID); err != nil {
			s.logger.Error(ctx, "log_ack_failed", "failed to ack entry",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("entry_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, entry eventlog.Entry) {
	env, ok := parseEntry(entry)
	if !ok {
		// Malformed entries are expected as the schema evolves; ack and
		// move on rather than poisoning the loop.
		s.logger.Warn(ctx, "entry_unparseable", "skipping malformed log entry",
			slog.String("entry_id", entry.ID),
		)
		return
	}

	handler, registered := s.handlers[env.Type]
	if !registered {
		metricsx.IncUnknownEvent(s.opts.Group)
		return
	}

	ctx, span := otel.Tracer("eventbus").Start(ctx, "eventlog.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "redis-stream"),
		attribute.String("event.type", env.Type),
		attribute.String("messaging.consumer.group.name", s.opts.Group),
	)
	defer span.End()

	metricsx.IncEventConsumed(s.opts.Group, env.Type)
	if err := handler(ctx, env); err != nil {
		metricsx.IncHandlerFailure(s.opts.Group, env.Type)
		s.logger.Error(ctx, "event_handle_failed", "handler failed, entry acknowledged anyway",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_type", env.Type),
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}

func parseEntry(entry eventlog.Entry) (events.Envelope, bool) {
	eventType := strings.TrimSpace(entry.Fields[fieldType])
	if eventType == "" {
		return events.Envelope{}, false
	}
	env := events.Envelope{
		Type:          eventType,
		Source:        entry.Fields[fieldSource],
		CorrelationID: entry.Fields[fieldCorrelationID],
		Payload:       []byte(entry.Fields[fieldPayload]),
	}
	if raw := entry.Fields[fieldTimestamp]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			env.Timestamp = ts
		}
	}
	return env, true
}
