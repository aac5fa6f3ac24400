package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/progress"
)

// Publisher pushes analytics payloads to a topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Analytics event names.
const (
	EventConversionComplete  = "conversion_complete"
	EventConversionError     = "conversion_error"
	EventConversionExhausted = "conversion_exhausted"
)

// AnalyticsSink publishes one record per job outcome: completion, terminal
// failure, and refused restarts. Progress ticks and transient errors are not
// published.
type AnalyticsSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewAnalyticsSink builds a sink that publishes to topic.
func NewAnalyticsSink(publisher Publisher, topic string, logger *zap.Logger) *AnalyticsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyticsSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes outcome events and stops at the first publish error.
func (s *AnalyticsSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	for _, evt := range batch {
		payload, ok := analyticsPayload(evt)
		if !ok {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, payload)
		if err != nil {
			return fmt.Errorf("publish %s: %w", payload["event"], err)
		}
		s.logger.Debug("analytics event published",
			zap.String("message_id", id),
			zap.String("job_id", evt.JobID),
			zap.Any("event", payload["event"]),
		)
	}
	return nil
}

func analyticsPayload(evt progress.Event) (map[string]any, bool) {
	payload := map[string]any{
		"job_id":    evt.JobID,
		"source":    string(evt.Source),
		"attempt":   evt.Attempt,
		"timestamp": evt.TS.UTC().Format(time.RFC3339),
	}
	switch {
	case evt.Kind == progress.KindComplete:
		payload["event"] = EventConversionComplete
		payload["duration_seconds"] = int64(evt.Elapsed.Round(time.Second).Seconds())
	case evt.Kind == progress.KindError && evt.Failure != nil && evt.Failure.Exhausted:
		payload["event"] = EventConversionExhausted
	case evt.Kind == progress.KindError && evt.Failure != nil && !evt.Failure.Transient:
		payload["event"] = EventConversionError
		payload["error_message"] = evt.Failure.Message
	default:
		return nil, false
	}
	return payload, true
}

// Name labels the sink in hub logs and metrics.
func (s *AnalyticsSink) Name() string { return "analytics" }

// Close implements the Sink interface; it performs no action.
func (s *AnalyticsSink) Close(context.Context) error {
	return nil
}
