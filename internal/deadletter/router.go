// Package deadletter publishes events whose downstream processing failed,
// together with the failure reason, to the dead-letter topic.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"basegraph.app/triage/common/clock"
	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/internal/broker"
	"basegraph.app/triage/internal/domain"
)

const unknownProject = "unknown"

type Router struct {
	publisher broker.Publisher
	topic     string
	clock     clock.Clock
}

func NewRouter(publisher broker.Publisher, topic string, clk clock.Clock) *Router {
	return &Router{publisher: publisher, topic: topic, clock: clk}
}

// Send publishes one DLQRecord for event. The returned error is only for
// logging; there is no retry beyond this record.
func (r *Router) Send(ctx context.Context, event domain.Event, errMsg string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "triage.deadletter.router",
		Topic:     r.topic,
	})

	record := NewRecord(event, errMsg, r.clock)

	key := event.ProjectID
	if key == "" {
		key = unknownProject
	}

	if err := r.publisher.Publish(ctx, r.topic, key, record); err != nil {
		slog.ErrorContext(ctx, "failed to send event to DLQ", "error", err, "reason", errMsg)
		return fmt.Errorf("dlq publish: %w", err)
	}

	slog.WarnContext(ctx, "event sent to DLQ", "reason", errMsg)
	return nil
}

// NewRecord builds the DLQ payload with the clock's current epoch seconds.
func NewRecord(event domain.Event, errMsg string, clk clock.Clock) domain.DLQRecord {
	now := clk.Now()
	return domain.DLQRecord{
		OriginalEvent: event,
		Error:         errMsg,
		Timestamp:     float64(now.UnixNano()) / 1e9,
	}
}
