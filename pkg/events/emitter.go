package events

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Publisher delivers an encoded event. *kafka.Producer and *LocalBus implement it.
type Publisher interface {
	Publish(ctx context.Context, key string, headers map[string]string, value any) error
}

// Handler reacts to a SyncCompleted event
type Handler func(ctx context.Context, evt SyncCompleted) error

// Emitter handles event emission for sync runs
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

// EmitSyncCompleted publishes the terminal state of run
func (e *Emitter) EmitSyncCompleted(ctx context.Context, run *models.SyncRun) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitSyncCompleted")
	defer span.End()

	evt := NewSyncCompleted(run)
	headers := map[string]string{
		"type":           evt.Type,
		"workspace_id":   evt.WorkspaceID.String(),
		"integration_id": evt.IntegrationID.String(),
		"run_id":         evt.RunID.String(),
	}

	if err := e.publisher.Publish(ctx, evt.Key(), headers, evt); err != nil {
		metrics.EventsPublished.WithLabelValues(evt.Type, "error").Inc()
		e.logger.WithContext(ctx).WithError(err).WithField("run_id", evt.RunID).Error("Failed to emit sync.completed event")
		return err
	}

	metrics.EventsPublished.WithLabelValues(evt.Type, "ok").Inc()
	return nil
}

// KafkaHandler adapts handler to consumed Kafka messages. Messages of other types are ignored.
func KafkaHandler(handler Handler) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		if t, ok := msg.Headers["type"]; ok && t != TypeSyncCompleted {
			return nil
		}
		var evt SyncCompleted
		if err := msg.Decode(&evt); err != nil {
			// a poison message must not block the partition
			return nil
		}
		if evt.Type != TypeSyncCompleted {
			return nil
		}
		if err := handler(ctx, evt); err != nil {
			return fmt.Errorf("handle %s %s: %w", evt.Type, evt.RunID, err)
		}
		return nil
	}
}
