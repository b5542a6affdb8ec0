// Package events handles event emission for committed record changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/danabek/goszakup-ingest/pkg/kafka"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/tracing"
)

// Emitter publishes record lifecycle events. A nil producer disables
// emission, so the pipeline works without a broker.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitBatch publishes events for every state-changing upsert in a committed
// batch. Emission happens after commit; a publish failure is logged but does
// not fail the batch, since storage is the source of truth.
func (e *Emitter) EmitBatch(ctx context.Context, entityType models.EntityType, changes []models.JournalEntry) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitBatch")
	defer span.End()

	if e.producer == nil || len(changes) == 0 {
		return
	}

	records := make([]*kafka.RecordEvent, 0, len(changes))
	for _, change := range changes {
		eventType := "record.updated"
		if change.Operation == models.OperationInsert {
			eventType = "record.inserted"
		}
		records = append(records, &kafka.RecordEvent{
			EventType:  eventType,
			EntityType: change.EntityType,
			RecordID:   change.RecordID,
			Data:       json.RawMessage(change.Data),
		})
	}

	if err := e.producer.PublishRecordEvents(ctx, records); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key}).Error("Failed to emit record events")
	}
}
