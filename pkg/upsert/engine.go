// Package upsert applies fetched record batches to the store with
// idempotent insert/update/unchanged semantics and change journaling.
package upsert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/danabek/goszakup-ingest/pkg/database"
	"github.com/danabek/goszakup-ingest/pkg/fingerprint"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/payload"
	"github.com/danabek/goszakup-ingest/pkg/tracing"
)

// RecordStore is the storage surface the engine writes records through.
type RecordStore interface {
	GetByNaturalKey(ctx context.Context, entityType models.EntityType, key string) (*models.EntityRecord, error)
	Insert(ctx context.Context, entityType models.EntityType, rec *models.EntityRecord) (int64, error)
	InsertIfAbsent(ctx context.Context, entityType models.EntityType, rec *models.EntityRecord) (int64, bool, error)
	Update(ctx context.Context, entityType models.EntityType, id int64, data []byte, fp string) error
}

// JournalStore appends audit entries for state-changing upserts.
type JournalStore interface {
	Append(ctx context.Context, entry *models.JournalEntry) error
}

// ApplyResult is one batch application: counts plus the journal entries that
// were committed with it, in application order.
type ApplyResult struct {
	models.BatchResult
	Changes []models.JournalEntry
}

// Engine decides insert/update/unchanged per record and commits each batch
// as a single transaction.
type Engine struct {
	db      database.DB
	records RecordStore
	journal JournalStore
	logger  ectologger.Logger
}

// NewEngine creates a new upsert engine.
func NewEngine(db database.DB, records RecordStore, journal JournalStore, logger ectologger.Logger) *Engine {
	return &Engine{
		db:      db,
		records: records,
		journal: journal,
		logger:  logger,
	}
}

// preparedRecord is one batch item that survived validation.
type preparedRecord struct {
	raw         json.RawMessage
	naturalKey  string
	fingerprint string
}

// Apply validates and upserts one batch. Malformed records land in the
// result's Failed list without aborting the rest; the valid remainder
// commits atomically. A failed commit is retried once before the error is
// returned to the caller, which treats it as fatal for the entity type.
func (e *Engine) Apply(ctx context.Context, entityType models.EntityType, batch []json.RawMessage) (*ApplyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "upsert.Engine.Apply")
	defer span.End()

	log := e.logger.WithContext(ctx).WithField("entity_type", entityType.Key)

	result := &ApplyResult{}
	prepared := make([]preparedRecord, 0, len(batch))
	for _, raw := range batch {
		rec, err := e.prepare(entityType, raw)
		if err != nil {
			result.Failed = append(result.Failed, models.RecordFailure{Data: raw, Reason: err.Error()})
			continue
		}
		prepared = append(prepared, rec)
	}

	if len(prepared) > 0 {
		apply := func(ctx context.Context) error {
			return e.applyPrepared(ctx, entityType, prepared, result)
		}

		err := database.WithTx(ctx, e.db, apply)
		if err != nil {
			log.WithError(err).Warn("Batch commit failed, retrying once")
			result.BatchResult = models.BatchResult{Failed: result.Failed}
			result.Changes = nil
			err = database.WithTx(ctx, e.db, apply)
		}
		if err != nil {
			log.WithError(err).Error("Batch commit failed after retry")
			return nil, err
		}
	}

	log.WithFields(map[string]any{
		"batch_size": len(batch),
		"inserted":   result.Inserted,
		"updated":    result.Updated,
		"unchanged":  result.Unchanged,
		"failed":     len(result.Failed),
	}).Info("Applied batch")
	return result, nil
}

// prepare validates one raw payload and computes its natural key and
// fingerprint.
func (e *Engine) prepare(entityType models.EntityType, raw json.RawMessage) (preparedRecord, error) {
	p, err := payload.Parse(raw)
	if err != nil {
		return preparedRecord{}, err
	}

	rec := preparedRecord{
		raw:         raw,
		fingerprint: fingerprint.Generate(p),
	}

	if entityType.HasNaturalKey() {
		field, ok := p.Field(entityType.NaturalKey)
		if !ok || field.IsNull() {
			return preparedRecord{}, fmt.Errorf("payload missing natural key field %q", entityType.NaturalKey)
		}
		key := field.Text()
		if key == "" {
			return preparedRecord{}, fmt.Errorf("payload natural key field %q is empty", entityType.NaturalKey)
		}
		rec.naturalKey = key
	}

	return rec, nil
}

// applyPrepared runs the per-record decisions inside the batch transaction.
// Records apply in batch order; a natural key repeated within the batch
// resolves last-record-wins because each later record sees the earlier
// record's uncommitted write.
func (e *Engine) applyPrepared(ctx context.Context, entityType models.EntityType, prepared []preparedRecord, result *ApplyResult) error {
	for _, rec := range prepared {
		if err := e.applyOne(ctx, entityType, rec, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyOne(ctx context.Context, entityType models.EntityType, rec preparedRecord, result *ApplyResult) error {
	if !entityType.HasNaturalKey() {
		return e.insertReference(ctx, entityType, rec, result)
	}

	existing, err := e.records.GetByNaturalKey(ctx, entityType, rec.naturalKey)
	if err != nil {
		return err
	}

	if existing == nil {
		stored := &models.EntityRecord{
			NaturalKey:  &rec.naturalKey,
			Data:        rec.raw,
			Fingerprint: rec.fingerprint,
		}
		id, err := e.records.Insert(ctx, entityType, stored)
		if err != nil {
			return err
		}
		result.Inserted++
		return e.appendChange(ctx, entityType, id, models.OperationInsert, rec.raw, result)
	}

	if !fingerprint.HasChanged(existing.Fingerprint, rec.fingerprint) {
		result.Unchanged++
		return nil
	}

	if err := e.records.Update(ctx, entityType, existing.ID, rec.raw, rec.fingerprint); err != nil {
		return err
	}
	result.Updated++
	return e.appendChange(ctx, entityType, existing.ID, models.OperationUpdate, rec.raw, result)
}

// insertReference applies the append-only path for types without a natural
// key: a row with an identical payload already present counts as unchanged.
func (e *Engine) insertReference(ctx context.Context, entityType models.EntityType, rec preparedRecord, result *ApplyResult) error {
	stored := &models.EntityRecord{
		Data:        rec.raw,
		Fingerprint: rec.fingerprint,
	}
	id, inserted, err := e.records.InsertIfAbsent(ctx, entityType, stored)
	if err != nil {
		return err
	}
	if !inserted {
		result.Unchanged++
		return nil
	}
	result.Inserted++
	return e.appendChange(ctx, entityType, id, models.OperationInsert, rec.raw, result)
}

func (e *Engine) appendChange(ctx context.Context, entityType models.EntityType, recordID int64, operation string, data json.RawMessage, result *ApplyResult) error {
	entry := models.JournalEntry{
		EntityType: entityType.Key,
		RecordID:   recordID,
		Operation:  operation,
		Data:       data,
	}
	if err := e.journal.Append(ctx, &entry); err != nil {
		return err
	}
	result.Changes = append(result.Changes, entry)
	return nil
}
