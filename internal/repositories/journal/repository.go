package journal

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/danabek/goszakup-ingest/pkg/database"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/tracing"
)

const journalTable = "ingest_journal"
const journalColumns = "id, entity_type, record_id, operation, data, created_at"

// Repository appends and reads the change journal. Entries are immutable;
// there is no update or delete path.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new journal repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append writes one journal entry. Called inside the batch transaction so
// the entry commits together with the record change it describes.
func (r *Repository) Append(ctx context.Context, entry *models.JournalEntry) error {
	ctx, span := tracing.StartSpan(ctx, "journal.Repository.Append")
	defer span.End()

	entry.CreatedAt = time.Now().UTC()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(journalTable)
	ib.Cols("entity_type", "record_id", "operation", "data", "created_at")
	ib.Values(entry.EntityType, entry.RecordID, entry.Operation, entry.Data, entry.CreatedAt)

	query, args := ib.Build()
	query += " RETURNING id"

	var id int64
	if err := r.db.GetContext(ctx, &id, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entry.EntityType, "record_id": entry.RecordID, "operation": entry.Operation}).Error("Failed to append journal entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append journal entry")
	}

	entry.ID = id
	return nil
}

// CountByOperation returns insert/update entry counts for one entity type.
func (r *Repository) CountByOperation(ctx context.Context, entityType string) (map[string]int, error) {
	ctx, span := tracing.StartSpan(ctx, "journal.Repository.CountByOperation")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("operation", "COUNT(*) AS count")
	sb.From(journalTable)
	sb.Where(sb.Equal("entity_type", entityType))
	sb.GroupBy("operation")

	query, args := sb.Build()
	var rows []struct {
		Operation string `db:"operation"`
		Count     int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType}).Error("Failed to count journal entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count journal entries")
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Operation] = row.Count
	}
	return counts, nil
}

// ListRecent retrieves journal entries, newest first, optionally filtered by
// entity type.
func (r *Repository) ListRecent(ctx context.Context, entityType *string, limit int) ([]models.JournalEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "journal.Repository.ListRecent")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(journalColumns)
	sb.From(journalTable)
	if entityType != nil {
		sb.Where(sb.Equal("entity_type", *entityType))
	}
	sb.OrderBy("id DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var entries []models.JournalEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType, "limit": limit}).Error("Failed to list journal entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list journal entries")
	}
	return entries, nil
}
