package cursor

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

const cursorTable = "ingest_cursors"
const cursorColumns = "entity_type, next_cursor, page_no, last_run_at, updated_at"

// Repository persists per-entity-type fetch cursors. The coordinator saves a
// cursor only after the batch behind it has committed, so a restart resumes
// from the last durable page.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new cursor repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the cursor for one entity type. Returns nil without error
// when the type has never completed a page.
func (r *Repository) Get(ctx context.Context, entityType string) (*models.IngestCursor, error) {
	ctx, span := tracing.StartSpan(ctx, "cursor.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(cursorColumns)
	sb.From(cursorTable)
	sb.Where(sb.Equal("entity_type", entityType))

	query, args := sb.Build()
	var c models.IngestCursor
	if err := r.db.GetContext(ctx, &c, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType}).Error("Failed to get cursor")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get cursor")
	}
	return &c, nil
}

// Save upserts the cursor for one entity type.
func (r *Repository) Save(ctx context.Context, c *models.IngestCursor) error {
	ctx, span := tracing.StartSpan(ctx, "cursor.Repository.Save")
	defer span.End()

	c.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO ingest_cursors (entity_type, next_cursor, page_no, last_run_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type)
		DO UPDATE SET
			next_cursor = EXCLUDED.next_cursor,
			page_no = EXCLUDED.page_no,
			last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.ExecContext(ctx, query, c.EntityType, c.Cursor, c.PageNo, c.LastRunAt, c.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": c.EntityType, "page_no": c.PageNo}).Error("Failed to save cursor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save cursor")
	}
	return nil
}

// Reset deletes the cursor for one entity type, forcing the next incremental
// run to start from the beginning.
func (r *Repository) Reset(ctx context.Context, entityType string) error {
	ctx, span := tracing.StartSpan(ctx, "cursor.Repository.Reset")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(cursorTable)
	db.Where(db.Equal("entity_type", entityType))

	query, args := db.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType}).Error("Failed to reset cursor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset cursor")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": entityType}).Info("Reset cursor")
	return nil
}

// ListAll retrieves every stored cursor.
func (r *Repository) ListAll(ctx context.Context) ([]models.IngestCursor, error) {
	ctx, span := tracing.StartSpan(ctx, "cursor.Repository.ListAll")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(cursorColumns)
	sb.From(cursorTable)
	sb.OrderBy("entity_type")

	query, args := sb.Build()
	var cursors []models.IngestCursor
	if err := r.db.SelectContext(ctx, &cursors, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list cursors")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list cursors")
	}
	return cursors, nil
}
