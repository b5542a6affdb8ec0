package record

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/danabek/goszakup-ingest/pkg/database"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/tracing"
)

const recordColumns = "id, natural_key, data, fingerprint, created_at, updated_at"

// Repository persists entity records. Every entity type has its own table
// with the same shape; the entity type's key names the table.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByNaturalKey retrieves a record by its business identifier. Returns nil
// without error when no record exists.
func (r *Repository) GetByNaturalKey(ctx context.Context, entityType models.EntityType, key string) (*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.GetByNaturalKey")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From(entityType.Key)
	sb.Where(sb.Equal("natural_key", key))
	sb.Limit(1)

	query, args := sb.Build()
	var rec models.EntityRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key, "natural_key": key}).Error("Failed to get record by natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}
	return &rec, nil
}

// Get retrieves a record by its surrogate key.
func (r *Repository) Get(ctx context.Context, entityType models.EntityType, id int64) (*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From(entityType.Key)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var rec models.EntityRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "record %d not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key, "id": id}).Error("Failed to get record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}
	return &rec, nil
}

// Insert stores a new record and returns its assigned surrogate key.
func (r *Repository) Insert(ctx context.Context, entityType models.EntityType, rec *models.EntityRecord) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Insert")
	defer span.End()

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(entityType.Key)
	ib.Cols("natural_key", "data", "fingerprint", "created_at", "updated_at")
	ib.Values(rec.NaturalKey, rec.Data, rec.Fingerprint, rec.CreatedAt, rec.UpdatedAt)

	query, args := ib.Build()
	query += " RETURNING id"

	var id int64
	if err := r.db.GetContext(ctx, &id, query, args...); err != nil {
		if isUniqueViolation(err) {
			return 0, httperror.NewHTTPErrorf(http.StatusConflict, "record with natural key %q already exists", derefKey(rec.NaturalKey))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key}).Error("Failed to insert record")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert record")
	}

	rec.ID = id
	return id, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func derefKey(key *string) string {
	if key == nil {
		return ""
	}
	return *key
}

// InsertIfAbsent stores a record unless an identical one (same fingerprint)
// already exists. Used for reference tables, which carry no natural key and
// are refreshed wholesale. Returns (0, false, nil) when the row was already
// present.
func (r *Repository) InsertIfAbsent(ctx context.Context, entityType models.EntityType, rec *models.EntityRecord) (int64, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.InsertIfAbsent")
	defer span.End()

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(entityType.Key)
	ib.Cols("natural_key", "data", "fingerprint", "created_at", "updated_at")
	ib.Values(rec.NaturalKey, rec.Data, rec.Fingerprint, rec.CreatedAt, rec.UpdatedAt)

	query, args := ib.Build()
	query += " ON CONFLICT (fingerprint) DO NOTHING RETURNING id"

	var id int64
	if err := r.db.GetContext(ctx, &id, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return 0, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key}).Error("Failed to insert reference record")
		return 0, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert record")
	}

	rec.ID = id
	return id, true, nil
}

// Update replaces a record's payload in place and bumps updated_at. The
// surrogate key and created_at are preserved.
func (r *Repository) Update(ctx context.Context, entityType models.EntityType, id int64, data []byte, fp string) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Update")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(entityType.Key)
	ub.Set(ub.Assign("data", data), ub.Assign("fingerprint", fp), ub.Assign("updated_at", now))
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key, "id": id}).Error("Failed to update record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "record %d not found", id)
	}
	return nil
}

// Count returns the number of stored records for one entity type.
func (r *Repository) Count(ctx context.Context, entityType models.EntityType) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Count")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(entityType.Key)

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key}).Error("Failed to count records")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count records")
	}
	return count, nil
}

// List retrieves records for one entity type with pagination, newest first.
func (r *Repository) List(ctx context.Context, entityType models.EntityType, page, pageSize int) ([]models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From(entityType.Key)
	sb.OrderBy("updated_at DESC")
	sb.Limit(pageSize).Offset((page - 1) * pageSize)

	query, args := sb.Build()
	var records []models.EntityRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType.Key, "page": page, "page_size": pageSize}).Error("Failed to list records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list records")
	}
	return records, nil
}
