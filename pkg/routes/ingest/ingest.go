// Package ingest exposes the pipeline's operational HTTP surface: starting
// and inspecting runs, record counts, and the change journal.
package ingest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/pipeline"
)

// Handler serves the ingestion API.
type Handler struct {
	coordinator *pipeline.Coordinator
	counts      CountsReader
	journal     JournalReader
	registry    *models.Registry
	validate    *validator.Validate
	logger      ectologger.Logger
}

// CountsReader reads stored record counts.
type CountsReader interface {
	Count(ctx context.Context, entityType models.EntityType) (int, error)
}

// JournalReader reads recent journal entries.
type JournalReader interface {
	ListRecent(ctx context.Context, entityType *string, limit int) ([]models.JournalEntry, error)
}

// NewHandler creates a new ingestion API handler.
func NewHandler(coordinator *pipeline.Coordinator, counts CountsReader, journal JournalReader, registry *models.Registry, logger ectologger.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		counts:      counts,
		journal:     journal,
		registry:    registry,
		validate:    validator.New(),
		logger:      logger,
	}
}

// StartRunRequest is the POST /runs payload.
type StartRunRequest struct {
	Mode        string   `json:"mode" validate:"required,oneof=full incremental"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

// StartRun launches a background pipeline run and returns 202 with its ID.
func (h *Handler) StartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid request: %v", err)
	}

	report, err := h.coordinator.StartRun(models.RunMode(req.Mode), req.EntityTypes)
	if err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "failed to start run: %v", err)
	}

	return c.JSON(http.StatusAccepted, report)
}

// GetRun returns the current report for one run.
func (h *Handler) GetRun(c echo.Context) error {
	id := c.Param("id")
	report, ok := h.coordinator.GetRun(id)
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "run %s not found", id)
	}
	return c.JSON(http.StatusOK, report)
}

// ListRuns returns all tracked runs.
func (h *Handler) ListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, h.coordinator.ListRuns())
}

// CancelRun requests cancellation of a running run.
func (h *Handler) CancelRun(c echo.Context) error {
	id := c.Param("id")
	if err := h.coordinator.CancelRun(id); err != nil {
		return httperror.NewHTTPErrorf(http.StatusConflict, "%v", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Counts returns the stored record count per entity type.
func (h *Handler) Counts(c echo.Context) error {
	counts := make(map[string]int)
	for _, et := range h.registry.All() {
		count, err := h.counts.Count(c.Request().Context(), et)
		if err != nil {
			return err
		}
		counts[et.Key] = count
	}
	return c.JSON(http.StatusOK, counts)
}

// Journal returns recent journal entries, optionally filtered by entity
// type.
func (h *Handler) Journal(c echo.Context) error {
	var entityType *string
	if key := c.QueryParam("entity_type"); key != "" {
		if _, err := h.registry.Get(key); err != nil {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "%v", err)
		}
		entityType = &key
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	entries, err := h.journal.ListRecent(c.Request().Context(), entityType, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// RegisterRoutes registers ingestion routes under /api/v1/ingest.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	group := e.Group("/api/v1/ingest")

	group.POST("/runs", h.StartRun)
	group.GET("/runs", h.ListRuns)
	group.GET("/runs/:id", h.GetRun)
	group.DELETE("/runs/:id", h.CancelRun)
	group.GET("/counts", h.Counts)
	group.GET("/journal", h.Journal)
}
