// Package pipeline coordinates ingestion runs: fetching pages per entity
// type, applying them through the upsert engine, and tracking cursors and
// run state.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/danabek/goszakup-ingest/pkg/appcontext"
	"github.com/danabek/goszakup-ingest/pkg/events"
	"github.com/danabek/goszakup-ingest/pkg/goszakup"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/tracing"
	"github.com/danabek/goszakup-ingest/pkg/upsert"
)

// Fetcher produces pages of raw records per entity type.
type Fetcher interface {
	FetchPage(ctx context.Context, entityType models.EntityType, cursor string) (*goszakup.Page, error)
}

// Applier commits one batch of raw records.
type Applier interface {
	Apply(ctx context.Context, entityType models.EntityType, batch []json.RawMessage) (*upsert.ApplyResult, error)
}

// CursorStore persists per-entity-type fetch progress.
type CursorStore interface {
	Get(ctx context.Context, entityType string) (*models.IngestCursor, error)
	Save(ctx context.Context, c *models.IngestCursor) error
	Reset(ctx context.Context, entityType string) error
}

// Config holds coordinator settings.
type Config struct {
	WorkerCount int
}

// maxTrackedRuns bounds the in-memory run registry. Once exceeded, the
// oldest finished runs are dropped; running ones are never pruned.
const maxTrackedRuns = 50

// Coordinator drives pipeline runs. Entity types are processed concurrently
// by a bounded worker pool; each type walks its own
// fetching/upserting state machine and fails independently of the others.
type Coordinator struct {
	fetcher  Fetcher
	applier  Applier
	cursors  CursorStore
	emitter  *events.Emitter
	registry *models.Registry
	logger   ectologger.Logger
	config   Config

	mu      sync.Mutex
	runs    map[string]*models.RunReport
	cancels map[string]context.CancelFunc
}

// NewCoordinator creates a new pipeline coordinator.
func NewCoordinator(fetcher Fetcher, applier Applier, cursors CursorStore, emitter *events.Emitter, registry *models.Registry, cfg Config, logger ectologger.Logger) *Coordinator {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 4
	}
	return &Coordinator{
		fetcher:  fetcher,
		applier:  applier,
		cursors:  cursors,
		emitter:  emitter,
		registry: registry,
		logger:   logger,
		config:   cfg,
		runs:     make(map[string]*models.RunReport),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run executes a pipeline run synchronously and returns its final report.
func (c *Coordinator) Run(ctx context.Context, mode models.RunMode, keys []string) (*models.RunReport, error) {
	report, err := c.newRun(mode, keys)
	if err != nil {
		return nil, err
	}
	c.execute(ctx, report.ID)
	report, _ = c.GetRun(report.ID)
	if report.Status == models.RunStatusFailed {
		return report, fmt.Errorf("run %s finished with failures", report.ID)
	}
	return report, nil
}

// StartRun launches a pipeline run in the background and returns its initial
// report. Progress is tracked in memory and queried by run ID.
func (c *Coordinator) StartRun(mode models.RunMode, keys []string) (*models.RunReport, error) {
	report, err := c.newRun(mode, keys)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = appcontext.SetRunID(runCtx, report.ID)

	c.mu.Lock()
	c.cancels[report.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		c.execute(runCtx, report.ID)
		c.mu.Lock()
		delete(c.cancels, report.ID)
		c.mu.Unlock()
	}()

	return report, nil
}

// CancelRun requests cancellation of a running run. In-flight batches finish
// committing; the run stops at the next batch boundary, so cursors stay
// consistent with committed state.
func (c *Coordinator) CancelRun(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancels[id]
	if !ok {
		return fmt.Errorf("run %s is not running", id)
	}
	cancel()
	return nil
}

// GetRun returns a snapshot of a run's report.
func (c *Coordinator) GetRun(id string) (*models.RunReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, ok := c.runs[id]
	if !ok {
		return nil, false
	}
	snapshot := *report
	snapshot.EntityTypes = make([]models.EntityRunReport, len(report.EntityTypes))
	copy(snapshot.EntityTypes, report.EntityTypes)
	return &snapshot, true
}

// ListRuns returns snapshots of all tracked runs.
func (c *Coordinator) ListRuns() []*models.RunReport {
	c.mu.Lock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]*models.RunReport, 0, len(ids))
	for _, id := range ids {
		if report, ok := c.GetRun(id); ok {
			out = append(out, report)
		}
	}
	return out
}

func (c *Coordinator) newRun(mode models.RunMode, keys []string) (*models.RunReport, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid run mode %q", mode)
	}
	entityTypes, err := c.registry.Resolve(keys)
	if err != nil {
		return nil, err
	}

	report := &models.RunReport{
		ID:        uuid.New().String(),
		Mode:      mode,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	for _, et := range entityTypes {
		report.EntityTypes = append(report.EntityTypes, models.EntityRunReport{
			EntityType: et.Key,
			State:      models.EntityStateIdle,
		})
	}

	c.mu.Lock()
	c.runs[report.ID] = report
	c.mu.Unlock()

	snapshot := *report
	snapshot.EntityTypes = append([]models.EntityRunReport(nil), report.EntityTypes...)
	return &snapshot, nil
}

// execute runs the worker pool over the run's entity types and settles the
// final run status.
func (c *Coordinator) execute(ctx context.Context, runID string) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.execute")
	defer span.End()

	c.mu.Lock()
	report := c.runs[runID]
	mode := report.Mode
	entityKeys := make([]string, len(report.EntityTypes))
	for i, et := range report.EntityTypes {
		entityKeys[i] = et.EntityType
	}
	c.mu.Unlock()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{"run_id": runID, "mode": mode})
	log.WithField("entity_types", len(entityKeys)).Info("Starting pipeline run")

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.config.WorkerCount)
	var errMu sync.Mutex
	var runErr *multierror.Error

	for i, key := range entityKeys {
		wg.Add(1)
		go func(slot int, key string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			et, err := c.registry.Get(key)
			if err == nil {
				err = c.runEntityType(ctx, runID, slot, mode, et)
			}
			if err != nil {
				c.setEntityFailed(runID, slot, err)
				errMu.Lock()
				runErr = multierror.Append(runErr, fmt.Errorf("%s: %w", key, err))
				errMu.Unlock()
			}
		}(i, key)
	}
	wg.Wait()

	now := time.Now().UTC()
	c.mu.Lock()
	report.FinishedAt = &now
	if report.Failed() {
		report.Status = models.RunStatusFailed
	} else {
		report.Status = models.RunStatusSuccess
	}
	status := report.Status
	c.pruneFinishedLocked()
	c.mu.Unlock()

	if err := runErr.ErrorOrNil(); err != nil {
		log.WithError(err).Warn("Pipeline run finished with failures")
	} else {
		log.WithField("status", status).Info("Pipeline run finished")
	}
}

// runEntityType walks one entity type through fetch/upsert cycles until the
// source signals end-of-data, a fatal error occurs, or the run is cancelled.
// Cursors are saved only after the batch behind them has committed.
func (c *Coordinator) runEntityType(ctx context.Context, runID string, slot int, mode models.RunMode, et models.EntityType) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.runEntityType")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{"run_id": runID, "entity_type": et.Key})

	cursor := ""
	pageNo := 0
	switch mode {
	case models.RunModeIncremental:
		stored, err := c.cursors.Get(ctx, et.Key)
		if err != nil {
			return err
		}
		if stored != nil && stored.Cursor != "" {
			cursor = stored.Cursor
			pageNo = stored.PageNo
			log.WithField("page_no", pageNo).Info("Resuming from stored cursor")
		}
	case models.RunModeFull:
		if err := c.cursors.Reset(ctx, et.Key); err != nil {
			return err
		}
	}

	for {
		// Cancellation is honored at batch boundaries only, so committed
		// batches and their cursors stay consistent.
		if err := ctx.Err(); err != nil {
			log.Warn("Run cancelled")
			return fmt.Errorf("run cancelled: %w", err)
		}

		c.setEntityState(runID, slot, models.EntityStateFetching)
		page, err := c.fetcher.FetchPage(ctx, et, cursor)
		if err != nil {
			return err
		}

		// Second boundary check: a cancellation that arrived during the
		// fetch discards the page instead of starting a batch.
		if err := ctx.Err(); err != nil {
			log.Warn("Run cancelled")
			return fmt.Errorf("run cancelled: %w", err)
		}

		// Once a batch starts it is never interrupted. The apply and the
		// cursor save behind it run on a non-cancellable context, and
		// cancellation takes effect at the next boundary check.
		batchCtx := context.WithoutCancel(ctx)

		c.setEntityState(runID, slot, models.EntityStateUpserting)
		result, err := c.applier.Apply(batchCtx, et, page.Items)
		if err != nil {
			return err
		}

		pageNo++
		c.recordBatch(runID, slot, result.BatchResult)
		c.emitter.EmitBatch(batchCtx, et, result.Changes)

		now := time.Now().UTC()
		if err := c.cursors.Save(batchCtx, &models.IngestCursor{
			EntityType: et.Key,
			Cursor:     page.NextCursor,
			PageNo:     pageNo,
			LastRunAt:  &now,
		}); err != nil {
			return err
		}

		if page.NextCursor == "" {
			c.setEntityState(runID, slot, models.EntityStateDone)
			log.WithField("pages", pageNo).Info("Entity type done")
			return nil
		}
		cursor = page.NextCursor
	}
}

// pruneFinishedLocked drops the oldest finished runs once the registry
// exceeds maxTrackedRuns. Callers must hold c.mu.
func (c *Coordinator) pruneFinishedLocked() {
	if len(c.runs) <= maxTrackedRuns {
		return
	}

	type finishedRun struct {
		id         string
		finishedAt time.Time
	}
	finished := make([]finishedRun, 0, len(c.runs))
	for id, report := range c.runs {
		if report.FinishedAt != nil {
			finished = append(finished, finishedRun{id: id, finishedAt: *report.FinishedAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].finishedAt.Before(finished[j].finishedAt)
	})

	for _, run := range finished {
		if len(c.runs) <= maxTrackedRuns {
			return
		}
		delete(c.runs, run.id)
	}
}

func (c *Coordinator) setEntityState(runID string, slot int, state models.EntityRunState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if report, ok := c.runs[runID]; ok {
		report.EntityTypes[slot].State = state
	}
}

func (c *Coordinator) setEntityFailed(runID string, slot int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if report, ok := c.runs[runID]; ok {
		report.EntityTypes[slot].State = models.EntityStateFailed
		report.EntityTypes[slot].Error = err.Error()
	}
}

func (c *Coordinator) recordBatch(runID string, slot int, batch models.BatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if report, ok := c.runs[runID]; ok {
		report.EntityTypes[slot].Pages++
		report.EntityTypes[slot].Counts.Merge(batch)
	}
}
