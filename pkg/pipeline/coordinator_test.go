package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danabek/goszakup-ingest/pkg/events"
	"github.com/danabek/goszakup-ingest/pkg/goszakup"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/upsert"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

var subjects = models.EntityType{Key: "subjects", Endpoint: "/v3/subject/all", NaturalKey: "bin"}
var contracts = models.EntityType{Key: "contracts", Endpoint: "/v3/contract/all", NaturalKey: "contract_number"}

type scriptedFetcher struct {
	mu      sync.Mutex
	pages   map[string][]*goszakup.Page
	failAt  map[string]int
	cursors map[string][]string
	onFetch func(entityType models.EntityType)
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		pages:   make(map[string][]*goszakup.Page),
		failAt:  make(map[string]int),
		cursors: make(map[string][]string),
	}
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, entityType models.EntityType, cursor string) (*goszakup.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.cursors[entityType.Key])
	f.cursors[entityType.Key] = append(f.cursors[entityType.Key], cursor)

	if failAt, ok := f.failAt[entityType.Key]; ok && call == failAt {
		return nil, errors.New("retries exhausted")
	}

	pages := f.pages[entityType.Key]
	if call >= len(pages) {
		return nil, fmt.Errorf("unexpected fetch call %d for %s", call, entityType.Key)
	}
	if f.onFetch != nil {
		f.onFetch(entityType)
	}
	return pages[call], nil
}

func page(items int, next string) *goszakup.Page {
	p := &goszakup.Page{NextCursor: next}
	for i := 0; i < items; i++ {
		p.Items = append(p.Items, json.RawMessage(fmt.Sprintf(`{"bin": "%012d"}`, i)))
	}
	return p
}

type fakeApplier struct {
	mu      sync.Mutex
	batches map[string][][]json.RawMessage
	failFor map[string]bool
	onApply func(entityType models.EntityType)
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{
		batches: make(map[string][][]json.RawMessage),
		failFor: make(map[string]bool),
	}
}

func (a *fakeApplier) Apply(ctx context.Context, entityType models.EntityType, batch []json.RawMessage) (*upsert.ApplyResult, error) {
	a.mu.Lock()
	a.batches[entityType.Key] = append(a.batches[entityType.Key], batch)
	fail := a.failFor[entityType.Key]
	hook := a.onApply
	a.mu.Unlock()

	if fail {
		return nil, errors.New("batch commit failed after retry")
	}
	if hook != nil {
		hook(entityType)
	}
	return &upsert.ApplyResult{BatchResult: models.BatchResult{Inserted: len(batch)}}, nil
}

// strictApplier refuses to start on a cancelled context, the way a real
// database transaction would fail with a context error.
type strictApplier struct {
	*fakeApplier
}

func (a *strictApplier) Apply(ctx context.Context, entityType models.EntityType, batch []json.RawMessage) (*upsert.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.fakeApplier.Apply(ctx, entityType, batch)
}

type memoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]*models.IngestCursor
	saves   map[string][]models.IngestCursor
	resets  []string
}

func newMemoryCursorStore() *memoryCursorStore {
	return &memoryCursorStore{
		cursors: make(map[string]*models.IngestCursor),
		saves:   make(map[string][]models.IngestCursor),
	}
}

func (s *memoryCursorStore) Get(ctx context.Context, entityType string) (*models.IngestCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[entityType]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (s *memoryCursorStore) Save(ctx context.Context, c *models.IngestCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.cursors[c.EntityType] = &copied
	s.saves[c.EntityType] = append(s.saves[c.EntityType], copied)
	return nil
}

func (s *memoryCursorStore) Reset(ctx context.Context, entityType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, entityType)
	s.resets = append(s.resets, entityType)
	return nil
}

func newTestCoordinator(fetcher Fetcher, applier Applier, cursors CursorStore, types ...models.EntityType) *Coordinator {
	registry := models.NewRegistryOf(types...)
	emitter := events.NewEmitter(nil, testLogger())
	return NewCoordinator(fetcher, applier, cursors, emitter, registry, Config{WorkerCount: 2}, testLogger())
}

func TestRunWalksAllPages(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{
		page(2, "/v3/subject/all?page=2"),
		page(2, "/v3/subject/all?page=3"),
		page(1, ""),
	}
	applier := newFakeApplier()
	cursors := newMemoryCursorStore()
	c := newTestCoordinator(fetcher, applier, cursors, subjects)

	report, err := c.Run(context.Background(), models.RunModeFull, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, report.Status)
	require.NotNil(t, report.FinishedAt)

	require.Len(t, report.EntityTypes, 1)
	et := report.EntityTypes[0]
	assert.Equal(t, models.EntityStateDone, et.State)
	assert.Equal(t, 3, et.Pages)
	assert.Equal(t, 5, et.Counts.Inserted)

	assert.Equal(t, []string{"", "/v3/subject/all?page=2", "/v3/subject/all?page=3"}, fetcher.cursors["subjects"])
	assert.Len(t, applier.batches["subjects"], 3)

	// one cursor save per committed batch, the last one marking end-of-data
	saves := cursors.saves["subjects"]
	require.Len(t, saves, 3)
	assert.Equal(t, "/v3/subject/all?page=2", saves[0].Cursor)
	assert.Equal(t, "", saves[2].Cursor)
	assert.Equal(t, 3, saves[2].PageNo)
}

func TestRunFailureDoesNotHaltOtherEntityTypes(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(1, "")}
	fetcher.failAt["contracts"] = 0
	applier := newFakeApplier()
	cursors := newMemoryCursorStore()
	c := newTestCoordinator(fetcher, applier, cursors, subjects, contracts)

	report, err := c.Run(context.Background(), models.RunModeFull, nil)
	require.Error(t, err)
	assert.Equal(t, models.RunStatusFailed, report.Status)

	states := make(map[string]models.EntityRunState)
	for _, et := range report.EntityTypes {
		states[et.EntityType] = et.State
	}
	assert.Equal(t, models.EntityStateDone, states["subjects"])
	assert.Equal(t, models.EntityStateFailed, states["contracts"])

	for _, et := range report.EntityTypes {
		if et.EntityType == "contracts" {
			assert.Contains(t, et.Error, "retries exhausted")
		}
	}
}

func TestRunUpsertFailureKeepsCommittedCursor(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(1, "/p2"), page(1, "")}
	applier := newFakeApplier()
	applier.failFor["subjects"] = true
	cursors := newMemoryCursorStore()
	c := newTestCoordinator(fetcher, applier, cursors, subjects)

	report, err := c.Run(context.Background(), models.RunModeFull, nil)
	require.Error(t, err)
	assert.Equal(t, models.EntityStateFailed, report.EntityTypes[0].State)

	// nothing committed, so no cursor was saved
	assert.Empty(t, cursors.saves["subjects"])
}

func TestIncrementalRunResumesFromStoredCursor(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(1, "")}
	applier := newFakeApplier()
	cursors := newMemoryCursorStore()
	cursors.cursors["subjects"] = &models.IngestCursor{
		EntityType: "subjects",
		Cursor:     "/v3/subject/all?page=4",
		PageNo:     3,
	}
	c := newTestCoordinator(fetcher, applier, cursors, subjects)

	report, err := c.Run(context.Background(), models.RunModeIncremental, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, report.Status)

	require.Len(t, fetcher.cursors["subjects"], 1)
	assert.Equal(t, "/v3/subject/all?page=4", fetcher.cursors["subjects"][0])

	saves := cursors.saves["subjects"]
	require.Len(t, saves, 1)
	assert.Equal(t, 4, saves[0].PageNo)
}

func TestFullRunResetsStoredCursor(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(1, "")}
	applier := newFakeApplier()
	cursors := newMemoryCursorStore()
	cursors.cursors["subjects"] = &models.IngestCursor{
		EntityType: "subjects",
		Cursor:     "/v3/subject/all?page=4",
		PageNo:     3,
	}
	c := newTestCoordinator(fetcher, applier, cursors, subjects)

	_, err := c.Run(context.Background(), models.RunModeFull, nil)
	require.NoError(t, err)

	assert.Contains(t, cursors.resets, "subjects")
	assert.Equal(t, []string{""}, fetcher.cursors["subjects"])
}

func TestCancellationStopsAtBatchBoundary(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(1, "/p2"), page(1, "/p3"), page(1, "")}
	applier := newFakeApplier()
	cursors := newMemoryCursorStore()

	ctx, cancel := context.WithCancel(context.Background())
	applier.onApply = func(models.EntityType) { cancel() }

	c := newTestCoordinator(fetcher, applier, cursors, subjects)
	report, err := c.Run(ctx, models.RunModeFull, nil)
	require.Error(t, err)
	assert.Equal(t, models.EntityStateFailed, report.EntityTypes[0].State)
	assert.Contains(t, report.EntityTypes[0].Error, "cancelled")

	// the first batch committed before cancellation, its cursor is durable
	saves := cursors.saves["subjects"]
	require.Len(t, saves, 1)
	assert.Equal(t, "/p2", saves[0].Cursor)
	assert.Equal(t, 1, saves[0].PageNo)
}

func TestCancellationDoesNotInterruptInFlightBatch(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(1, "/p2"), page(1, "/p3"), page(1, "")}
	applier := &strictApplier{fakeApplier: newFakeApplier()}
	cursors := newMemoryCursorStore()

	ctx, cancel := context.WithCancel(context.Background())
	applied := 0
	applier.onApply = func(models.EntityType) {
		applied++
		if applied == 2 {
			cancel()
		}
	}

	c := newTestCoordinator(fetcher, applier, cursors, subjects)
	report, err := c.Run(ctx, models.RunModeFull, nil)
	require.Error(t, err)
	assert.Equal(t, models.EntityStateFailed, report.EntityTypes[0].State)
	assert.Contains(t, report.EntityTypes[0].Error, "cancelled")

	// the second batch was in flight when cancellation arrived; it still
	// finished and its cursor is durable
	assert.Len(t, applier.batches["subjects"], 2)
	saves := cursors.saves["subjects"]
	require.Len(t, saves, 2)
	assert.Equal(t, "/p3", saves[1].Cursor)
	assert.Equal(t, 2, saves[1].PageNo)
}

func TestCancellationDuringFetchSkipsUpsert(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(1, "/p2"), page(1, "")}
	applier := &strictApplier{fakeApplier: newFakeApplier()}
	cursors := newMemoryCursorStore()

	ctx, cancel := context.WithCancel(context.Background())
	fetcher.onFetch = func(models.EntityType) { cancel() }

	c := newTestCoordinator(fetcher, applier, cursors, subjects)
	report, err := c.Run(ctx, models.RunModeFull, nil)
	require.Error(t, err)
	assert.Contains(t, report.EntityTypes[0].Error, "cancelled")

	// the fetched page was discarded, so no batch started and no cursor
	// was saved
	assert.Empty(t, applier.batches["subjects"])
	assert.Empty(t, cursors.saves["subjects"])
}

func TestFinishedRunsArePruned(t *testing.T) {
	fetcher := newScriptedFetcher()
	applier := newFakeApplier()
	cursors := newMemoryCursorStore()
	c := newTestCoordinator(fetcher, applier, cursors, subjects)

	var lastID string
	for i := 0; i < maxTrackedRuns+10; i++ {
		fetcher.mu.Lock()
		fetcher.cursors["subjects"] = nil
		fetcher.pages["subjects"] = []*goszakup.Page{page(1, "")}
		fetcher.mu.Unlock()

		report, err := c.Run(context.Background(), models.RunModeFull, nil)
		require.NoError(t, err)
		lastID = report.ID
	}

	assert.Len(t, c.ListRuns(), maxTrackedRuns)

	// the most recent run survives pruning
	_, ok := c.GetRun(lastID)
	assert.True(t, ok)
}

func TestRunRejectsInvalidInput(t *testing.T) {
	c := newTestCoordinator(newScriptedFetcher(), newFakeApplier(), newMemoryCursorStore(), subjects)

	_, err := c.Run(context.Background(), models.RunMode("bogus"), nil)
	assert.Error(t, err)

	_, err = c.Run(context.Background(), models.RunModeFull, []string{"unknown_type"})
	assert.Error(t, err)
}

func TestStartRunTracksProgress(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.pages["subjects"] = []*goszakup.Page{page(2, "")}
	applier := newFakeApplier()
	c := newTestCoordinator(fetcher, applier, newMemoryCursorStore(), subjects)

	report, err := c.StartRun(models.RunModeFull, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, report.Status)

	require.Eventually(t, func() bool {
		snapshot, ok := c.GetRun(report.ID)
		return ok && snapshot.Status == models.RunStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	snapshot, ok := c.GetRun(report.ID)
	require.True(t, ok)
	assert.Equal(t, 2, snapshot.EntityTypes[0].Counts.Inserted)
	assert.NotNil(t, snapshot.FinishedAt)

	assert.Len(t, c.ListRuns(), 1)
}

func TestGetRunUnknownID(t *testing.T) {
	c := newTestCoordinator(newScriptedFetcher(), newFakeApplier(), newMemoryCursorStore(), subjects)
	_, ok := c.GetRun("nope")
	assert.False(t, ok)
}
