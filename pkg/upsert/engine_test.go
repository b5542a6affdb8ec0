package upsert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danabek/goszakup-ingest/pkg/database"
	"github.com/danabek/goszakup-ingest/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) IsOpen() bool { return !t.committed && !t.rolledBack }
func (t *fakeTx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (t *fakeTx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	txs []*fakeTx
}

func (f *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return ctx, tx, nil
}
func (f *fakeDB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (f *fakeDB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (f *fakeDB) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return nil, errors.New("not supported")
}
func (f *fakeDB) PingContext(ctx context.Context) error { return nil }
func (f *fakeDB) Close() error                          { return nil }
func (f *fakeDB) Unsafe() *sqlx.DB                      { return nil }

type fakeRecordStore struct {
	nextID         int64
	byKey          map[string]map[string]*models.EntityRecord
	byFingerprint  map[string]map[string]int64
	failInsertOnce bool
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		byKey:         make(map[string]map[string]*models.EntityRecord),
		byFingerprint: make(map[string]map[string]int64),
	}
}

func (s *fakeRecordStore) table(key string) map[string]*models.EntityRecord {
	if s.byKey[key] == nil {
		s.byKey[key] = make(map[string]*models.EntityRecord)
	}
	return s.byKey[key]
}

func (s *fakeRecordStore) GetByNaturalKey(ctx context.Context, entityType models.EntityType, key string) (*models.EntityRecord, error) {
	rec, ok := s.table(entityType.Key)[key]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *fakeRecordStore) Insert(ctx context.Context, entityType models.EntityType, rec *models.EntityRecord) (int64, error) {
	if s.failInsertOnce {
		s.failInsertOnce = false
		return 0, errors.New("connection reset")
	}
	s.nextID++
	rec.ID = s.nextID
	stored := *rec
	s.table(entityType.Key)[*rec.NaturalKey] = &stored
	return rec.ID, nil
}

func (s *fakeRecordStore) InsertIfAbsent(ctx context.Context, entityType models.EntityType, rec *models.EntityRecord) (int64, bool, error) {
	if s.byFingerprint[entityType.Key] == nil {
		s.byFingerprint[entityType.Key] = make(map[string]int64)
	}
	if _, ok := s.byFingerprint[entityType.Key][rec.Fingerprint]; ok {
		return 0, false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	s.byFingerprint[entityType.Key][rec.Fingerprint] = rec.ID
	return rec.ID, true, nil
}

func (s *fakeRecordStore) Update(ctx context.Context, entityType models.EntityType, id int64, data []byte, fp string) error {
	for _, rec := range s.table(entityType.Key) {
		if rec.ID == id {
			rec.Data = data
			rec.Fingerprint = fp
			return nil
		}
	}
	return fmt.Errorf("record %d not found", id)
}

type fakeJournal struct {
	entries []models.JournalEntry
}

func (j *fakeJournal) Append(ctx context.Context, entry *models.JournalEntry) error {
	entry.ID = int64(len(j.entries) + 1)
	j.entries = append(j.entries, *entry)
	return nil
}

func (j *fakeJournal) countByOperation(op string) int {
	count := 0
	for _, entry := range j.entries {
		if entry.Operation == op {
			count++
		}
	}
	return count
}

var subjects = models.EntityType{Key: "subjects", Endpoint: "/v3/subject/all", NaturalKey: "bin"}
var refCurrency = models.EntityType{Key: "ref_currency", Endpoint: "/v3/refs/ref_currency", Reference: true}

func batch(payloads ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, json.RawMessage(p))
	}
	return out
}

func newTestEngine() (*Engine, *fakeRecordStore, *fakeJournal, *fakeDB) {
	db := &fakeDB{}
	records := newFakeRecordStore()
	journal := &fakeJournal{}
	engine := NewEngine(db, records, journal, testLogger())
	return engine, records, journal, db
}

func TestApplyInsertsThenUpdates(t *testing.T) {
	engine, records, journal, _ := newTestEngine()
	ctx := context.Background()

	page1 := batch(
		`{"bin": "123456789012", "name": "Alpha"}`,
		`{"bin": "234567890123", "name": "Beta"}`,
	)
	result, err := engine.Apply(ctx, subjects, page1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 0, result.Unchanged)
	assert.Empty(t, result.Failed)

	page2 := batch(
		`{"bin": "123456789012", "name": "Alpha Renamed"}`,
		`{"bin": "345678901234", "name": "Gamma"}`,
	)
	result, err = engine.Apply(ctx, subjects, page2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Unchanged)

	assert.Len(t, records.table("subjects"), 3)
	assert.Equal(t, 3, journal.countByOperation(models.OperationInsert))
	assert.Equal(t, 1, journal.countByOperation(models.OperationUpdate))
}

func TestApplyIsIdempotent(t *testing.T) {
	engine, _, journal, _ := newTestEngine()
	ctx := context.Background()

	page := batch(
		`{"bin": "123456789012", "name": "Alpha"}`,
		`{"bin": "234567890123", "name": "Beta"}`,
	)

	result, err := engine.Apply(ctx, subjects, page)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	journalSize := len(journal.entries)

	result, err = engine.Apply(ctx, subjects, page)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 2, result.Unchanged)
	assert.Len(t, journal.entries, journalSize)
}

func TestApplyUnchangedIgnoresFieldOrder(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.Apply(ctx, subjects, batch(`{"bin": "123", "name": "Alpha", "meta": {"x": 1, "y": 2}}`))
	require.NoError(t, err)

	result, err := engine.Apply(ctx, subjects, batch(`{"meta": {"y": 2, "x": 1}, "name": "Alpha", "bin": "123"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
	assert.Equal(t, 0, result.Updated)
}

func TestApplyIsolatesMalformedRecords(t *testing.T) {
	engine, records, _, _ := newTestEngine()
	ctx := context.Background()

	page := batch(
		`{"bin": "111111111111", "name": "Valid One"}`,
		`{"name": "No BIN"}`,
		`not json at all`,
		`{"bin": "222222222222", "name": "Valid Two"}`,
	)

	result, err := engine.Apply(ctx, subjects, page)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Len(t, result.Failed, 2)
	assert.Len(t, records.table("subjects"), 2)

	reasons := []string{result.Failed[0].Reason, result.Failed[1].Reason}
	assert.Contains(t, reasons[0], "natural key")
	assert.Contains(t, reasons[1], "invalid payload")
}

func TestApplyEmptyNaturalKeyFails(t *testing.T) {
	engine, _, _, _ := newTestEngine()

	result, err := engine.Apply(context.Background(), subjects, batch(`{"bin": "", "name": "Empty"}`))
	require.NoError(t, err)
	assert.Len(t, result.Failed, 1)
	assert.Equal(t, 0, result.Inserted)
}

func TestApplyLastRecordWinsWithinBatch(t *testing.T) {
	engine, records, journal, _ := newTestEngine()
	ctx := context.Background()

	page := batch(
		`{"bin": "123456789012", "name": "First"}`,
		`{"bin": "123456789012", "name": "Second"}`,
	)

	result, err := engine.Apply(ctx, subjects, page)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Updated)

	stored := records.table("subjects")["123456789012"]
	require.NotNil(t, stored)
	assert.JSONEq(t, `{"bin": "123456789012", "name": "Second"}`, string(stored.Data))
	assert.Len(t, journal.entries, 2)
}

func TestApplyReferenceTypeIsAppendOnly(t *testing.T) {
	engine, _, journal, _ := newTestEngine()
	ctx := context.Background()

	page := batch(
		`{"code": "KZT", "name": "Tenge"}`,
		`{"code": "USD", "name": "Dollar"}`,
	)

	result, err := engine.Apply(ctx, refCurrency, page)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)

	result, err = engine.Apply(ctx, refCurrency, page)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 2, result.Unchanged)
	assert.Equal(t, 2, journal.countByOperation(models.OperationInsert))
}

func TestApplyRetriesFailedBatchOnce(t *testing.T) {
	engine, records, _, db := newTestEngine()
	records.failInsertOnce = true

	page := batch(
		`{"bin": "123456789012", "name": "Alpha"}`,
		`{"bin": "234567890123", "name": "Beta"}`,
	)

	result, err := engine.Apply(context.Background(), subjects, page)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 0, result.Unchanged)

	// first transaction rolled back, second committed
	require.Len(t, db.txs, 2)
	assert.True(t, db.txs[0].rolledBack)
	assert.True(t, db.txs[1].committed)
}

func TestApplyEmptyBatch(t *testing.T) {
	engine, _, _, db := newTestEngine()

	result, err := engine.Apply(context.Background(), subjects, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Empty(t, db.txs)
}
