package models

import (
	"encoding/json"
	"time"
)

// EntityRecord is one stored procurement object. The surrogate ID is
// assigned by the store on first insert and never reused; Data is the full
// fetched attribute set.
type EntityRecord struct {
	ID          int64           `json:"id" db:"id"`
	NaturalKey  *string         `json:"natural_key,omitempty" db:"natural_key"`
	Data        json.RawMessage `json:"data" db:"data"`
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Journal operations.
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
)

// JournalEntry is one immutable audit row for a state-changing upsert.
type JournalEntry struct {
	ID         int64           `json:"id" db:"id"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	RecordID   int64           `json:"record_id" db:"record_id"`
	Operation  string          `json:"operation" db:"operation"`
	Data       json.RawMessage `json:"data" db:"data"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// IngestCursor tracks fetch progress for one entity type. It is written
// only after the corresponding batch has been durably committed.
type IngestCursor struct {
	EntityType string     `json:"entity_type" db:"entity_type"`
	Cursor     string     `json:"cursor" db:"next_cursor"`
	PageNo     int        `json:"page_no" db:"page_no"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// RecordFailure captures a single record that could not be applied.
type RecordFailure struct {
	Data   json.RawMessage `json:"data"`
	Reason string          `json:"reason"`
}

// BatchResult summarizes one batch application.
type BatchResult struct {
	Inserted  int             `json:"inserted"`
	Updated   int             `json:"updated"`
	Unchanged int             `json:"unchanged"`
	Failed    []RecordFailure `json:"failed,omitempty"`
}

// Merge accumulates another batch result into this one.
func (b *BatchResult) Merge(other BatchResult) {
	b.Inserted += other.Inserted
	b.Updated += other.Updated
	b.Unchanged += other.Unchanged
	b.Failed = append(b.Failed, other.Failed...)
}

// Changed reports whether the batch altered stored state.
func (b *BatchResult) Changed() bool {
	return b.Inserted > 0 || b.Updated > 0
}
