package models

import "time"

// RunMode selects how pagination cursors are treated for a run.
type RunMode string

const (
	// RunModeFull disregards stored cursors and restarts from the first page.
	RunModeFull RunMode = "full"
	// RunModeIncremental resumes from each entity type's last durable cursor.
	RunModeIncremental RunMode = "incremental"
)

// Valid reports whether m is a known run mode.
func (m RunMode) Valid() bool {
	return m == RunModeFull || m == RunModeIncremental
}

// EntityRunState is the per-entity-type ingestion state machine.
type EntityRunState string

const (
	EntityStateIdle      EntityRunState = "idle"
	EntityStateFetching  EntityRunState = "fetching"
	EntityStateUpserting EntityRunState = "upserting"
	EntityStateDone      EntityRunState = "done"
	EntityStateFailed    EntityRunState = "failed"
)

// Terminal reports whether the state machine has finished for the type.
func (s EntityRunState) Terminal() bool {
	return s == EntityStateDone || s == EntityStateFailed
}

// Run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// EntityRunReport is the terminal outcome for one entity type in a run.
type EntityRunReport struct {
	EntityType string         `json:"entity_type"`
	State      EntityRunState `json:"state"`
	Pages      int            `json:"pages"`
	Counts     BatchResult    `json:"counts"`
	Error      string         `json:"error,omitempty"`
}

// RunReport aggregates per-entity-type outcomes for one pipeline run.
type RunReport struct {
	ID          string            `json:"id"`
	Mode        RunMode           `json:"mode"`
	Status      string            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	EntityTypes []EntityRunReport `json:"entity_types"`
}

// Failed reports whether any entity type ended in the failed state.
func (r *RunReport) Failed() bool {
	for _, et := range r.EntityTypes {
		if et.State == EntityStateFailed {
			return true
		}
	}
	return false
}
