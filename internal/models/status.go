package models

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Status is the lifecycle state shared by every job and child record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSearching       Status = "searching"
	StatusAnalyzing       Status = "analyzing"
	StatusGeneratingBrief Status = "generating_brief"
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusGenerating      Status = "generating"
	StatusPolling         Status = "polling"
	StatusCompleted       Status = "completed"
	StatusReady           Status = "ready"
	StatusFailed          Status = "failed"
	StatusError           Status = "error"
)

// ErrStaleTransition is returned when a conditional status update matched no
// row, i.e. the record is gone or already moved past the expected state.
var ErrStaleTransition = errors.New("stale status transition")

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusReady, StatusFailed, StatusError:
		return true
	}
	return false
}

// transitions maps a target status to the statuses it may be entered from.
type transitions map[Status][]Status

var researchTransitions = transitions{
	StatusSearching: {StatusPending},
	StatusAnalyzing: {StatusSearching},
	StatusCompleted: {StatusAnalyzing},
	StatusFailed:    {StatusPending, StatusSearching, StatusAnalyzing},
}

var curationTransitions = transitions{
	StatusGeneratingBrief: {StatusPending},
	StatusCompleted:       {StatusGeneratingBrief},
	StatusError:           {StatusPending, StatusGeneratingBrief},
}

var productionTransitions = transitions{
	StatusQueued:     {StatusPending},
	StatusProcessing: {StatusPending, StatusQueued},
	StatusReady:      {StatusProcessing},
	StatusFailed:     {StatusPending, StatusQueued, StatusProcessing},
}

var sceneTransitions = transitions{
	StatusGenerating: {StatusPending},
	StatusCompleted:  {StatusGenerating},
	StatusFailed:     {StatusPending, StatusGenerating},
}

var trackTransitions = transitions{
	StatusGenerating: {StatusPending},
	StatusPolling:    {StatusGenerating},
	StatusCompleted:  {StatusGenerating, StatusPolling},
	StatusFailed:     {StatusPending, StatusGenerating, StatusPolling},
}

// Stateful is implemented by every model whose status is driven by a state machine.
type Stateful interface {
	transitionTable() transitions
}

func (ResearchJob) transitionTable() transitions     { return researchTransitions }
func (CurationJob) transitionTable() transitions     { return curationTransitions }
func (ProductionJob) transitionTable() transitions   { return productionTransitions }
func (ProductionScene) transitionTable() transitions { return sceneTransitions }
func (ProductionTrack) transitionTable() transitions { return trackTransitions }

// AllowedFrom lists the statuses from which model may move to `to`.
func AllowedFrom(model Stateful, to Status) []Status {
	return model.transitionTable()[to]
}

// CanTransition reports whether model may move from -> to.
func CanTransition(model Stateful, from, to Status) bool {
	for _, s := range AllowedFrom(model, to) {
		if s == from {
			return true
		}
	}
	return false
}

// Transition moves the row identified by id to status `to`, but only if its
// current status is an allowed predecessor. Extra columns are written in the
// same statement. Statuses therefore never regress, and re-applying a
// transition that already happened is a no-op reported as ErrStaleTransition.
func Transition(ctx context.Context, db *gorm.DB, model Stateful, id string, to Status, extra map[string]interface{}) error {
	from := AllowedFrom(model, to)
	if len(from) == 0 {
		return fmt.Errorf("no transition into %q for %T", to, model)
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	result := db.WithContext(ctx).Model(model).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update status to %s: %w", to, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}
