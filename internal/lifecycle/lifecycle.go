// Package lifecycle holds the pure decision logic for the airlock request
// state machine. It computes transitions and never performs side effects;
// persistence and data movement belong to the store and mover.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/trelab/airlockd/internal/model"
)

// ErrInvalidTransition is returned when a trigger is not legal from the
// request's current stage. Duplicate or late events surface this too, so
// callers can tell "already done" apart from "succeeded".
var ErrInvalidTransition = errors.New("invalid transition")

type edge struct {
	from    model.Stage
	trigger model.Trigger
}

var transitions = map[edge]model.Stage{
	{model.StageDraft, model.TriggerSubmit}: model.StageSubmitted,
	{model.StageDraft, model.TriggerCancel}: model.StageCancelled,

	{model.StageSubmitted, model.TriggerScanClean}:       model.StageInReview,
	{model.StageSubmitted, model.TriggerScanThreatFound}: model.StageBlockingInProgress,
	{model.StageSubmitted, model.TriggerCancel}:          model.StageCancelled,

	{model.StageBlockingInProgress, model.TriggerMoveSucceeded}: model.StageBlockedByScan,
	{model.StageBlockingInProgress, model.TriggerMoveFailed}:    model.StageFailed,

	{model.StageInReview, model.TriggerReviewApprove}: model.StageApprovalInProgress,
	{model.StageInReview, model.TriggerReviewReject}:  model.StageRejectionInProgress,
	{model.StageInReview, model.TriggerCancel}:        model.StageCancelled,

	{model.StageApprovalInProgress, model.TriggerMoveSucceeded}: model.StageApproved,
	{model.StageApprovalInProgress, model.TriggerMoveFailed}:    model.StageFailed,

	{model.StageRejectionInProgress, model.TriggerMoveSucceeded}: model.StageRejected,
	{model.StageRejectionInProgress, model.TriggerMoveFailed}:    model.StageFailed,
}

// Next returns the stage reached by applying trigger in the given stage.
// Illegal edges, including any trigger against a terminal stage, return
// ErrInvalidTransition.
func Next(stage model.Stage, trigger model.Trigger) (model.Stage, error) {
	to, ok := transitions[edge{stage, trigger}]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, stage)
	}
	return to, nil
}

// IsTerminal reports whether no trigger is accepted from stage.
func IsTerminal(stage model.Stage) bool {
	switch stage {
	case model.StageApproved, model.StageRejected, model.StageCancelled,
		model.StageBlockedByScan, model.StageFailed:
		return true
	}
	return false
}

// InProgress reports whether stage is one of the transitional stages entered
// on a decision trigger, before the physical move completes. A request
// observed here after a crash can safely have its move re-run.
func InProgress(stage model.Stage) bool {
	switch stage {
	case model.StageApprovalInProgress, model.StageRejectionInProgress,
		model.StageBlockingInProgress:
		return true
	}
	return false
}

// MoveFor returns the source and destination stages of the physical move
// implied by an in-progress stage. ok is false for any other stage.
func MoveFor(stage model.Stage) (from, to model.Stage, ok bool) {
	switch stage {
	case model.StageApprovalInProgress:
		return model.StageInReview, model.StageApproved, true
	case model.StageRejectionInProgress:
		return model.StageInReview, model.StageRejected, true
	case model.StageBlockingInProgress:
		return model.StageSubmitted, model.StageBlockedByScan, true
	}
	return "", "", false
}

// Cancellable reports whether Cancel is accepted from stage.
func Cancellable(stage model.Stage) bool {
	_, ok := transitions[edge{stage, model.TriggerCancel}]
	return ok
}
