// Package review coordinates human review decisions. The first decision
// recorded against a request in review is authoritative and drives the stage
// transition; later decisions are kept for audit but change nothing.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trelab/airlockd/internal/authz"
	"github.com/trelab/airlockd/internal/events"
	"github.com/trelab/airlockd/internal/lifecycle"
	"github.com/trelab/airlockd/internal/log"
	"github.com/trelab/airlockd/internal/model"
	"github.com/trelab/airlockd/internal/store"
)

// ErrNotReviewable is returned for review submissions against a request not
// currently in review.
var ErrNotReviewable = errors.New("request is not in review")

// Applier advances the request state machine on a review decision, storing
// the review and the transition atomically. Satisfied by the orchestrator.
type Applier interface {
	ApplyWithReview(ctx context.Context, requestID string, trigger model.Trigger, review model.Review) (*model.AirlockRequest, error)
}

type Coordinator struct {
	store   *store.Store
	auth    authz.Authorizer
	applier Applier
	hub     *events.Hub
	logger  *slog.Logger
}

func NewCoordinator(st *store.Store, auth authz.Authorizer, applier Applier, hub *events.Hub) *Coordinator {
	return &Coordinator{
		store:   st,
		auth:    auth,
		applier: applier,
		hub:     hub,
		logger:  log.WithComponent("review"),
	}
}

// Submission is one reviewer's decision. Metadata carries the structured
// disclosure-control answers, opaque to this core.
type Submission struct {
	Reviewer    string
	Decision    model.Decision
	Explanation string
	Metadata    json.RawMessage
}

// Outcome reports what a submission did.
type Outcome struct {
	Review        model.Review
	Authoritative bool
	Request       *model.AirlockRequest
}

// Submit records one review decision. The decision that wins the race out of
// in_review is authoritative; a decision that arrives while the request is
// already advancing is recorded as non-authoritative, not an error.
func (c *Coordinator) Submit(ctx context.Context, requestID string, sub Submission) (*Outcome, error) {
	if sub.Decision != model.DecisionApprove && sub.Decision != model.DecisionReject {
		return nil, fmt.Errorf("invalid decision: %q", sub.Decision)
	}

	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(c.auth, sub.Reviewer, req, authz.ActionReview); err != nil {
		return nil, err
	}
	rec := model.Review{
		ID:            uuid.NewString(),
		Reviewer:      sub.Reviewer,
		Decision:      sub.Decision,
		Explanation:   sub.Explanation,
		Metadata:      sub.Metadata,
		Authoritative: true,
		CreatedAt:     time.Now().UTC(),
	}

	// A decision arriving after the authoritative one, while the request is
	// already advancing out of review, is stored for audit only.
	if afterDecision(req.Stage) {
		return c.recordNonAuthoritative(ctx, requestID, rec)
	}
	if req.Stage != model.StageInReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReviewable, requestID, req.Stage)
	}

	trigger := model.TriggerReviewApprove
	if sub.Decision == model.DecisionReject {
		trigger = model.TriggerReviewReject
	}

	updated, applyErr := c.applier.ApplyWithReview(ctx, requestID, trigger, rec)
	if applyErr != nil {
		// Another decision won the race: keep the review for audit but do
		// not re-trigger a transition.
		if errors.Is(applyErr, lifecycle.ErrInvalidTransition) || errors.Is(applyErr, store.ErrConflict) {
			return c.recordNonAuthoritative(ctx, requestID, rec)
		}
		return nil, applyErr
	}

	c.publishRecorded(requestID, rec)
	return &Outcome{Review: rec, Authoritative: true, Request: updated}, nil
}

// afterDecision reports whether stage is one a request reaches once an
// authoritative review decision has been made.
func afterDecision(stage model.Stage) bool {
	switch stage {
	case model.StageApprovalInProgress, model.StageRejectionInProgress,
		model.StageApproved, model.StageRejected:
		return true
	}
	return false
}

func (c *Coordinator) recordNonAuthoritative(ctx context.Context, requestID string, rec model.Review) (*Outcome, error) {
	rec.Authoritative = false
	if err := c.store.AppendReview(ctx, requestID, rec); err != nil {
		return nil, err
	}
	c.logger.Info("non-authoritative review recorded",
		"request_id", requestID, "reviewer", rec.Reviewer, "decision", rec.Decision)
	current, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	c.publishRecorded(requestID, rec)
	return &Outcome{Review: rec, Authoritative: false, Request: current}, nil
}

func (c *Coordinator) publishRecorded(requestID string, rec model.Review) {
	c.hub.Publish(events.TypeReviewRecorded, requestID, map[string]any{
		"reviewer":      rec.Reviewer,
		"decision":      string(rec.Decision),
		"authoritative": rec.Authoritative,
	})
}
