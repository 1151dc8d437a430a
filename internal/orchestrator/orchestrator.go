// Package orchestrator sequences every airlock request transition: validate
// the trigger, advance the state machine under optimistic concurrency, hand
// physical moves to the worker pool, and emit outbound lifecycle events.
package orchestrator

import (
	"context"
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

// ActorSystem marks transitions driven by airlockd itself (move completions,
// recovery sweeps) rather than a user or an external event.
const ActorSystem = "system"

// MoveRunner is the data mover contract consumed by the orchestrator.
type MoveRunner interface {
	Move(ctx context.Context, req *model.AirlockRequest, from, to model.Stage) error
}

// Options tune the background loops.
type Options struct {
	// Workers is the size of the move worker pool.
	Workers int

	// SweepInterval is how often stuck requests are looked for.
	SweepInterval time.Duration

	// StuckAfter is how long a request may sit in an in-progress stage
	// before its move is re-run.
	StuckAfter time.Duration

	// ScanTimeout is how long a request may sit in submitted before an
	// operator alert is raised.
	ScanTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 30 * time.Minute
	}
}

type moveTask struct {
	requestID string
}

type Orchestrator struct {
	store  *store.Store
	auth   authz.Authorizer
	mover  MoveRunner
	hub    *events.Hub
	opts   Options
	logger *slog.Logger

	moveCh chan moveTask

	// alerted remembers requests already flagged for scan timeout so the
	// watch loop does not re-alert every tick.
	alerted map[string]bool
}

func New(st *store.Store, auth authz.Authorizer, mv MoveRunner, hub *events.Hub, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		store:   st,
		auth:    auth,
		mover:   mv,
		hub:     hub,
		opts:    opts,
		logger:  log.WithComponent("orchestrator"),
		moveCh:  make(chan moveTask, 64),
		alerted: make(map[string]bool),
	}
}

// CreateParams describes a new draft request.
type CreateParams struct {
	WorkspaceID           string
	Type                  model.RequestType
	Title                 string
	BusinessJustification string
	Properties            map[string]string
}

// Create persists a new request in draft.
func (o *Orchestrator) Create(ctx context.Context, actor string, p CreateParams) (*model.AirlockRequest, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is empty")
	}
	req := &model.AirlockRequest{
		ID:                    uuid.NewString(),
		WorkspaceID:           p.WorkspaceID,
		Type:                  p.Type,
		Stage:                 model.StageDraft,
		Title:                 p.Title,
		BusinessJustification: p.BusinessJustification,
		Properties:            p.Properties,
		CreatedBy:             actor,
		CreatedWhen:           time.Now().UTC(),
	}
	if err := o.store.Create(ctx, req); err != nil {
		return nil, err
	}

	o.hub.Publish(events.TypeRequestCreated, req.ID, map[string]string{
		"workspace": req.WorkspaceID,
		"type":      string(req.Type),
		"createdBy": actor,
	})
	return o.store.Get(ctx, req.ID)
}

// Submit records the file plan and moves the request out of draft. The
// physical copy from the external area into quarantine happens before the
// stage changes: a crash mid-copy leaves the request in draft and Submit can
// simply be retried (the move is idempotent).
func (o *Orchestrator) Submit(ctx context.Context, actor, requestID string, files []model.FileDescriptor) (*model.AirlockRequest, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: request did not contain any files", lifecycle.ErrInvalidTransition)
	}

	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(o.auth, actor, req, authz.ActionSubmit); err != nil {
		return nil, err
	}
	if _, err := lifecycle.Next(req.Stage, model.TriggerSubmit); err != nil {
		return nil, err
	}

	if err := o.store.ReplaceFiles(ctx, requestID, files); err != nil {
		return nil, err
	}
	req.Files = files

	if err := o.mover.Move(ctx, req, model.StageDraft, model.StageSubmitted); err != nil {
		return nil, fmt.Errorf("stage files for scanning: %w", err)
	}

	return o.Apply(ctx, actor, requestID, model.TriggerSubmit)
}

// Apply is the single entry point for advancing a request. User-initiated
// triggers are authorization-gated; scan verdicts arrive through the signed
// ingress and move completions come from the worker pool.
func (o *Orchestrator) Apply(ctx context.Context, actor, requestID string, trigger model.Trigger) (*model.AirlockRequest, error) {
	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	switch trigger {
	case model.TriggerSubmit:
		if err := authz.Check(o.auth, actor, req, authz.ActionSubmit); err != nil {
			return nil, err
		}
	case model.TriggerCancel:
		if err := authz.Check(o.auth, actor, req, authz.ActionCancel); err != nil {
			return nil, err
		}
	}

	next, err := lifecycle.Next(req.Stage, trigger)
	if err != nil {
		return nil, err
	}

	// A request may not leave review without at least one recorded review.
	// Review-driven triggers normally arrive through ApplyWithReview; this
	// path covers recovery replays only.
	if (trigger == model.TriggerReviewApprove || trigger == model.TriggerReviewReject) && len(req.Reviews) == 0 {
		return nil, fmt.Errorf("%w: no review recorded for %s", lifecycle.ErrInvalidTransition, requestID)
	}

	if err := o.store.Transition(ctx, requestID, req.Stage, next, req.Version, actor); err != nil {
		return nil, err
	}

	return o.finishTransition(ctx, requestID, req.Stage, next, trigger, actor)
}

// ApplyWithReview advances the request on a review decision, committing the
// review record and the transition atomically. A conflict leaves the review
// unrecorded so the coordinator can keep it as non-authoritative.
func (o *Orchestrator) ApplyWithReview(ctx context.Context, requestID string, trigger model.Trigger, review model.Review) (*model.AirlockRequest, error) {
	if trigger != model.TriggerReviewApprove && trigger != model.TriggerReviewReject {
		return nil, fmt.Errorf("trigger %s does not carry a review", trigger)
	}

	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	next, err := lifecycle.Next(req.Stage, trigger)
	if err != nil {
		return nil, err
	}

	if err := o.store.TransitionWithReview(ctx, requestID, req.Stage, next, req.Version, review.Reviewer, review); err != nil {
		return nil, err
	}

	return o.finishTransition(ctx, requestID, req.Stage, next, trigger, review.Reviewer)
}

func (o *Orchestrator) finishTransition(ctx context.Context, requestID string, from, next model.Stage, trigger model.Trigger, actor string) (*model.AirlockRequest, error) {
	o.hub.Publish(events.TypeStageChanged, requestID, map[string]string{
		"from":    string(from),
		"to":      string(next),
		"trigger": string(trigger),
		"actor":   actor,
	})
	log.WithRequest(requestID).Info("stage changed",
		"from", from, "to", next, "trigger", trigger, "actor", actor)

	if lifecycle.InProgress(next) {
		o.scheduleMove(requestID)
	}
	return o.store.Get(ctx, requestID)
}

func (o *Orchestrator) scheduleMove(requestID string) {
	select {
	case o.moveCh <- moveTask{requestID: requestID}:
	default:
		// Channel full; the recovery sweep will pick the request up.
		o.logger.Warn("move queue full, deferring to sweep", "request_id", requestID)
	}
}

// Run starts the move workers and the background loops, blocking until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		go o.moveWorker(ctx)
	}
	go o.watchLoop(ctx)
	<-ctx.Done()
}

func (o *Orchestrator) moveWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-o.moveCh:
			o.runMove(ctx, task.requestID)
		}
	}
}

// runMove executes the physical move implied by a request's in-progress
// stage and feeds the outcome back through Apply. The move runs off the
// request-handling path; only its completion touches the state machine.
func (o *Orchestrator) runMove(ctx context.Context, requestID string) {
	logger := log.WithRequest(requestID)

	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		logger.Error("load request for move", "error", err)
		return
	}

	from, to, ok := lifecycle.MoveFor(req.Stage)
	if !ok {
		// Raced with another worker that already completed the move.
		logger.Debug("no move pending", "stage", req.Stage)
		return
	}

	outcome := model.TriggerMoveSucceeded
	if err := o.mover.Move(ctx, req, from, to); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("move failed", "from", from, "to", to, "error", err)
		outcome = model.TriggerMoveFailed
	}

	// The completion trigger competes with nothing legal, but a concurrent
	// sweep may have fed the same outcome first; retry conflicts briefly
	// and treat InvalidTransition as already-done.
	for attempt := 0; attempt < 3; attempt++ {
		_, err := o.Apply(ctx, ActorSystem, requestID, outcome)
		if err == nil || errors.Is(err, lifecycle.ErrInvalidTransition) {
			return
		}
		if !errors.Is(err, store.ErrConflict) {
			logger.Error("record move outcome", "error", err)
			return
		}
	}
	logger.Error("record move outcome: conflict retries exhausted")
}

// watchLoop periodically re-runs moves for requests stuck in an in-progress
// stage and raises operator alerts for requests whose scan never reported.
func (o *Orchestrator) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepStuckMoves(ctx)
			o.alertStalledScans(ctx)
		}
	}
}

func (o *Orchestrator) sweepStuckMoves(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.opts.StuckAfter)
	stages := []model.Stage{
		model.StageApprovalInProgress,
		model.StageRejectionInProgress,
		model.StageBlockingInProgress,
	}
	ids, err := o.store.ListStuck(ctx, stages, cutoff)
	if err != nil {
		o.logger.Error("sweep stuck moves", "error", err)
		return
	}
	for _, id := range ids {
		o.logger.Warn("re-running stuck move", "request_id", id)
		o.scheduleMove(id)
	}
}

// alertStalledScans surfaces requests stuck in submitted beyond the scan
// timeout. No stage change: failing open or closed on an ambiguous scan
// status is unsafe, so an operator decides.
func (o *Orchestrator) alertStalledScans(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.opts.ScanTimeout)
	ids, err := o.store.ListStuck(ctx, []model.Stage{model.StageSubmitted}, cutoff)
	if err != nil {
		o.logger.Error("scan timeout watch", "error", err)
		return
	}
	for _, id := range ids {
		if o.alerted[id] {
			continue
		}
		o.alerted[id] = true
		o.logger.Warn("scan verdict overdue", "request_id", id, "timeout", o.opts.ScanTimeout)
		o.hub.Publish(events.TypeScanTimeoutAlert, id, map[string]string{
			"stage":   string(model.StageSubmitted),
			"timeout": o.opts.ScanTimeout.String(),
		})
	}
}
