// Package ingress receives asynchronous signals from external systems: the
// malware scanner's verdicts, reviewer decisions relayed by the review
// front end, and data-retention deletion requests. Signals are translated
// into state machine triggers. Malformed events are rejected and logged,
// never retried here; delivery is at-least-once, so duplicate events
// surface as invalid transitions rather than corruption.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trelab/airlockd/internal/authz"
	"github.com/trelab/airlockd/internal/events"
	"github.com/trelab/airlockd/internal/lifecycle"
	"github.com/trelab/airlockd/internal/log"
	"github.com/trelab/airlockd/internal/model"
	"github.com/trelab/airlockd/internal/review"
	"github.com/trelab/airlockd/internal/store"
)

const (
	// EventVersion is the only inbound envelope version understood.
	EventVersion = "1.0"

	// SignatureHeader carries the HMAC signature of the event body.
	SignatureHeader = "X-Airlock-Signature"

	maxBodySize = 1 << 20 // 1 MB
)

// Scan verdicts as posted by the scanning system.
const (
	VerdictNoThreats    = "no_threats"
	VerdictThreatsFound = "threats_found"
	VerdictScanError    = "scan_error"
)

// Applier advances the request state machine. Satisfied by the orchestrator.
type Applier interface {
	Apply(ctx context.Context, actor, requestID string, trigger model.Trigger) (*model.AirlockRequest, error)
}

// Reviews records reviewer decisions. Satisfied by the review coordinator.
type Reviews interface {
	Submit(ctx context.Context, requestID string, sub review.Submission) (*review.Outcome, error)
}

// Config holds ingress server configuration.
type Config struct {
	Listen string
	// Secret enables HMAC verification of inbound events when non-empty.
	Secret string
}

type Server struct {
	config  Config
	applier Applier
	reviews Reviews
	store   *store.Store
	hub     *events.Hub
	logger  *slog.Logger
	server  *http.Server
}

func New(config Config, applier Applier, reviews Reviews, st *store.Store, hub *events.Hub) *Server {
	return &Server{
		config:  config,
		applier: applier,
		reviews: reviews,
		store:   st,
		hub:     hub,
		logger:  log.WithComponent("ingress"),
	}
}

// scanResultEvent is the versioned envelope posted by the scanner.
type scanResultEvent struct {
	Version   string `json:"version"`
	RequestID string `json:"requestId"`
	Verdict   string `json:"verdict"`
	Details   string `json:"details,omitempty"`
}

// reviewEvent carries one reviewer decision from the review front end.
type reviewEvent struct {
	Version     string          `json:"version"`
	RequestID   string          `json:"requestId"`
	Reviewer    string          `json:"reviewer"`
	Decision    string          `json:"decision"`
	Explanation string          `json:"explanation,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// deletionEvent requests the external retention workflow for a request.
type deletionEvent struct {
	Version   string `json:"version"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type acceptedResponse struct {
	RequestID     string `json:"requestId"`
	Stage         string `json:"stage,omitempty"`
	Authoritative *bool  `json:"authoritative,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Start runs the ingress HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("ingress server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ingress server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ingress server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("ingress server error: %w", err)
	}
}

// Routes builds the HTTP router. Exposed for tests.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/events/scan-result", s.handleScanResult)
	r.Post("/events/review", s.handleReview)
	r.Post("/events/deletion", s.handleDeletion)

	return r
}

func (s *Server) handleScanResult(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerifiedBody(w, r)
	if !ok {
		return
	}

	var ev scanResultEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.rejectMalformed(w, r, fmt.Errorf("decode scan result: %w", err))
		return
	}
	if ev.Version != EventVersion {
		s.rejectMalformed(w, r, fmt.Errorf("unsupported event version %q", ev.Version))
		return
	}
	if ev.RequestID == "" {
		s.rejectMalformed(w, r, errors.New("missing requestId"))
		return
	}

	var trigger model.Trigger
	switch ev.Verdict {
	case VerdictNoThreats:
		trigger = model.TriggerScanClean
	case VerdictThreatsFound:
		trigger = model.TriggerScanThreatFound
	case VerdictScanError:
		// Not a definitive verdict. The scanner retries per its own
		// policy; acknowledge and wait.
		s.logger.Warn("scan error reported, awaiting definitive verdict",
			"request_id", ev.RequestID, "details", ev.Details)
		s.respondJSON(w, http.StatusAccepted, acceptedResponse{RequestID: ev.RequestID})
		return
	default:
		s.rejectMalformed(w, r, fmt.Errorf("unknown verdict %q", ev.Verdict))
		return
	}

	req, err := s.applier.Apply(r.Context(), "scanner", ev.RequestID, trigger)
	if err != nil {
		s.respondApplyError(w, ev.RequestID, err)
		return
	}

	s.logger.Info("scan verdict applied",
		"request_id", ev.RequestID, "verdict", ev.Verdict, "stage", req.Stage)
	s.respondJSON(w, http.StatusAccepted, acceptedResponse{RequestID: req.ID, Stage: string(req.Stage)})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerifiedBody(w, r)
	if !ok {
		return
	}

	var ev reviewEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.rejectMalformed(w, r, fmt.Errorf("decode review event: %w", err))
		return
	}
	if ev.Version != EventVersion {
		s.rejectMalformed(w, r, fmt.Errorf("unsupported event version %q", ev.Version))
		return
	}
	if ev.RequestID == "" || ev.Reviewer == "" {
		s.rejectMalformed(w, r, errors.New("missing requestId or reviewer"))
		return
	}
	decision := model.Decision(ev.Decision)
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		s.rejectMalformed(w, r, fmt.Errorf("unknown decision %q", ev.Decision))
		return
	}

	out, err := s.reviews.Submit(r.Context(), ev.RequestID, review.Submission{
		Reviewer:    ev.Reviewer,
		Decision:    decision,
		Explanation: ev.Explanation,
		Metadata:    ev.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.respondJSON(w, http.StatusNotFound, errorResponse{Error: "request not found"})
		case errors.Is(err, authz.ErrForbidden):
			s.respondJSON(w, http.StatusForbidden, errorResponse{Error: "reviewer not permitted"})
		case errors.Is(err, review.ErrNotReviewable):
			s.respondJSON(w, http.StatusConflict, errorResponse{Error: "request is not in review"})
		default:
			s.logger.Error("review submission failed", "request_id", ev.RequestID, "error", err)
			s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	s.logger.Info("review decision applied",
		"request_id", ev.RequestID,
		"reviewer", ev.Reviewer,
		"decision", ev.Decision,
		"authoritative", out.Authoritative,
		"stage", out.Request.Stage,
	)
	s.respondJSON(w, http.StatusAccepted, acceptedResponse{
		RequestID:     out.Request.ID,
		Stage:         string(out.Request.Stage),
		Authoritative: &out.Authoritative,
	})
}

func (s *Server) handleDeletion(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readVerifiedBody(w, r)
	if !ok {
		return
	}

	var ev deletionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.rejectMalformed(w, r, fmt.Errorf("decode deletion event: %w", err))
		return
	}
	if ev.Version != EventVersion {
		s.rejectMalformed(w, r, fmt.Errorf("unsupported event version %q", ev.Version))
		return
	}
	if ev.RequestID == "" {
		s.rejectMalformed(w, r, errors.New("missing requestId"))
		return
	}

	req, err := s.store.Get(r.Context(), ev.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondJSON(w, http.StatusNotFound, errorResponse{Error: "request not found"})
			return
		}
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		return
	}

	// Deletion is only meaningful once the lifecycle is over.
	if !lifecycle.IsTerminal(req.Stage) {
		s.respondJSON(w, http.StatusConflict, errorResponse{
			Error: fmt.Sprintf("request is %s, deletion applies to terminal stages only", req.Stage),
		})
		return
	}

	s.hub.Publish(events.TypeDeletionRequested, req.ID, map[string]string{
		"stage":  string(req.Stage),
		"reason": ev.Reason,
	})
	s.logger.Info("deletion requested", "request_id", req.ID, "stage", req.Stage)
	s.respondJSON(w, http.StatusAccepted, acceptedResponse{RequestID: req.ID, Stage: string(req.Stage)})
}

// readVerifiedBody reads the capped request body and checks its signature
// when a secret is configured.
func (s *Server) readVerifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := io.LimitReader(r.Body, maxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read request body"})
		return nil, false
	}
	if int64(len(body)) > maxBodySize {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		return nil, false
	}

	if s.config.Secret != "" {
		sig := r.Header.Get(SignatureHeader)
		if err := verifySignature(body, sig, s.config.Secret); err != nil {
			s.logger.Warn("event signature verification failed",
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
			)
			s.respondJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
			return nil, false
		}
	}
	return body, true
}

func (s *Server) rejectMalformed(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("malformed event rejected",
		"path", r.URL.Path,
		"error", err,
		"request_id", middleware.GetReqID(r.Context()),
	)
	s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed event"})
}

func (s *Server) respondApplyError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, errorResponse{Error: "request not found"})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		// Duplicate or late delivery; the state machine already moved on.
		s.logger.Info("event not applicable to current stage", "request_id", requestID, "error", err)
		s.respondJSON(w, http.StatusConflict, errorResponse{Error: "trigger not valid for current stage"})
	case errors.Is(err, store.ErrConflict):
		s.respondJSON(w, http.StatusConflict, errorResponse{Error: "concurrent modification, retry"})
	default:
		s.logger.Error("apply failed", "request_id", requestID, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
