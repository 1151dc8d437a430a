// Package e2e drives the assembled daemon components end to end: real
// SQLite store, real mover over filesystem tiers, orchestrator worker pool,
// and the signed HTTP ingress.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trelab/airlockd/internal/authz"
	"github.com/trelab/airlockd/internal/config"
	"github.com/trelab/airlockd/internal/events"
	"github.com/trelab/airlockd/internal/ingress"
	"github.com/trelab/airlockd/internal/model"
	"github.com/trelab/airlockd/internal/mover"
	"github.com/trelab/airlockd/internal/orchestrator"
	"github.com/trelab/airlockd/internal/review"
	"github.com/trelab/airlockd/internal/store"
	"github.com/trelab/airlockd/internal/tiers"
)

const testSecret = "e2e-secret"

type env struct {
	store    *store.Store
	orch     *orchestrator.Orchestrator
	registry *tiers.Registry
	server   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	db, err := store.OpenSQLite(ctx, filepath.Join(dir, "airlock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	hub := events.NewHub(64)
	auth := authz.NewStatic(map[string]config.RoleConfig{
		"alice": {Owner: true},
		"bob":   {Reviewer: true},
	})
	registry := tiers.NewRegistry(filepath.Join(dir, "tiers"))
	mv := mover.New(registry, 2, 10*time.Millisecond)

	orch := orchestrator.New(st, auth, mv, hub, orchestrator.Options{
		Workers:       2,
		SweepInterval: 50 * time.Millisecond,
	})
	go orch.Run(ctx)

	coord := review.NewCoordinator(st, auth, orch, hub)
	srv := ingress.New(ingress.Config{Secret: testSecret}, orch, coord, st, hub)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &env{store: st, orch: orch, registry: registry, server: ts}
}

// stageFile writes content into the request's draft-tier directory and
// returns its descriptor, the way a requester drops files before submitting.
func (e *env) stageFile(t *testing.T, req *model.AirlockRequest, name, content string) model.FileDescriptor {
	t.Helper()

	loc, err := e.registry.Resolve(req.Type, model.StageDraft)
	require.NoError(t, err)
	dir := loc.RequestDir(req.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sum, err := mover.HashFile(path)
	require.NoError(t, err)
	return model.FileDescriptor{Name: name, Size: int64(len(content)), Checksum: sum}
}

func (e *env) postEvent(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(ingress.SignatureHeader, ingress.Sign(body, testSecret))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *env) waitForStage(t *testing.T, id string, want model.Stage) *model.AirlockRequest {
	t.Helper()
	var req *model.AirlockRequest
	require.Eventually(t, func() bool {
		var err error
		req, err = e.store.Get(context.Background(), id)
		return err == nil && req.Stage == want
	}, 5*time.Second, 20*time.Millisecond, "request never reached %s", want)
	return req
}

func TestImportApprovedEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req, err := e.orch.Create(ctx, "alice", orchestrator.CreateParams{
		WorkspaceID: "ws-1", Type: model.TypeImport,
		Title: "survey data", BusinessJustification: "quarterly analysis",
	})
	require.NoError(t, err)

	fd := e.stageFile(t, req, "data.csv", "a,b,c\n1,2,3\n")
	req, err = e.orch.Submit(ctx, "alice", req.ID, []model.FileDescriptor{fd})
	require.NoError(t, err)
	require.Equal(t, model.StageSubmitted, req.Stage)

	resp := e.postEvent(t, "/events/scan-result", map[string]string{
		"version": ingress.EventVersion, "requestId": req.ID, "verdict": ingress.VerdictNoThreats,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = e.postEvent(t, "/events/review", map[string]string{
		"version": ingress.EventVersion, "requestId": req.ID,
		"reviewer": "bob", "decision": "approve", "explanation": "meets disclosure rules",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	final := e.waitForStage(t, req.ID, model.StageApproved)

	// The data arrived intact in the approved tier and left quarantine.
	approved, err := e.registry.Resolve(model.TypeImport, model.StageApproved)
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(approved.RequestDir(req.ID), "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(content))

	quarantine, err := e.registry.Resolve(model.TypeImport, model.StageSubmitted)
	require.NoError(t, err)
	_, err = os.Stat(quarantine.RequestDir(req.ID))
	assert.True(t, os.IsNotExist(err))

	stages := make([]model.Stage, 0, len(final.StatusHistory))
	for _, h := range final.StatusHistory {
		stages = append(stages, h.Stage)
	}
	assert.Equal(t, []model.Stage{
		model.StageDraft, model.StageSubmitted, model.StageInReview,
		model.StageApprovalInProgress, model.StageApproved,
	}, stages)
}

func TestExportBlockedByScanEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req, err := e.orch.Create(ctx, "alice", orchestrator.CreateParams{
		WorkspaceID: "ws-1", Type: model.TypeExport,
		Title: "model outputs", BusinessJustification: "publication",
	})
	require.NoError(t, err)

	fd := e.stageFile(t, req, "results.bin", "binary-results")
	_, err = e.orch.Submit(ctx, "alice", req.ID, []model.FileDescriptor{fd})
	require.NoError(t, err)

	resp := e.postEvent(t, "/events/scan-result", map[string]string{
		"version": ingress.EventVersion, "requestId": req.ID, "verdict": ingress.VerdictThreatsFound,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	e.waitForStage(t, req.ID, model.StageBlockedByScan)

	// Blocked data is copied for investigation; the quarantine copy stays.
	blocked, err := e.registry.Resolve(model.TypeExport, model.StageBlockedByScan)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(blocked.RequestDir(req.ID), "results.bin"))
	assert.NoError(t, err)

	quarantine, err := e.registry.Resolve(model.TypeExport, model.StageSubmitted)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(quarantine.RequestDir(req.ID), "results.bin"))
	assert.NoError(t, err)
}

func TestLateVerdictAfterCancelEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req, err := e.orch.Create(ctx, "alice", orchestrator.CreateParams{
		WorkspaceID: "ws-1", Type: model.TypeImport, Title: "t", BusinessJustification: "j",
	})
	require.NoError(t, err)

	fd := e.stageFile(t, req, "data.csv", "x")
	_, err = e.orch.Submit(ctx, "alice", req.ID, []model.FileDescriptor{fd})
	require.NoError(t, err)

	_, err = e.orch.Apply(ctx, "alice", req.ID, model.TriggerCancel)
	require.NoError(t, err)

	// The scanner's verdict arrives after cancellation: rejected cleanly,
	// state untouched.
	resp := e.postEvent(t, "/events/scan-result", map[string]string{
		"version": ingress.EventVersion, "requestId": req.ID, "verdict": ingress.VerdictNoThreats,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := e.store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCancelled, got.Stage)
}
