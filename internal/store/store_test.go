package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trelab/airlockd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "airlock.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func draftRequest(id string) *model.AirlockRequest {
	return &model.AirlockRequest{
		ID:                    id,
		WorkspaceID:           "ws-1",
		Type:                  model.TypeImport,
		Stage:                 model.StageDraft,
		Title:                 "dataset import",
		BusinessJustification: "cohort analysis",
		Properties:            map[string]string{"project": "alpha"},
		CreatedBy:             "alice",
		CreatedWhen:           time.Now().UTC(),
	}
}

func TestCreateGetRoundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, draftRequest("req-1")))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageDraft, got.Stage)
	assert.Equal(t, model.TypeImport, got.Type)
	assert.Equal(t, "alpha", got.Properties["project"])
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, model.StageDraft, got.StatusHistory[0].Stage)
	assert.Equal(t, "alice", got.StatusHistory[0].TriggeredBy)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionAppendsHistoryAndBumpsVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, draftRequest("req-1")))
	require.NoError(t, s.Transition(ctx, "req-1", model.StageDraft, model.StageSubmitted, 1, "alice"))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageSubmitted, got.Stage)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, model.StageSubmitted, got.StatusHistory[1].Stage)
	assert.False(t, got.StatusHistory[1].At.Before(got.StatusHistory[0].At))
}

func TestTransitionStaleVersionConflicts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, draftRequest("req-1")))
	require.NoError(t, s.Transition(ctx, "req-1", model.StageDraft, model.StageSubmitted, 1, "alice"))

	// Same version again: the optimistic check must refuse.
	err := s.Transition(ctx, "req-1", model.StageDraft, model.StageSubmitted, 1, "alice")
	assert.ErrorIs(t, err, ErrConflict)

	// State unchanged by the failed attempt.
	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageSubmitted, got.Stage)
	assert.Len(t, got.StatusHistory, 2)
}

func TestTransitionMissingRequest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.Transition(context.Background(), "nope", model.StageDraft, model.StageSubmitted, 1, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceFilesOnlyInDraft(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, draftRequest("req-1")))

	files := []model.FileDescriptor{
		{Name: "data.csv", Size: 42, Checksum: "abc"},
		{Name: "codebook.txt", Size: 7, Checksum: "def"},
	}
	require.NoError(t, s.ReplaceFiles(ctx, "req-1", files))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "data.csv", got.Files[0].Name)

	require.NoError(t, s.Transition(ctx, "req-1", model.StageDraft, model.StageSubmitted, 1, "alice"))
	err = s.ReplaceFiles(ctx, "req-1", files[:1])
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAppendReview(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, draftRequest("req-1")))

	r1 := model.Review{
		ID: "rev-1", Reviewer: "bob", Decision: model.DecisionApprove,
		Explanation: "looks fine", Authoritative: true,
		CreatedAt: time.Now().UTC(),
	}
	r2 := model.Review{
		ID: "rev-2", Reviewer: "carol", Decision: model.DecisionReject,
		Explanation: "late opinion", CreatedAt: time.Now().UTC().Add(time.Second),
	}
	require.NoError(t, s.AppendReview(ctx, "req-1", r1))
	require.NoError(t, s.AppendReview(ctx, "req-1", r2))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, got.Reviews, 2)
	assert.True(t, got.Reviews[0].Authoritative)
	assert.False(t, got.Reviews[1].Authoritative)
}

func TestListStuck(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, draftRequest("req-1")))
	require.NoError(t, s.Transition(ctx, "req-1", model.StageDraft, model.StageSubmitted, 1, "alice"))

	recent := draftRequest("req-2")
	require.NoError(t, s.Create(ctx, recent))

	// Cutoff in the future: req-1 qualifies by stage, req-2 is in draft.
	ids, err := s.ListStuck(ctx, []model.Stage{model.StageSubmitted}, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, ids)

	// Cutoff in the past: nothing is old enough.
	ids, err = s.ListStuck(ctx, []model.Stage{model.StageSubmitted}, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
