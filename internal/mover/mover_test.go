package mover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trelab/airlockd/internal/model"
	"github.com/trelab/airlockd/internal/tiers"
)

type fixture struct {
	registry *tiers.Registry
	mover    *Mover
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	registry := tiers.NewRegistry(root)
	return &fixture{
		registry: registry,
		mover:    New(registry, 2, time.Millisecond),
		root:     root,
	}
}

// seedRequest writes files into the tier for (typ, stage) and returns a
// request whose descriptors match what was written.
func (f *fixture) seedRequest(t *testing.T, id string, typ model.RequestType, stage model.Stage, contents map[string]string) *model.AirlockRequest {
	t.Helper()
	loc, err := f.registry.Resolve(typ, stage)
	require.NoError(t, err)

	dir := loc.RequestDir(id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	req := &model.AirlockRequest{ID: id, WorkspaceID: "ws-1", Type: typ, Stage: stage}
	for name, body := range contents {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		sum, err := HashFile(path)
		require.NoError(t, err)
		req.Files = append(req.Files, model.FileDescriptor{
			Name: name, Size: int64(len(body)), Checksum: sum,
		})
	}
	return req
}

func (f *fixture) requestDir(t *testing.T, typ model.RequestType, stage model.Stage, id string) string {
	t.Helper()
	loc, err := f.registry.Resolve(typ, stage)
	require.NoError(t, err)
	return loc.RequestDir(id)
}

func TestMoveCopiesAndDeletesSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.seedRequest(t, "req-1", model.TypeImport, model.StageInReview,
		map[string]string{"data.csv": "a,b,c\n1,2,3\n"})

	require.NoError(t, f.mover.Move(context.Background(), req, model.StageInReview, model.StageApproved))

	dst := f.requestDir(t, model.TypeImport, model.StageApproved, "req-1")
	body, err := os.ReadFile(filepath.Join(dst, "data.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(body))

	// Approved moves delete the quarantine copy.
	src := f.requestDir(t, model.TypeImport, model.StageInReview, "req-1")
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestMoveRetainsSourceForBlocked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.seedRequest(t, "req-1", model.TypeExport, model.StageSubmitted,
		map[string]string{"out.bin": "payload"})

	require.NoError(t, f.mover.Move(context.Background(), req, model.StageSubmitted, model.StageBlockedByScan))

	dst := f.requestDir(t, model.TypeExport, model.StageBlockedByScan, "req-1")
	_, err := os.Stat(filepath.Join(dst, "out.bin"))
	assert.NoError(t, err)

	// Blocked data is retained at the source for audit.
	src := f.requestDir(t, model.TypeExport, model.StageSubmitted, "req-1")
	_, err = os.Stat(filepath.Join(src, "out.bin"))
	assert.NoError(t, err)
}

func TestMoveIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.seedRequest(t, "req-1", model.TypeImport, model.StageInReview,
		map[string]string{"data.csv": "hello"})

	require.NoError(t, f.mover.Move(context.Background(), req, model.StageInReview, model.StageApproved))
	// Second invocation with identical arguments: same outcome, no
	// duplicated files, no error about the missing source.
	require.NoError(t, f.mover.Move(context.Background(), req, model.StageInReview, model.StageApproved))

	dst := f.requestDir(t, model.TypeImport, model.StageApproved, "req-1")
	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMoveIntegrityFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.seedRequest(t, "req-1", model.TypeImport, model.StageInReview,
		map[string]string{"data.csv": "original"})

	// Tamper with the file after submission captured its checksum.
	src := f.requestDir(t, model.TypeImport, model.StageInReview, "req-1")
	require.NoError(t, os.WriteFile(filepath.Join(src, "data.csv"), []byte("tampered"), 0o644))

	err := f.mover.Move(context.Background(), req, model.StageInReview, model.StageApproved)
	assert.ErrorIs(t, err, ErrIntegrity)

	// All-or-nothing: no request directory and no staging leftovers at the
	// destination.
	dstLoc, rerr := f.registry.Resolve(model.TypeImport, model.StageApproved)
	require.NoError(t, rerr)
	_, err = os.Stat(dstLoc.RequestDir("req-1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dstLoc.Path, ".staging-req-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestMoveAllOrNothingOnMissingFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.seedRequest(t, "req-1", model.TypeImport, model.StageInReview,
		map[string]string{"a.txt": "aaa", "b.txt": "bbb"})

	src := f.requestDir(t, model.TypeImport, model.StageInReview, "req-1")
	require.NoError(t, os.Remove(filepath.Join(src, "b.txt")))

	err := f.mover.Move(context.Background(), req, model.StageInReview, model.StageApproved)
	assert.Error(t, err)

	dstLoc, rerr := f.registry.Resolve(model.TypeImport, model.StageApproved)
	require.NoError(t, rerr)
	_, err = os.Stat(dstLoc.RequestDir("req-1"))
	assert.True(t, os.IsNotExist(err), "no partial copy may be exposed")
}

func TestMoveRejectsEmptyFilePlan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := &model.AirlockRequest{ID: "req-1", Type: model.TypeImport}
	err := f.mover.Move(context.Background(), req, model.StageInReview, model.StageApproved)
	assert.Error(t, err)
}

func TestHashFileMatchesKnownContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	h1, err := HashFile(path)
	require.NoError(t, err)
	h2, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
