package tiers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trelab/airlockd/internal/model"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	r := NewRegistry("/srv/airlock")

	loc, err := r.Resolve(model.TypeImport, model.StageDraft)
	require.NoError(t, err)
	assert.Equal(t, "import-external", loc.Name)
	assert.Equal(t, filepath.Join("/srv/airlock", "import-external"), loc.Path)

	// submitted and in_review share the quarantine tier.
	sub, err := r.Resolve(model.TypeImport, model.StageSubmitted)
	require.NoError(t, err)
	rev, err := r.Resolve(model.TypeImport, model.StageInReview)
	require.NoError(t, err)
	assert.Equal(t, sub.Path, rev.Path)

	exp, err := r.Resolve(model.TypeExport, model.StageBlockedByScan)
	require.NoError(t, err)
	assert.Equal(t, "export-blocked", exp.Name)
}

func TestResolveUnmappedStage(t *testing.T) {
	t.Parallel()
	r := NewRegistry("/srv/airlock")

	_, err := r.Resolve(model.TypeImport, model.StageApprovalInProgress)
	assert.ErrorIs(t, err, ErrNoLocation)

	_, err = r.Resolve(model.TypeImport, model.StageFailed)
	assert.ErrorIs(t, err, ErrNoLocation)

	_, err = r.Resolve(model.RequestType("sideways"), model.StageDraft)
	assert.Error(t, err)
}

func TestRequestDir(t *testing.T) {
	t.Parallel()
	loc := Location{Name: "import-approved", Path: "/srv/airlock/import-approved"}
	assert.Equal(t, "/srv/airlock/import-approved/req-1", loc.RequestDir("req-1"))
}

func TestRetainSource(t *testing.T) {
	t.Parallel()
	assert.True(t, RetainSource(model.StageRejected))
	assert.True(t, RetainSource(model.StageBlockedByScan))
	assert.False(t, RetainSource(model.StageApproved))
	assert.False(t, RetainSource(model.StageSubmitted))
}

func TestAllCoversEveryTier(t *testing.T) {
	t.Parallel()
	r := NewRegistry("/srv/airlock")

	locs := r.All()
	seen := map[string]bool{}
	for _, l := range locs {
		seen[l.Name] = true
	}
	for _, name := range []string{
		"import-external", "import-inprogress", "import-approved",
		"import-rejected", "import-blocked",
		"export-internal", "export-inprogress", "export-approved",
		"export-rejected", "export-blocked",
	} {
		assert.True(t, seen[name], "missing tier %s", name)
	}
	assert.Len(t, locs, 10)
}
