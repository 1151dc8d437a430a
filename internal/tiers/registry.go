// Package tiers maps a (request type, stage) pair to the storage location
// holding that request's files at that point in its lifecycle.
package tiers

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/trelab/airlockd/internal/model"
)

var ErrNoLocation = errors.New("no storage location for stage")

// Location is a named storage tier rooted at a directory. Each request's
// files live under <Path>/<requestID>/.
type Location struct {
	Name string
	Path string
}

// RequestDir returns the directory holding a request's files in this tier.
func (l Location) RequestDir(requestID string) string {
	return filepath.Join(l.Path, requestID)
}

// Registry resolves storage locations under a single filesystem root.
type Registry struct {
	root string
}

func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// Tier names follow the roles of the original airlock storage accounts:
// an external/internal area the requester writes into, a quarantined
// in-progress area used from submission through review, and per-outcome
// destination areas.
var names = map[model.RequestType]map[model.Stage]string{
	model.TypeImport: {
		model.StageDraft:         "import-external",
		model.StageSubmitted:     "import-inprogress",
		model.StageInReview:      "import-inprogress",
		model.StageApproved:      "import-approved",
		model.StageRejected:      "import-rejected",
		model.StageBlockedByScan: "import-blocked",
	},
	model.TypeExport: {
		model.StageDraft:         "export-internal",
		model.StageSubmitted:     "export-inprogress",
		model.StageInReview:      "export-inprogress",
		model.StageApproved:      "export-approved",
		model.StageRejected:      "export-rejected",
		model.StageBlockedByScan: "export-blocked",
	},
}

// Resolve returns the storage location for a request type at a stage.
// In-progress and terminal-failure stages have no location of their own.
func (r *Registry) Resolve(t model.RequestType, stage model.Stage) (Location, error) {
	byStage, ok := names[t]
	if !ok {
		return Location{}, fmt.Errorf("unknown request type: %q", t)
	}
	name, ok := byStage[stage]
	if !ok {
		return Location{}, fmt.Errorf("%w: %s/%s", ErrNoLocation, t, stage)
	}
	return Location{Name: name, Path: filepath.Join(r.root, name)}, nil
}

// All returns every distinct location, for preflight checks.
func (r *Registry) All() []Location {
	seen := map[string]bool{}
	var out []Location
	for _, byStage := range names {
		for _, name := range byStage {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, Location{Name: name, Path: filepath.Join(r.root, name)})
		}
	}
	return out
}

// RetainSource reports whether source copies must be kept after a move into
// stage. Rejected and scan-blocked data is retained for audit; everything
// else is removed from the prior tier once the copy is verified.
func RetainSource(to model.Stage) bool {
	return to == model.StageRejected || to == model.StageBlockedByScan
}
