// Package doctor runs preflight checks over an airlockd configuration:
// the data directory, the database, and every storage tier must be usable
// before the daemon accepts requests.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trelab/airlockd/internal/config"
	"github.com/trelab/airlockd/internal/model"
	"github.com/trelab/airlockd/internal/store"
	"github.com/trelab/airlockd/internal/tiers"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{}

	d.checkDataDir(r)
	d.checkDatabase(ctx, r)
	d.checkTiers(r)
	d.checkIngress(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Message: msg})
}

func (d *Doctor) checkDataDir(r *Result) {
	if err := os.MkdirAll(d.cfg.DataDir, 0o755); err != nil {
		d.addError(r, "data_dir", fmt.Sprintf("cannot create data dir: %v", err))
		return
	}
	probe := filepath.Join(d.cfg.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		d.addError(r, "data_dir", fmt.Sprintf("data dir not writable: %v", err))
		return
	}
	_ = os.Remove(probe)
}

func (d *Doctor) checkDatabase(ctx context.Context, r *Result) {
	db, err := store.OpenSQLite(ctx, d.cfg.DatabasePath)
	if err != nil {
		d.addError(r, "database", fmt.Sprintf("open database: %v", err))
		return
	}
	_ = db.Close()
}

// checkTiers verifies every (request type, stage) pair resolves and that
// each tier root exists or can be created.
func (d *Doctor) checkTiers(r *Result) {
	registry := tiers.NewRegistry(d.cfg.StorageRoot)

	for _, typ := range []model.RequestType{model.TypeImport, model.TypeExport} {
		for _, stage := range []model.Stage{
			model.StageDraft, model.StageSubmitted, model.StageInReview,
			model.StageApproved, model.StageRejected, model.StageBlockedByScan,
		} {
			if _, err := registry.Resolve(typ, stage); err != nil {
				d.addError(r, "tiers", fmt.Sprintf("resolve %s/%s: %v", typ, stage, err))
			}
		}
	}

	for _, loc := range registry.All() {
		if err := os.MkdirAll(loc.Path, 0o755); err != nil {
			d.addError(r, "tiers", fmt.Sprintf("tier %s: %v", loc.Name, err))
		}
	}
}

func (d *Doctor) checkIngress(r *Result) {
	if d.cfg.IngressSecret == "" {
		d.addWarning(r, "ingress", "no ingress_secret configured; inbound events are unsigned")
	}
	if len(d.cfg.Roles) == 0 {
		d.addWarning(r, "authz", "no roles configured; no user can submit or review")
	}
}
