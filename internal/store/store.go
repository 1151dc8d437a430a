// Package store is the durable record of every airlock request, its stage,
// files, reviews, and lifecycle history, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trelab/airlockd/internal/model"
)

var (
	ErrNotFound = errors.New("request not found")

	// ErrConflict means the request's stage or version changed under us.
	// The caller must re-read and retry; nothing was written.
	ErrConflict = errors.New("concurrent modification")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new request in its current (draft) stage and writes the
// first status_history entry.
func (s *Store) Create(ctx context.Context, req *model.AirlockRequest) error {
	if req.ID == "" {
		return fmt.Errorf("request id is empty")
	}
	if req.WorkspaceID == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if req.Type != model.TypeImport && req.Type != model.TypeExport {
		return fmt.Errorf("invalid request type: %q", req.Type)
	}

	props, err := json.Marshal(req.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdWhen := req.CreatedWhen.UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO airlock_request(
  id, workspace_id, type, stage, title, business_justification, properties,
  created_by, created_when, version
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 1);
`, req.ID, req.WorkspaceID, req.Type, req.Stage, req.Title,
		req.BusinessJustification, string(props), req.CreatedBy, createdWhen)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO status_history(request_id, seq, stage, at, triggered_by)
VALUES(?, 1, ?, ?, ?);
`, req.ID, req.Stage, createdWhen, req.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get loads a request with its files, reviews, and status history.
func (s *Store) Get(ctx context.Context, id string) (*model.AirlockRequest, error) {
	if id == "" {
		return nil, fmt.Errorf("request id is empty")
	}

	var (
		req         model.AirlockRequest
		props       sql.NullString
		createdWhen string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, type, stage, title, business_justification, properties,
       created_by, created_when, version
FROM airlock_request
WHERE id = ?;
`, id).Scan(&req.ID, &req.WorkspaceID, &req.Type, &req.Stage, &req.Title,
		&req.BusinessJustification, &props, &req.CreatedBy, &createdWhen, &req.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, createdWhen); err == nil {
		req.CreatedWhen = t
	}
	if props.Valid && props.String != "" && props.String != "null" {
		if err := json.Unmarshal([]byte(props.String), &req.Properties); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
	}

	if req.Files, err = s.loadFiles(ctx, id); err != nil {
		return nil, err
	}
	if req.Reviews, err = s.loadReviews(ctx, id); err != nil {
		return nil, err
	}
	if req.StatusHistory, err = s.loadHistory(ctx, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// ReplaceFiles records the file plan for a request. Only legal while the
// request is still in draft; the set becomes immutable at submission.
func (s *Store) ReplaceFiles(ctx context.Context, id string, files []model.FileDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stage string
	err = tx.QueryRowContext(ctx, `SELECT stage FROM airlock_request WHERE id = ?;`, id).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load stage: %w", err)
	}
	if model.Stage(stage) != model.StageDraft {
		return fmt.Errorf("%w: files are immutable after submission", ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_file WHERE request_id = ?;`, id); err != nil {
		return fmt.Errorf("clear files: %w", err)
	}
	for i, f := range files {
		_, err := tx.ExecContext(ctx, `
INSERT INTO request_file(request_id, position, name, size, checksum)
VALUES(?, ?, ?, ?, ?);
`, id, i, f.Name, f.Size, f.Checksum)
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Transition moves a request from one stage to another under optimistic
// concurrency: the guarded UPDATE and the status_history append commit
// together, or not at all. A version/stage mismatch returns ErrConflict.
func (s *Store) Transition(ctx context.Context, id string, from, to model.Stage, version int64, triggeredBy string) error {
	return s.transition(ctx, id, from, to, version, triggeredBy, nil)
}

// TransitionWithReview atomically appends a review and performs the stage
// transition it drives. On ErrConflict nothing is written, so a losing
// reviewer's decision can be re-recorded as non-authoritative.
func (s *Store) TransitionWithReview(ctx context.Context, id string, from, to model.Stage, version int64, triggeredBy string, review model.Review) error {
	return s.transition(ctx, id, from, to, version, triggeredBy, &review)
}

func (s *Store) transition(ctx context.Context, id string, from, to model.Stage, version int64, triggeredBy string, review *model.Review) error {
	if triggeredBy == "" {
		return fmt.Errorf("triggered_by is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE airlock_request
SET stage = ?, version = version + 1
WHERE id = ? AND stage = ? AND version = ?;
`, to, id, from, version)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing request from a concurrent writer.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM airlock_request WHERE id = ?;`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: request %s", ErrConflict, id)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO status_history(request_id, seq, stage, at, triggered_by)
SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
FROM status_history
WHERE request_id = ?;
`, id, to, now, triggeredBy, id)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}

	if review != nil {
		if err := insertReview(ctx, tx, id, *review); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AppendReview records a reviewer's decision. Reviews are append-only.
func (s *Store) AppendReview(ctx context.Context, id string, review model.Review) error {
	return insertReview(ctx, s.db, id, review)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertReview(ctx context.Context, db execer, id string, review model.Review) error {
	if review.ID == "" {
		return fmt.Errorf("review id is empty")
	}
	var meta any
	if len(review.Metadata) > 0 {
		meta = string(review.Metadata)
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO request_review(id, request_id, reviewer, decision, explanation, metadata, authoritative, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, review.ID, id, review.Reviewer, review.Decision, review.Explanation, meta,
		review.Authoritative, review.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// ListStuck returns ids of requests sitting in one of the given stages since
// before cutoff, judged by their latest status_history entry.
func (s *Store) ListStuck(ctx context.Context, stages []model.Stage, cutoff time.Time) ([]string, error) {
	if len(stages) == 0 {
		return nil, nil
	}

	query := `
SELECT r.id
FROM airlock_request r
JOIN status_history h ON h.request_id = r.id
  AND h.seq = (SELECT MAX(seq) FROM status_history WHERE request_id = r.id)
WHERE h.at < ? AND r.stage IN (?` + repeatPlaceholder(len(stages)-1) + `)
ORDER BY h.at ASC;
`
	args := []any{cutoff.UTC().Format(time.RFC3339Nano)}
	for _, st := range stages {
		args = append(args, string(st))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stuck requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck request: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func (s *Store) loadFiles(ctx context.Context, id string) ([]model.FileDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, size, checksum
FROM request_file
WHERE request_id = ?
ORDER BY position ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	defer rows.Close()

	var files []model.FileDescriptor
	for rows.Next() {
		var f model.FileDescriptor
		if err := rows.Scan(&f.Name, &f.Size, &f.Checksum); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) loadReviews(ctx context.Context, id string) ([]model.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, reviewer, decision, explanation, metadata, authoritative, created_at
FROM request_review
WHERE request_id = ?
ORDER BY created_at ASC, id ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("load reviews: %w", err)
	}
	defer rows.Close()

	var reviews []model.Review
	for rows.Next() {
		var (
			r         model.Review
			meta      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Reviewer, &r.Decision, &r.Explanation, &meta, &r.Authoritative, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if meta.Valid {
			r.Metadata = json.RawMessage(meta.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = t
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

func (s *Store) loadHistory(ctx context.Context, id string) ([]model.StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, at, triggered_by
FROM status_history
WHERE request_id = ?
ORDER BY seq ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}
	defer rows.Close()

	var entries []model.StatusEntry
	for rows.Next() {
		var (
			e  model.StatusEntry
			at string
		)
		if err := rows.Scan(&e.Stage, &at, &e.TriggeredBy); err != nil {
			return nil, fmt.Errorf("scan status entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
