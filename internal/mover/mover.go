// Package mover executes the physical consequence of a stage transition:
// copying a request's files from one storage tier to another, verifying
// integrity, and applying the source retention policy.
//
// Moves are idempotent and resumable. A crash mid-copy leaves either a
// private staging directory (removed and redone on retry) or a complete,
// verified destination (detected and short-circuited). Re-invoking a
// finished move is a success, not a duplicate copy.
package mover

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/trelab/airlockd/internal/log"
	"github.com/trelab/airlockd/internal/model"
	"github.com/trelab/airlockd/internal/tiers"
)

// ErrIntegrity means a file's size or checksum did not match the descriptor
// captured at submission. Never retried; the caller reports MoveFailed.
var ErrIntegrity = errors.New("integrity check failed")

type Mover struct {
	tiers    *tiers.Registry
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// New creates a Mover. attempts bounds retries of transient storage errors;
// delay is the base backoff between them.
func New(registry *tiers.Registry, attempts int, delay time.Duration) *Mover {
	if attempts < 1 {
		attempts = 1
	}
	return &Mover{
		tiers:    registry,
		attempts: attempts,
		delay:    delay,
		logger:   log.WithComponent("mover"),
	}
}

// Move copies every file of req from the storage tier of the from stage to
// the tier of the to stage. All-or-nothing: on any failure the destination
// is left without a request directory. Transient errors are retried with
// bounded backoff; ErrIntegrity is surfaced immediately.
func (m *Mover) Move(ctx context.Context, req *model.AirlockRequest, from, to model.Stage) error {
	if len(req.Files) == 0 {
		return fmt.Errorf("request %s has no files", req.ID)
	}

	src, err := m.tiers.Resolve(req.Type, from)
	if err != nil {
		return err
	}
	dst, err := m.tiers.Resolve(req.Type, to)
	if err != nil {
		return err
	}

	logger := m.logger.With("request_id", req.ID, "from", src.Name, "to", dst.Name)

	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.delay * time.Duration(attempt-1)):
			}
			logger.Warn("retrying move", "attempt", attempt, "error", lastErr)
		}

		err := m.moveOnce(ctx, req, src, dst, to)
		if err == nil {
			logger.Info("move complete", "files", len(req.Files))
			return nil
		}
		if errors.Is(err, ErrIntegrity) || errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("move failed after %d attempts: %w", m.attempts, lastErr)
}

func (m *Mover) moveOnce(ctx context.Context, req *model.AirlockRequest, src, dst tiers.Location, to model.Stage) error {
	dstDir := dst.RequestDir(req.ID)

	// A verified complete copy at the destination means a previous attempt
	// finished; only source cleanup may remain.
	if complete, err := verifiedCopy(dstDir, req.Files); err != nil {
		return err
	} else if complete {
		return m.finishSource(src, req.ID, to)
	}

	staging := filepath.Join(dst.Path, ".staging-"+req.ID)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear stale staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}

	srcDir := src.RequestDir(req.ID)
	for _, f := range req.Files {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(staging)
			return err
		}
		if err := copyVerified(filepath.Join(srcDir, f.Name), filepath.Join(staging, f.Name), f); err != nil {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}

	// Atomic exposure: the destination never shows a partial request.
	if err := os.Rename(staging, dstDir); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("expose destination: %w", err)
	}

	return m.finishSource(src, req.ID, to)
}

// finishSource applies the retention policy to the source copy.
func (m *Mover) finishSource(src tiers.Location, requestID string, to model.Stage) error {
	if tiers.RetainSource(to) {
		return nil
	}
	if err := os.RemoveAll(src.RequestDir(requestID)); err != nil {
		return fmt.Errorf("remove source copy: %w", err)
	}
	return nil
}

// copyVerified streams srcPath to dstPath while hashing, then checks size
// and checksum against the descriptor captured at submission.
func copyVerified(srcPath, dstPath string, want model.FileDescriptor) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(out, hasher), in)
	if err != nil {
		return fmt.Errorf("copy bytes: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}

	if n != want.Size {
		return fmt.Errorf("%w: %s size %d, recorded %d", ErrIntegrity, want.Name, n, want.Size)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if sum != want.Checksum {
		return fmt.Errorf("%w: %s checksum mismatch", ErrIntegrity, want.Name)
	}
	return nil
}

// verifiedCopy reports whether dir already holds every file with matching
// size and checksum.
func verifiedCopy(dir string, files []model.FileDescriptor) (bool, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat destination: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("destination %s is not a directory", dir)
	}

	for _, f := range files {
		path := filepath.Join(dir, f.Name)
		st, err := os.Stat(path)
		if os.IsNotExist(err) || (err == nil && st.Size() != f.Size) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", path, err)
		}
		sum, err := hashFile(path)
		if err != nil {
			return false, err
		}
		if sum != f.Checksum {
			return false, nil
		}
	}
	return true, nil
}

// HashFile returns the hex blake3 checksum of a file. Used at submission to
// capture file descriptors and by the mover to verify copies.
func HashFile(path string) (string, error) {
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer in.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, in); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
