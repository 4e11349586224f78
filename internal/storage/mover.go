package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
)

// IndexHook receives the post-move metadata for best-effort index updates.
// Hook failures are logged and swallowed: the index is derived, never
// authoritative.
type IndexHook func(meta *models.Metadata)

// Mover performs state transitions. The cross-directory rename IS the
// transition: it either fully happens or fully doesn't, and for a given
// (jobID, fromState) pair at most one concurrent rename can win. The
// existence pre-checks are best-effort early rejection only; the rename
// itself is the authoritative step.
type Mover struct {
	layout    *Layout
	store     *MetadataStore
	logger    *slog.Logger
	indexHook IndexHook
}

// NewMover creates a mover over the layout and metadata store.
func NewMover(layout *Layout, store *MetadataStore, logger *slog.Logger) *Mover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{layout: layout, store: store, logger: logger}
}

// WithIndexHook registers a best-effort derived-index updater invoked after
// every successful move.
func (m *Mover) WithIndexHook(hook IndexHook) *Mover {
	m.indexHook = hook
	return m
}

// Move transitions a job from one state to another under the given actor.
// Sequence: authorize, early-reject on missing source or occupied target,
// rename, then update metadata and append a transition log line. A failed
// rename never leaves a half-moved job; a crash after the rename leaves
// metadata one step behind the directory, which Read repairs on the next
// access (filesystem wins).
func (m *Mover) Move(jobID string, from, to lifecycle.State, actor lifecycle.Actor) error {
	if err := lifecycle.Validate(from, to, actor); err != nil {
		return err
	}
	if err := models.ValidateJobID(jobID); err != nil {
		return err
	}

	srcRel := m.layout.JobDirRel(from, jobID)
	dstRel := m.layout.JobDirRel(to, jobID)

	srcExists, err := m.layout.Sandbox().Exists(srcRel)
	if err != nil {
		return err
	}
	if !srcExists {
		return fmt.Errorf("%w: %s not in %s", models.ErrNotFoundInState, jobID, from)
	}
	dstExists, err := m.layout.Sandbox().Exists(dstRel)
	if err != nil {
		return err
	}
	if dstExists {
		return fmt.Errorf("%w: %s already in %s", models.ErrAlreadyExistsInTarget, jobID, to)
	}

	if err := m.layout.Sandbox().MkdirAll(m.layout.StateDirRel(to)); err != nil {
		return err
	}
	if err := m.layout.Sandbox().Rename(srcRel, dstRel); err != nil {
		return m.classifyRenameFailure(jobID, from, to, err)
	}

	meta, err := m.store.readIn(to, jobID)
	if err != nil {
		// The move itself succeeded; surface the metadata problem as-is.
		return err
	}
	meta.State = to
	switch to {
	case lifecycle.StateNew, lifecycle.StateDone, lifecycle.StateFailed:
		meta.ClearLease()
	}
	if err := m.store.writeIn(to, jobID, meta); err != nil {
		return err
	}

	if err := m.store.AppendLog(jobID, fmt.Sprintf("Transitioned to %s by %s", to, actor)); err != nil {
		m.logger.Warn("failed to append transition log line",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Debug("job transitioned",
		slog.String("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("actor", string(actor)),
	)

	if m.indexHook != nil {
		m.indexHook(meta)
	}
	return nil
}

// classifyRenameFailure maps a lost rename race onto the deterministic
// error taxonomy: the source vanished (another mover took the job) or the
// target is occupied (another mover already delivered it).
func (m *Mover) classifyRenameFailure(jobID string, from, to lifecycle.State, renameErr error) error {
	if errors.Is(renameErr, os.ErrNotExist) {
		return fmt.Errorf("%w: %s not in %s", models.ErrNotFoundInState, jobID, from)
	}
	if dstExists, err := m.layout.Sandbox().Exists(m.layout.JobDirRel(to, jobID)); err == nil && dstExists {
		return fmt.Errorf("%w: %s already in %s", models.ErrAlreadyExistsInTarget, jobID, to)
	}
	if srcExists, err := m.layout.Sandbox().Exists(m.layout.JobDirRel(from, jobID)); err == nil && !srcExists {
		return fmt.Errorf("%w: %s not in %s", models.ErrNotFoundInState, jobID, from)
	}
	return fmt.Errorf("moving %s from %s to %s: %w", jobID, from, to, renameErr)
}

// MoveIdempotent is Move for callers that may re-run after a crash: if the
// job already reached the target state it succeeds without moving, and if
// the job sits in a state that is neither source nor target it fails with
// ErrUnexpectedState.
func (m *Mover) MoveIdempotent(jobID string, expectedFrom, to lifecycle.State, actor lifecycle.Actor) error {
	current, err := m.store.Locate(jobID)
	if err != nil {
		return err
	}
	switch current {
	case to:
		return nil
	case expectedFrom:
		return m.Move(jobID, expectedFrom, to, actor)
	default:
		return fmt.Errorf("%w: %s is in %s, expected %s", models.ErrUnexpectedState, jobID, current, expectedFrom)
	}
}

// Reclaim returns an abandoned job to NEW. A job is reclaimable when it
// sits in CLAIMED or RUNNING with an absent or expired lease; a job whose
// worker still holds a valid lease is left alone. Returns whether the job
// was actually reclaimed.
func (m *Mover) Reclaim(jobID string) (bool, error) {
	state, err := m.store.Locate(jobID)
	if err != nil {
		return false, err
	}
	if state != lifecycle.StateClaimed && state != lifecycle.StateRunning {
		return false, nil
	}

	meta, err := m.store.readIn(state, jobID)
	if err != nil {
		return false, err
	}
	if !meta.LeaseExpired(time.Now()) {
		return false, nil
	}

	owner := meta.OwnerID
	if err := m.Move(jobID, state, lifecycle.StateNew, lifecycle.ActorSystem); err != nil {
		// A worker move that raced us is fine: the job is no longer where
		// we saw it, or already back in NEW.
		if errors.Is(err, models.ErrNotFoundInState) || errors.Is(err, models.ErrAlreadyExistsInTarget) {
			return false, nil
		}
		return false, err
	}

	msg := fmt.Sprintf("Job reclaimed from %s: lease expired", state)
	if owner != "" {
		msg += fmt.Sprintf(" (was owned by %s)", owner)
	}
	if err := m.store.AppendLog(jobID, msg); err != nil {
		m.logger.Warn("failed to append reclaim log line",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}
