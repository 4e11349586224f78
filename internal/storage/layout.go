package storage

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
)

// Top-level directories under the storage root.
const (
	dirJobs     = "jobs"
	dirUploads  = "uploads"
	dirPackaged = "artifactsPackaged"

	// Per-job substructure.
	metadataFile = "metadata"
	logDir       = "log"
	logFile      = "job.log"

	// probeName is the sentinel directory used by the startup rename probe.
	probeName = ".rename-probe"
)

// Layout owns the on-disk directory tree that encodes job state. A job's
// folder lives in exactly one state directory at a time; the directory IS
// the state. Nothing outside this package constructs job paths.
type Layout struct {
	sandbox *Sandbox
	logger  *slog.Logger
}

// NewLayout creates the layout rooted at storageRoot, ensures every state
// directory exists, and probes rename atomicity between NEW and CLAIMED.
// The probe failing means the root spans filesystems (or the host cannot
// rename atomically) and the core refuses to run.
func NewLayout(storageRoot string, logger *slog.Logger) (*Layout, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sandbox, err := NewSandbox(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("initializing storage root: %w", err)
	}

	l := &Layout{sandbox: sandbox, logger: logger}

	for _, state := range lifecycle.AllStates() {
		if err := sandbox.MkdirAll(l.StateDirRel(state)); err != nil {
			return nil, fmt.Errorf("creating state directory %s: %w", state, err)
		}
	}
	if err := sandbox.MkdirAll(dirUploads); err != nil {
		return nil, fmt.Errorf("creating uploads directory: %w", err)
	}
	if err := sandbox.MkdirAll(dirPackaged); err != nil {
		return nil, fmt.Errorf("creating packaged artifacts directory: %w", err)
	}

	if err := l.probeAtomicRename(); err != nil {
		return nil, err
	}

	logger.Info("storage layout initialized",
		slog.String("root", sandbox.BaseDir()),
	)
	return l, nil
}

// probeAtomicRename moves a sentinel directory NEW -> CLAIMED -> NEW. If any
// rename fails the state directories do not share a filesystem with atomic
// rename semantics, which would break invariant 1.
func (l *Layout) probeAtomicRename() error {
	src := path.Join(l.StateDirRel(lifecycle.StateNew), probeName)
	dst := path.Join(l.StateDirRel(lifecycle.StateClaimed), probeName)

	// Clear residue from a previous crashed probe.
	_ = l.sandbox.RemoveAll(src)
	_ = l.sandbox.RemoveAll(dst)

	if err := l.sandbox.MkdirAll(src); err != nil {
		return fmt.Errorf("creating rename probe: %w", err)
	}
	defer func() {
		_ = l.sandbox.RemoveAll(src)
		_ = l.sandbox.RemoveAll(dst)
	}()

	if err := l.sandbox.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrNonAtomicFilesystem, err)
	}
	if err := l.sandbox.Rename(dst, src); err != nil {
		return fmt.Errorf("%w: %v", models.ErrNonAtomicFilesystem, err)
	}
	return nil
}

// Sandbox exposes the underlying sandbox for sibling stores in this package
// and for tests.
func (l *Layout) Sandbox() *Sandbox {
	return l.sandbox
}

// Root returns the absolute storage root.
func (l *Layout) Root() string {
	return l.sandbox.BaseDir()
}

// StateDirRel returns the sandbox-relative path of a state directory.
func (l *Layout) StateDirRel(state lifecycle.State) string {
	return path.Join(dirJobs, string(state))
}

// JobDirRel returns the sandbox-relative path of a job's folder in the
// given state. Callers must not cache the result across mover invocations:
// the job's path changes on every transition.
func (l *Layout) JobDirRel(state lifecycle.State, jobID string) string {
	return path.Join(dirJobs, string(state), jobID)
}

// MetadataRel returns the sandbox-relative path of a job's metadata record.
func (l *Layout) MetadataRel(state lifecycle.State, jobID string) string {
	return path.Join(l.JobDirRel(state, jobID), metadataFile)
}

// LogDirRel returns the sandbox-relative path of a job's log directory.
// Created once at job creation; appends never recreate it.
func (l *Layout) LogDirRel(state lifecycle.State, jobID string) string {
	return path.Join(l.JobDirRel(state, jobID), logDir)
}

// LogRel returns the sandbox-relative path of a job's append-only log.
func (l *Layout) LogRel(state lifecycle.State, jobID string) string {
	return path.Join(l.JobDirRel(state, jobID), logDir, logFile)
}

// ArtifactRel returns the sandbox-relative path of a stage artifact.
func (l *Layout) ArtifactRel(state lifecycle.State, jobID, stage, fileName string) string {
	return path.Join(l.JobDirRel(state, jobID), stage, fileName)
}

// UploadsRel returns the sandbox-relative uploads directory. Its contents
// are opaque ingest inputs.
func (l *Layout) UploadsRel() string {
	return dirUploads
}

// PackagedRel returns the sandbox-relative path of a job's final package.
func (l *Layout) PackagedRel(jobID string) string {
	return path.Join(dirPackaged, jobID+".zip")
}
