package models

import "errors"

// Domain errors surfaced by the storage core. Callers classify with
// errors.Is; the service layer maps them to its own responses.
var (
	// ErrNotFound indicates the job does not exist in any state directory.
	ErrNotFound = errors.New("job not found")

	// ErrNotFoundInState indicates the job is not in the expected source
	// state directory of a move.
	ErrNotFoundInState = errors.New("job not found in source state")

	// ErrAlreadyExistsInTarget indicates the target state directory already
	// holds a folder for the job. Residue from a failed move or a bug; the
	// core never auto-deletes it.
	ErrAlreadyExistsInTarget = errors.New("job already exists in target state")

	// ErrUnexpectedState indicates an idempotent move found the job in a
	// state that is neither the expected source nor the target.
	ErrUnexpectedState = errors.New("job in unexpected state")

	// ErrCorrupt indicates the metadata record failed to parse. The job is
	// quarantined: it stays in place and writes are refused until repaired.
	ErrCorrupt = errors.New("metadata corrupt")

	// ErrNonAtomicFilesystem indicates the storage root does not support
	// atomic cross-directory renames. Fatal at startup.
	ErrNonAtomicFilesystem = errors.New("filesystem does not support atomic rename")

	// ErrArtifactExists indicates an artifact with the same stage and file
	// name was already written. Artifacts are immutable; pick a new name.
	ErrArtifactExists = errors.New("artifact already exists")

	// ErrMetadataTooLarge indicates a metadata record exceeds the configured
	// size limit.
	ErrMetadataTooLarge = errors.New("metadata record too large")

	// ErrLogFull indicates the job log reached the configured size limit and
	// no further lines are appended.
	ErrLogFull = errors.New("job log full")

	// ErrNotRetryable indicates a retry was requested for a job that is not
	// in FAILED.
	ErrNotRetryable = errors.New("job is not in a retryable state")
)
