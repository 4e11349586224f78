// Package pipeline provides the per-stage worker skeleton and the queue
// dispatcher that drives jobs through the stage sequence. All coordination
// goes through the filesystem state machine: the queues are hints, and
// losing them costs nothing because a cold-start scan regenerates them from
// the state directories.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/storage"
)

// Runner executes one stage's domain work for one job. Runners never touch
// job states or leases; the surrounding worker skeleton owns those.
type Runner interface {
	// Stage returns the stage label this runner serves.
	Stage() string

	// Run performs the stage's work and reports the artifacts it wrote.
	// Returning an error fails the stage; wrap it in a Failure to control
	// the recorded reason code.
	Run(ctx context.Context, job *JobContext) (*Result, error)
}

// JobContext carries everything a runner may use while processing a job.
type JobContext struct {
	JobID     string
	Meta      *models.Metadata
	Artifacts *storage.ArtifactStore
	Layout    *storage.Layout
	Logger    *slog.Logger
}

// Result is a runner's successful outcome.
type Result struct {
	// Artifacts lists the file names written under the stage's folder.
	Artifacts []string

	// Provider optionally names the backend that did the work.
	Provider string

	// Message is an optional summary stored on the stage record.
	Message string
}

// Failure is an error carrying a stable reason code for the stage record.
// Reasons are short upper-snake identifiers like SOURCE_NOT_FOUND.
type Failure struct {
	Reason  string
	Message string
	Err     error
}

// NewFailure builds a Failure with a formatted message.
func NewFailure(reason, format string, args ...any) *Failure {
	return &Failure{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying error.
func (f *Failure) WithCause(err error) *Failure {
	f.Err = err
	return f
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Reason, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// failureFrom normalizes any runner error into a Failure, defaulting the
// reason to STAGE_ERROR.
func failureFrom(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Reason: "STAGE_ERROR", Message: err.Error(), Err: err}
}
