package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/observability"
	"github.com/stemforge/stemforge/internal/storage"
)

// errPrerequisiteNotMet reports a claim released because an earlier stage
// has not completed. The dispatcher reroutes such jobs to the first
// incomplete stage instead of leaving them idle until the next cold start.
var errPrerequisiteNotMet = errors.New("prerequisite stage not complete")

// Worker drives one job through one stage: claim, lease, run, record,
// deliver. Losing any race along the way is a clean no-op because every
// transition goes through the atomic mover.
type Worker struct {
	stage     string
	prior     []string
	cfg       config.StageConfig
	runner    Runner
	store     *storage.MetadataStore
	mover     *storage.Mover
	artifacts *storage.ArtifactStore
	layout    *storage.Layout
	logger    *slog.Logger
}

// NewWorker creates a worker for the given stage. prior lists the stage
// labels that must be COMPLETE before this stage may run, in order.
func NewWorker(stage string, prior []string, cfg config.StageConfig, runner Runner,
	store *storage.MetadataStore, mover *storage.Mover, artifacts *storage.ArtifactStore,
	layout *storage.Layout, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		stage:     stage,
		prior:     prior,
		cfg:       cfg,
		runner:    runner,
		store:     store,
		mover:     mover,
		artifacts: artifacts,
		layout:    layout,
		logger:    observability.WithComponent(logger, "worker."+stage),
	}
}

// Process attempts to run this worker's stage for the given job. It returns
// true when the job ended the call in DONE for this stage (freshly executed
// or skipped as already complete). Lost claim races return (false, nil).
func (w *Worker) Process(ctx context.Context, jobID string) (bool, error) {
	actor := lifecycle.WorkerActor(w.stage)

	current, err := w.store.Locate(jobID)
	if err != nil {
		return false, err
	}
	if current != lifecycle.StateNew && current != lifecycle.StateDone {
		// Another worker holds it, or it already failed.
		return false, nil
	}

	if err := w.mover.Move(jobID, current, lifecycle.StateClaimed, actor); err != nil {
		if errors.Is(err, models.ErrNotFoundInState) || errors.Is(err, models.ErrAlreadyExistsInTarget) {
			return false, nil
		}
		return false, err
	}

	meta, err := w.store.Read(jobID)
	if err != nil {
		w.release(jobID, "metadata unreadable after claim")
		return false, err
	}

	// Idempotent skip: a re-dispatched job whose record is already
	// COMPLETE passes straight through without re-running.
	if meta.StageStatus(w.stage) == models.StageComplete {
		if err := w.mover.Move(jobID, lifecycle.StateClaimed, lifecycle.StateRunning, actor); err != nil {
			return false, err
		}
		if err := w.mover.Move(jobID, lifecycle.StateRunning, lifecycle.StateDone, actor); err != nil {
			return false, err
		}
		w.logger.Debug("stage already complete, skipped",
			slog.String("job_id", jobID),
		)
		return true, nil
	}

	if unmet := w.unmetPrerequisite(meta); unmet != "" {
		w.logger.Warn("claimed job with unmet prerequisite, releasing",
			slog.String("job_id", jobID),
			slog.String("missing_stage", unmet),
		)
		w.release(jobID, fmt.Sprintf("prerequisite stage %s not complete", unmet))
		return false, fmt.Errorf("%w: %s", errPrerequisiteNotMet, unmet)
	}

	ownerID := fmt.Sprintf("%s-%s", actor, uuid.NewString())
	if err := w.renewLease(jobID, ownerID); err != nil {
		w.release(jobID, "failed to record lease")
		return false, err
	}

	if err := w.mover.Move(jobID, lifecycle.StateClaimed, lifecycle.StateRunning, actor); err != nil {
		return false, err
	}
	w.appendLog(jobID, fmt.Sprintf("Stage %s started", w.stage))

	result, runErr := w.runWithRetries(ctx, jobID, ownerID, meta)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			// Interrupted, not failed. The job stays in RUNNING with its
			// lease intact; the reclaim sweep returns it to NEW once the
			// lease expires.
			w.appendLog(jobID, fmt.Sprintf("Stage %s interrupted", w.stage))
			return false, runErr
		}
		return false, w.fail(jobID, actor, runErr)
	}
	return true, w.complete(jobID, actor, result)
}

// unmetPrerequisite returns the first prior stage that is not COMPLETE, or
// an empty string when all prerequisites hold.
func (w *Worker) unmetPrerequisite(meta *models.Metadata) string {
	for _, stage := range w.prior {
		if meta.StageStatus(stage) != models.StageComplete {
			return stage
		}
	}
	return ""
}

// runWithRetries executes the runner, retrying transient failures with
// backoff while extending the lease before each attempt.
func (w *Worker) runWithRetries(ctx context.Context, jobID, ownerID string, meta *models.Metadata) (*Result, error) {
	job := &JobContext{
		JobID:     jobID,
		Meta:      meta,
		Artifacts: w.artifacts,
		Layout:    w.layout,
		Logger:    observability.WithJob(w.logger, jobID),
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			w.appendLog(jobID, fmt.Sprintf("Stage %s retrying (attempt %d of %d)", w.stage, attempt+1, w.cfg.RetryAttempts+1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.cfg.RetryBackoff.Duration()):
			}
			if err := w.renewLease(jobID, ownerID); err != nil {
				return nil, err
			}
		}

		runCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout := w.cfg.Timeout.Duration(); timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		result, err := w.runAttempt(runCtx, job)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err
		// A dead parent context means shutdown; a per-attempt timeout with a
		// healthy parent is retried like any other transient failure.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			break
		}
		w.logger.Warn("stage attempt failed",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

// runAttempt invokes the runner, converting a panic into a stage failure so
// one bad job cannot take down the worker pool.
func (w *Worker) runAttempt(ctx context.Context, job *JobContext) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in stage runner",
				slog.String("job_id", job.JobID),
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = NewFailure("STAGE_PANIC", "stage %s panicked: %v", w.stage, r)
		}
	}()
	return w.runner.Run(ctx, job)
}

// renewLease stamps logical custody onto the metadata record.
func (w *Worker) renewLease(jobID, ownerID string) error {
	meta, err := w.store.Read(jobID)
	if err != nil {
		return err
	}
	meta.SetLease(ownerID, time.Now().Add(w.cfg.Lease.Duration()))
	return w.store.Write(jobID, meta)
}

// complete records the stage result and delivers the job to DONE.
func (w *Worker) complete(jobID string, actor lifecycle.Actor, result *Result) error {
	if result == nil {
		result = &Result{}
	}

	meta, err := w.store.Read(jobID)
	if err != nil {
		return err
	}
	rec := models.CompleteRecord(result.Artifacts)
	rec.Provider = result.Provider
	rec.Message = result.Message
	if err := meta.SetStageRecord(w.stage, rec); err != nil {
		return err
	}
	if err := w.store.Write(jobID, meta); err != nil {
		return err
	}

	if err := w.mover.Move(jobID, lifecycle.StateRunning, lifecycle.StateDone, actor); err != nil {
		return err
	}
	w.appendLog(jobID, fmt.Sprintf("Stage %s completed", w.stage))
	return nil
}

// fail records the classified failure and moves the job to FAILED. The
// returned error is the original failure so callers can log it.
func (w *Worker) fail(jobID string, actor lifecycle.Actor, runErr error) error {
	f := failureFrom(runErr)

	meta, err := w.store.Read(jobID)
	if err != nil {
		return errors.Join(runErr, err)
	}
	rec := models.FailedRecord(f.Reason, f.Message)
	if f.Err != nil {
		rec.Error = f.Err.Error()
	}
	if err := meta.SetStageRecord(w.stage, rec); err != nil {
		return errors.Join(runErr, err)
	}
	if err := w.store.Write(jobID, meta); err != nil {
		return errors.Join(runErr, err)
	}

	if err := w.mover.Move(jobID, lifecycle.StateRunning, lifecycle.StateFailed, actor); err != nil {
		return errors.Join(runErr, err)
	}
	w.appendLog(jobID, fmt.Sprintf("Stage %s failed: %s: %s", w.stage, f.Reason, f.Message))
	return runErr
}

// release hands a claimed job back to NEW after a claim that should not
// have happened. Uses the system actor because workers may not move jobs
// backwards.
func (w *Worker) release(jobID, why string) {
	if err := w.mover.Move(jobID, lifecycle.StateClaimed, lifecycle.StateNew, lifecycle.ActorSystem); err != nil {
		w.logger.Error("failed to release claimed job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.appendLog(jobID, fmt.Sprintf("Claim released: %s", why))
}

func (w *Worker) appendLog(jobID, msg string) {
	if err := w.store.AppendLog(jobID, msg); err != nil {
		w.logger.Warn("failed to append job log line",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
