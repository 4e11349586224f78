package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/storage"
)

type testEnv struct {
	layout    *storage.Layout
	store     *storage.MetadataStore
	mover     *storage.Mover
	artifacts *storage.ArtifactStore
	logger    *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	layout, err := storage.NewLayout(t.TempDir(), logger)
	require.NoError(t, err)
	store := storage.NewMetadataStore(layout, logger, nil)
	return &testEnv{
		layout:    layout,
		store:     store,
		mover:     storage.NewMover(layout, store, logger),
		artifacts: storage.NewArtifactStore(layout, store),
		logger:    logger,
	}
}

func (e *testEnv) createJob(t *testing.T, input string) string {
	t.Helper()
	meta := models.NewMetadata(models.NewJobID(), json.RawMessage(input))
	require.NoError(t, e.store.Create(meta))
	return meta.ID
}

func (e *testEnv) jobState(t *testing.T, jobID string) lifecycle.State {
	t.Helper()
	state, err := e.store.Locate(jobID)
	require.NoError(t, err)
	return state
}

// fakeRunner runs a canned script of outcomes, one per call.
type fakeRunner struct {
	stage string
	calls atomic.Int32
	// errs[i] is returned on call i; nil means success. Calls beyond the
	// script succeed.
	errs []error
}

func (r *fakeRunner) Stage() string { return r.stage }

func (r *fakeRunner) Run(_ context.Context, job *JobContext) (*Result, error) {
	n := int(r.calls.Add(1)) - 1
	if n < len(r.errs) && r.errs[n] != nil {
		return nil, r.errs[n]
	}
	name := r.stage + ".out"
	if _, err := job.Artifacts.WriteBytes(job.JobID, r.stage, name, []byte("data")); err != nil {
		return nil, err
	}
	return &Result{Artifacts: []string{name}, Provider: "fake"}, nil
}

func stageSettings() config.StageConfig {
	return config.StageConfig{
		Concurrency:   1,
		Lease:         config.Duration(time.Minute),
		Timeout:       config.Duration(time.Minute),
		RetryAttempts: 0,
		RetryBackoff:  config.Duration(time.Millisecond),
	}
}

func newTestWorker(e *testEnv, runner Runner, prior []string, cfg config.StageConfig) *Worker {
	return NewWorker(runner.Stage(), prior, cfg,
		runner, e.store, e.mover, e.artifacts, e.layout, e.logger)
}

func TestWorker_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)
	runner := &fakeRunner{stage: "download"}
	worker := newTestWorker(env, runner, nil, stageSettings())

	completed, err := worker.Process(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, lifecycle.StateDone, env.jobState(t, jobID))

	meta, err := env.store.Read(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StageComplete, meta.StageStatus("download"))
	assert.Empty(t, meta.OwnerID, "lease cleared on delivery")
	rec, err := meta.StageRecord("download")
	require.NoError(t, err)
	assert.Equal(t, []string{"download.out"}, rec.Artifacts)
	assert.Equal(t, "fake", rec.Provider)

	lines, err := env.store.ReadLog(jobID)
	require.NoError(t, err)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "Stage download started")
	assert.Contains(t, joined, "Stage download completed")
}

func TestWorker_FailureRecorded(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)
	runner := &fakeRunner{
		stage: "download",
		errs:  []error{NewFailure("SOURCE_NOT_FOUND", "no such upload")},
	}
	worker := newTestWorker(env, runner, nil, stageSettings())

	completed, err := worker.Process(context.Background(), jobID)
	require.Error(t, err)
	assert.False(t, completed)
	assert.Equal(t, lifecycle.StateFailed, env.jobState(t, jobID))

	meta, err := env.store.Read(jobID)
	require.NoError(t, err)
	rec, err := meta.StageRecord("download")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, rec.Status)
	assert.Equal(t, "SOURCE_NOT_FOUND", rec.Reason)
	assert.Equal(t, "no such upload", rec.Message)
	assert.Empty(t, meta.OwnerID, "lease cleared on failure")

	lines, err := env.store.ReadLog(jobID)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(lines, "\n"), "Stage download failed: SOURCE_NOT_FOUND")
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)
	runner := &fakeRunner{
		stage: "download",
		errs:  []error{NewFailure("FETCH_FAILED", "transient")},
	}
	cfg := stageSettings()
	cfg.RetryAttempts = 2
	worker := newTestWorker(env, runner, nil, cfg)

	completed, err := worker.Process(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, int32(2), runner.calls.Load())
	assert.Equal(t, lifecycle.StateDone, env.jobState(t, jobID))

	lines, err := env.store.ReadLog(jobID)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(lines, "\n"), "Stage download retrying")
}

func TestWorker_RetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)
	failure := NewFailure("FETCH_FAILED", "still broken")
	runner := &fakeRunner{
		stage: "download",
		errs:  []error{failure, failure},
	}
	cfg := stageSettings()
	cfg.RetryAttempts = 1
	worker := newTestWorker(env, runner, nil, cfg)

	_, err := worker.Process(context.Background(), jobID)
	require.Error(t, err)
	assert.Equal(t, int32(2), runner.calls.Load())
	assert.Equal(t, lifecycle.StateFailed, env.jobState(t, jobID))
}

func TestWorker_IdempotentSkip(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)

	meta, err := env.store.Read(jobID)
	require.NoError(t, err)
	require.NoError(t, meta.SetStageRecord("download", models.CompleteRecord([]string{"download.out"})))
	require.NoError(t, env.store.Write(jobID, meta))

	runner := &fakeRunner{stage: "download"}
	worker := newTestWorker(env, runner, nil, stageSettings())

	completed, err := worker.Process(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Zero(t, runner.calls.Load(), "runner must not re-execute a complete stage")
	assert.Equal(t, lifecycle.StateDone, env.jobState(t, jobID))
}

func TestWorker_PrerequisiteUnmetReleases(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)

	runner := &fakeRunner{stage: "separation"}
	worker := newTestWorker(env, runner, []string{"download"}, stageSettings())

	completed, err := worker.Process(context.Background(), jobID)
	require.ErrorIs(t, err, errPrerequisiteNotMet)
	assert.False(t, completed)
	assert.Zero(t, runner.calls.Load())
	assert.Equal(t, lifecycle.StateNew, env.jobState(t, jobID))
}

func TestWorker_ShutdownLeavesRunning(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)
	runner := &blockingRunner{started: make(chan struct{})}
	worker := newTestWorker(env, runner, nil, stageSettings())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := worker.Process(ctx, jobID)
		errCh <- err
	}()
	<-runner.started
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, lifecycle.StateRunning, env.jobState(t, jobID),
		"interrupted work stays in RUNNING for the reclaim sweep")

	meta, err := env.store.Read(jobID)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.OwnerID, "lease stays intact until reclaimed")
	rec, err := meta.StageRecord("download")
	require.NoError(t, err)
	assert.Nil(t, rec, "no failure record for interrupted work")

	lines, err := env.store.ReadLog(jobID)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(lines, "\n"), "Stage download interrupted")
}

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Stage() string { return "download" }

func (r *blockingRunner) Run(ctx context.Context, _ *JobContext) (*Result, error) {
	close(r.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)
	worker := newTestWorker(env, &panicRunner{}, nil, stageSettings())

	completed, err := worker.Process(context.Background(), jobID)
	require.Error(t, err)
	assert.False(t, completed)
	assert.Equal(t, lifecycle.StateFailed, env.jobState(t, jobID))

	meta, err := env.store.Read(jobID)
	require.NoError(t, err)
	rec, err := meta.StageRecord("download")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, rec.Status)
	assert.Equal(t, "STAGE_PANIC", rec.Reason)
}

type panicRunner struct{}

func (panicRunner) Stage() string { return "download" }

func (panicRunner) Run(context.Context, *JobContext) (*Result, error) {
	panic("nil track metadata")
}

func TestWorker_LostRaceIsCleanNoop(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)
	require.NoError(t, env.mover.Move(jobID, lifecycle.StateNew, lifecycle.StateClaimed, lifecycle.WorkerActor("download")))

	runner := &fakeRunner{stage: "download"}
	worker := newTestWorker(env, runner, nil, stageSettings())

	completed, err := worker.Process(context.Background(), jobID)
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Zero(t, runner.calls.Load())
	assert.Equal(t, lifecycle.StateClaimed, env.jobState(t, jobID))
}

func TestWorker_LeaseSetWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, `{}`)

	var sawOwner atomic.Bool
	runner := &checkLeaseRunner{env: env, sawOwner: &sawOwner}
	worker := NewWorker("download", nil, stageSettings(), runner,
		env.store, env.mover, env.artifacts, env.layout, env.logger)

	completed, err := worker.Process(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.True(t, sawOwner.Load(), "lease must be set before the runner executes")
}

type checkLeaseRunner struct {
	env      *testEnv
	sawOwner *atomic.Bool
}

func (r *checkLeaseRunner) Stage() string { return "download" }

func (r *checkLeaseRunner) Run(_ context.Context, job *JobContext) (*Result, error) {
	meta, err := r.env.store.Read(job.JobID)
	if err != nil {
		return nil, err
	}
	if meta.OwnerID != "" && meta.LeaseExpiresAt != nil {
		r.sawOwner.Store(true)
	}
	return &Result{}, nil
}
