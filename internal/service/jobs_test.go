package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/database"
	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/repository"
	"github.com/stemforge/stemforge/internal/storage"
)

type fakeDispatcher struct {
	first      []string
	redispatch []string
}

func (d *fakeDispatcher) EnqueueFirst(jobID string) { d.first = append(d.first, jobID) }
func (d *fakeDispatcher) Redispatch(jobID string)   { d.redispatch = append(d.redispatch, jobID) }

type serviceEnv struct {
	layout    *storage.Layout
	store     *storage.MetadataStore
	mover     *storage.Mover
	artifacts *storage.ArtifactStore
	index     repository.JobIndexRepository
	svc       *JobService
}

func newTestService(t *testing.T, dispatcher Dispatcher) *serviceEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	layout, err := storage.NewLayout(t.TempDir(), logger)
	require.NoError(t, err)
	store := storage.NewMetadataStore(layout, logger, nil)
	mover := storage.NewMover(layout, store, logger)
	artifacts := storage.NewArtifactStore(layout, store)

	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "index.db"),
		LogLevel: "silent",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(&models.JobRow{}))
	index := repository.NewJobIndexRepository(db.DB)
	mover.WithIndexHook(NewIndexHook(index, logger))

	svc := NewJobService(store, mover, artifacts, logger).WithIndex(index)
	if dispatcher != nil {
		svc.WithDispatcher(dispatcher)
	}
	return &serviceEnv{layout: layout, store: store, mover: mover, artifacts: artifacts, index: index, svc: svc}
}

func TestCreateJob(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	env := newTestService(t, dispatcher)
	ctx := context.Background()

	meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{"source":{"ref":"song.flac"}}`))
	require.NoError(t, err)
	require.NotEmpty(t, meta.ID)
	assert.Equal(t, lifecycle.StateNew, meta.State)
	assert.Equal(t, []string{meta.ID}, dispatcher.first)

	// Metadata on disk, creation logged, index row present.
	got, err := env.store.Read(meta.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":{"ref":"song.flac"}}`, string(got.Input))

	lines, err := env.store.ReadLog(meta.ID)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "created")

	row, err := env.index.GetByID(ctx, meta.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "NEW", row.State)
}

func TestListJobs_IndexAndFilesystemAgree(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, meta.ID)
		time.Sleep(5 * time.Millisecond)
	}

	fromIndex, err := env.svc.ListJobs(ctx, ListOptions{})
	require.NoError(t, err)
	fromFS, err := env.svc.listFromFilesystem(ListOptions{})
	require.NoError(t, err)

	require.Len(t, fromIndex, 3)
	require.Len(t, fromFS, 3)
	for i := range fromIndex {
		assert.Equal(t, fromFS[i].ID, fromIndex[i].ID)
	}
	// Newest first.
	assert.Equal(t, ids[2], fromIndex[0].ID)
}

func TestListJobs_FilterAndPagination(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, meta.ID)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, env.mover.Move(ids[0], lifecycle.StateNew, lifecycle.StateClaimed, lifecycle.ActorSystem))

	claimed, err := env.svc.ListJobs(ctx, ListOptions{State: "CLAIMED"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[0], claimed[0].ID)

	page, err := env.svc.ListJobs(ctx, ListOptions{State: "NEW", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	_, err = env.svc.ListJobs(ctx, ListOptions{State: "PENDING"})
	assert.Error(t, err)
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestService(t, nil)
	_, err := env.svc.GetJob(context.Background(), models.NewJobID())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetJobArtifacts(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = env.artifacts.WriteBytes(meta.ID, "download", "song.flac", []byte("x"))
	require.NoError(t, err)

	files, err := env.svc.GetJobArtifacts(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"download": {"song.flac"}}, files)
}

// failJobStage drives a job into FAILED with a failed record for the
// named stage.
func failJobStage(t *testing.T, env *serviceEnv, jobID, stage string) {
	t.Helper()
	worker := lifecycle.WorkerActor(stage)
	require.NoError(t, env.mover.Move(jobID, lifecycle.StateNew, lifecycle.StateClaimed, worker))
	require.NoError(t, env.mover.Move(jobID, lifecycle.StateClaimed, lifecycle.StateRunning, worker))

	meta, err := env.store.Read(jobID)
	require.NoError(t, err)
	require.NoError(t, meta.SetStageRecord(stage, models.FailedRecord("FETCH_FAILED", "upstream gone")))
	require.NoError(t, env.store.Write(jobID, meta))
	require.NoError(t, env.mover.Move(jobID, lifecycle.StateRunning, lifecycle.StateFailed, worker))
}

func TestRetryJob(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	env := newTestService(t, dispatcher)
	ctx := context.Background()

	meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	failJobStage(t, env, meta.ID, "download")

	require.NoError(t, env.svc.RetryJob(ctx, meta.ID, "transient upstream outage"))

	got, err := env.store.Read(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateNew, got.State)
	assert.Equal(t, models.StageNotStarted, got.StageStatus("download"))
	assert.Empty(t, got.OwnerID)

	lines, err := env.store.ReadLog(meta.ID)
	require.NoError(t, err)
	var found bool
	for _, line := range lines {
		if strings.Contains(line, "Retry requested: transient upstream outage") {
			found = true
		}
	}
	assert.True(t, found, "log must record the retry reason")
	assert.Equal(t, []string{meta.ID}, dispatcher.redispatch)

	// Index row follows the move back to NEW.
	row, err := env.index.GetByID(ctx, meta.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "NEW", row.State)
}

func TestRetryJob_KeepsCompletedStages(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := env.store.Read(meta.ID)
	require.NoError(t, err)
	require.NoError(t, got.SetStageRecord("download", models.CompleteRecord([]string{"song.flac"})))
	require.NoError(t, env.store.Write(meta.ID, got))
	failJobStage(t, env, meta.ID, "separation")

	require.NoError(t, env.svc.RetryJob(ctx, meta.ID, ""))

	after, err := env.store.Read(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageComplete, after.StageStatus("download"))
	assert.Equal(t, models.StageNotStarted, after.StageStatus("separation"))
}

func TestRetryJob_NotRetryable(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	err = env.svc.RetryJob(ctx, meta.ID, "nope")
	assert.ErrorIs(t, err, models.ErrNotRetryable)
}

func TestTransitionJob(t *testing.T) {
	env := newTestService(t, nil)
	ctx := context.Background()

	meta, err := env.svc.CreateJob(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, env.svc.TransitionJob(ctx, meta.ID, lifecycle.StateClaimed, lifecycle.ActorSystem))
	state, err := env.store.Locate(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateClaimed, state)

	// Illegal transitions surface the state machine error.
	err = env.svc.TransitionJob(ctx, meta.ID, lifecycle.StateDone, lifecycle.ActorSystem)
	assert.ErrorIs(t, err, lifecycle.ErrUnknownTransition)
}
