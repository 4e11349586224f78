package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/database"
	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
)

func newTestRepo(t *testing.T) *jobIndexRepo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "index.db"),
		LogLevel: "silent",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(&models.JobRow{}))
	return NewJobIndexRepository(db.DB)
}

func indexTestMetadata(t *testing.T, state lifecycle.State, createdAt time.Time) *models.Metadata {
	t.Helper()
	meta := models.NewMetadata(models.NewJobID(), json.RawMessage(`{"ref":"x"}`))
	meta.State = state
	meta.CreatedAt = models.NewTimestamp(createdAt)
	meta.UpdatedAt = meta.CreatedAt
	return meta
}

func TestJobIndexRepo_UpsertAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	meta := indexTestMetadata(t, lifecycle.StateNew, time.Now())
	require.NoError(t, repo.Upsert(ctx, meta))

	row, err := repo.GetByID(ctx, meta.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, meta.ID, row.ID)
	assert.Equal(t, "NEW", row.State)
	assert.JSONEq(t, `{"ref":"x"}`, jsonField(t, row.Metadata, "input"))

	// Upsert again with a new state replaces the row.
	meta.State = lifecycle.StateClaimed
	meta.SetLease("owner-1", time.Now().Add(time.Minute))
	require.NoError(t, repo.Upsert(ctx, meta))

	row, err = repo.GetByID(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "CLAIMED", row.State)
	assert.Equal(t, "owner-1", row.OwnerID)
	require.NotNil(t, row.LeaseExpiresAt)

	count, err := repo.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

// jsonField pulls a raw top-level field out of a serialized JSON object.
func jsonField(t *testing.T, data, key string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(data), &m))
	return string(m[key])
}

func TestJobIndexRepo_GetByID_Missing(t *testing.T) {
	repo := newTestRepo(t)

	row, err := repo.GetByID(context.Background(), models.NewJobID())
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestJobIndexRepo_ListAndFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var newest string
	for i := 0; i < 3; i++ {
		meta := indexTestMetadata(t, lifecycle.StateNew, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Upsert(ctx, meta))
		newest = meta.ID
	}
	done := indexTestMetadata(t, lifecycle.StateDone, base.Add(time.Hour))
	require.NoError(t, repo.Upsert(ctx, done))

	all, err := repo.List(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, done.ID, all[0].ID, "newest first")

	onlyNew, err := repo.List(ctx, "NEW", 0, 0)
	require.NoError(t, err)
	require.Len(t, onlyNew, 3)
	assert.Equal(t, newest, onlyNew[0].ID)

	paged, err := repo.List(ctx, "NEW", 2, 1)
	require.NoError(t, err)
	assert.Len(t, paged, 2)

	count, err := repo.Count(ctx, "NEW")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestJobIndexRepo_Truncate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := indexTestMetadata(t, lifecycle.StateNew, time.Now())
	b := indexTestMetadata(t, lifecycle.StateNew, time.Now())
	require.NoError(t, repo.Upsert(ctx, a))
	require.NoError(t, repo.Upsert(ctx, b))

	require.NoError(t, repo.Truncate(ctx))
	count, err := repo.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}
