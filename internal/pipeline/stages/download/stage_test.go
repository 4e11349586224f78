package download

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/pipeline"
	"github.com/stemforge/stemforge/internal/storage"
)

func newJobContext(t *testing.T, input string) (*pipeline.JobContext, *storage.Layout) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	layout, err := storage.NewLayout(t.TempDir(), logger)
	require.NoError(t, err)
	store := storage.NewMetadataStore(layout, logger, nil)

	meta := models.NewMetadata(models.NewJobID(), json.RawMessage(input))
	require.NoError(t, store.Create(meta))

	return &pipeline.JobContext{
		JobID:     meta.ID,
		Meta:      meta,
		Artifacts: storage.NewArtifactStore(layout, store),
		Layout:    layout,
		Logger:    logger,
	}, layout
}

func stageUpload(t *testing.T, layout *storage.Layout, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(layout.Root(), "uploads", name), data, 0o600))
}

func TestStage_FetchesUpload(t *testing.T) {
	job, layout := newJobContext(t, `{"source":{"kind":"upload","ref":"song.flac"}}`)
	stageUpload(t, layout, "song.flac", []byte("audio-bytes"))

	result, err := New(NewUploadFetcher(layout)).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"song.flac"}, result.Artifacts)
	assert.Equal(t, "upload", result.Provider)

	data, err := job.Artifacts.Read(job.JobID, "download", "song.flac")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), data)
}

func TestStage_MissingUpload(t *testing.T) {
	job, layout := newJobContext(t, `{"source":{"kind":"upload","ref":"missing.flac"}}`)

	_, err := New(NewUploadFetcher(layout)).Run(context.Background(), job)
	require.Error(t, err)
	var f *pipeline.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ReasonSourceNotFound, f.Reason)
}

func TestStage_EmptyInput(t *testing.T) {
	job, layout := newJobContext(t, ``)

	_, err := New(NewUploadFetcher(layout)).Run(context.Background(), job)
	require.Error(t, err)
	var f *pipeline.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ReasonInputInvalid, f.Reason)
}

func TestStage_UnknownSourceKind(t *testing.T) {
	job, layout := newJobContext(t, `{"source":{"kind":"torrent","ref":"x"}}`)

	_, err := New(NewUploadFetcher(layout)).Run(context.Background(), job)
	require.Error(t, err)
	var f *pipeline.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ReasonInputInvalid, f.Reason)
}

func TestUploadFetcher_RejectsPathRefs(t *testing.T) {
	_, layout := newJobContext(t, `{}`)
	fetcher := NewUploadFetcher(layout)

	for _, ref := range []string{"", "../metadata", "a/b"} {
		_, _, err := fetcher.Fetch(context.Background(), pipeline.SourceSpec{Kind: "upload", Ref: ref})
		assert.Error(t, err, "ref %q", ref)
	}
}
