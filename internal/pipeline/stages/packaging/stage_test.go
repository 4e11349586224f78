package packaging

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/pipeline"
	"github.com/stemforge/stemforge/internal/storage"
)

func newJobContext(t *testing.T, input string) *pipeline.JobContext {
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
	}
}

func plantArtifact(t *testing.T, job *pipeline.JobContext, stage, name string, data []byte) {
	t.Helper()
	_, err := job.Artifacts.WriteBytes(job.JobID, stage, name, data)
	require.NoError(t, err)
}

func readZip(t *testing.T, job *pipeline.JobContext) map[string][]byte {
	t.Helper()
	data, err := job.Layout.Sandbox().ReadFile(job.Layout.PackagedRel(job.JobID))
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	contents := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[f.Name] = body
	}
	return contents
}

func TestStage_PackagesAllArtifacts(t *testing.T) {
	job := newJobContext(t, `{"track":{"title":"Voided"}}`)
	plantArtifact(t, job, "download", "song.flac", []byte("src"))
	plantArtifact(t, job, "separation", "vocals.flac", []byte("v"))
	plantArtifact(t, job, "separation", "accompaniment.flac", []byte("a"))
	plantArtifact(t, job, "lyrics", "lyrics.lrc", []byte("[ti:Voided]"))

	result, err := New().Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest.json"}, result.Artifacts)
	assert.Contains(t, result.Message, job.JobID+".zip")

	contents := readZip(t, job)
	assert.Equal(t, []byte("src"), contents["download/song.flac"])
	assert.Equal(t, []byte("v"), contents["separation/vocals.flac"])
	assert.Equal(t, []byte("a"), contents["separation/accompaniment.flac"])
	assert.Equal(t, []byte("[ti:Voided]"), contents["lyrics/lyrics.lrc"])

	var m manifest
	require.NoError(t, json.Unmarshal(contents["manifest.json"], &m))
	assert.Equal(t, job.JobID, m.JobID)
	assert.Equal(t, "Voided", m.Track.Title)
	assert.ElementsMatch(t, []string{"vocals.flac", "accompaniment.flac"}, m.Files["separation"])
}

func TestStage_ManifestArtifactMatchesZipEntry(t *testing.T) {
	job := newJobContext(t, `{}`)
	plantArtifact(t, job, "download", "song.flac", []byte("src"))

	_, err := New().Run(context.Background(), job)
	require.NoError(t, err)

	stored, err := job.Artifacts.Read(job.JobID, "packaging", "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, readZip(t, job)["manifest.json"], stored)
}

func TestStage_NothingToPackage(t *testing.T) {
	job := newJobContext(t, `{}`)

	_, err := New().Run(context.Background(), job)
	require.Error(t, err)
	var f *pipeline.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, ReasonNothingToPackage, f.Reason)
}
