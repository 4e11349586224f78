// Package download implements the source acquisition pipeline stage.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/pipeline"
	"github.com/stemforge/stemforge/internal/storage"
)

// Failure reason codes recorded by this stage.
const (
	ReasonInputInvalid   = "INPUT_INVALID"
	ReasonSourceNotFound = "SOURCE_NOT_FOUND"
	ReasonFetchFailed    = "FETCH_FAILED"
)

// Fetcher resolves a source spec to an audio payload.
type Fetcher interface {
	// Name identifies the fetcher in stage records.
	Name() string
	// Fetch returns the source bytes and a file name for the artifact.
	Fetch(ctx context.Context, src pipeline.SourceSpec) (io.ReadCloser, string, error)
}

// UploadFetcher serves sources staged in the layout's uploads directory.
type UploadFetcher struct {
	layout *storage.Layout
}

// NewUploadFetcher creates a fetcher over the uploads directory.
func NewUploadFetcher(layout *storage.Layout) *UploadFetcher {
	return &UploadFetcher{layout: layout}
}

func (f *UploadFetcher) Name() string { return "upload" }

// Fetch reads the referenced upload. The ref is a bare file name; anything
// resembling a path is rejected before it reaches the sandbox.
func (f *UploadFetcher) Fetch(_ context.Context, src pipeline.SourceSpec) (io.ReadCloser, string, error) {
	if src.Ref == "" || src.Ref != path.Base(src.Ref) {
		return nil, "", fmt.Errorf("invalid upload ref %q", src.Ref)
	}
	data, err := f.layout.Sandbox().ReadFile(path.Join(f.layout.UploadsRel(), src.Ref))
	if err != nil {
		return nil, "", err
	}
	return io.NopCloser(bytes.NewReader(data)), src.Ref, nil
}

// Stage acquires the source audio and stores it as the stage's artifact.
type Stage struct {
	fetchers map[string]Fetcher
}

// New creates the download stage with the given fetchers, keyed by source
// kind.
func New(fetchers ...Fetcher) *Stage {
	s := &Stage{fetchers: make(map[string]Fetcher)}
	for _, f := range fetchers {
		s.fetchers[f.Name()] = f
	}
	return s
}

func (s *Stage) Stage() string { return config.StageDownload }

// Run fetches the source and writes it under the stage folder.
func (s *Stage) Run(ctx context.Context, job *pipeline.JobContext) (*pipeline.Result, error) {
	in, err := pipeline.ParseInput(job.Meta.Input)
	if err != nil {
		return nil, pipeline.NewFailure(ReasonInputInvalid, "unreadable job input").WithCause(err)
	}

	kind := in.Source.Kind
	if kind == "" {
		kind = "upload"
	}
	fetcher, ok := s.fetchers[kind]
	if !ok {
		return nil, pipeline.NewFailure(ReasonInputInvalid, "no fetcher for source kind %q", kind)
	}

	rc, name, err := fetcher.Fetch(ctx, in.Source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, pipeline.NewFailure(ReasonSourceNotFound, "source %q not found", in.Source.Ref).WithCause(err)
		}
		return nil, pipeline.NewFailure(ReasonFetchFailed, "fetching source").WithCause(err)
	}
	defer rc.Close()

	if _, err := job.Artifacts.Write(job.JobID, s.Stage(), name, rc); err != nil {
		return nil, pipeline.NewFailure(ReasonFetchFailed, "storing source artifact").WithCause(err)
	}

	job.Logger.Info("source acquired",
		slog.String("fetcher", fetcher.Name()),
		slog.String("artifact", name),
	)
	return &pipeline.Result{
		Artifacts: []string{name},
		Provider:  fetcher.Name(),
	}, nil
}
