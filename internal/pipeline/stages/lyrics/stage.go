// Package lyrics implements the lyrics retrieval pipeline stage.
package lyrics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/pipeline"
)

// Failure reason codes recorded by this stage.
const (
	ReasonLookupFailed = "LOOKUP_FAILED"
	ReasonWriteFailed  = "WRITE_FAILED"
)

// artifactName is the fixed lyrics artifact file name.
const artifactName = "lyrics.lrc"

// Provider looks up lyrics for a track.
type Provider interface {
	// Name identifies the provider backend in stage records.
	Name() string
	// Lyrics returns LRC-formatted lyrics for the track. An empty string
	// with no error means no lyrics exist (instrumental).
	Lyrics(ctx context.Context, track pipeline.TrackInfo) (string, error)
}

// StaticProvider is the built-in deterministic provider: it renders an LRC
// header from the track info without consulting any external service.
type StaticProvider struct{}

func (StaticProvider) Name() string { return "static" }

func (StaticProvider) Lyrics(_ context.Context, track pipeline.TrackInfo) (string, error) {
	var b strings.Builder
	if track.Title != "" {
		fmt.Fprintf(&b, "[ti:%s]\n", track.Title)
	}
	if track.Artist != "" {
		fmt.Fprintf(&b, "[ar:%s]\n", track.Artist)
	}
	if track.Album != "" {
		fmt.Fprintf(&b, "[al:%s]\n", track.Album)
	}
	if b.Len() == 0 {
		return "", nil
	}
	b.WriteString("[00:00.00]\n")
	return b.String(), nil
}

// Stage fetches lyrics and stores them as an LRC artifact.
type Stage struct {
	provider Provider
}

// New creates the lyrics stage.
func New(provider Provider) *Stage {
	return &Stage{provider: provider}
}

func (s *Stage) Stage() string { return config.StageLyrics }

// Run looks up lyrics for the job's track. A track without lyrics completes
// with no artifact rather than failing: missing lyrics never block
// packaging.
func (s *Stage) Run(ctx context.Context, job *pipeline.JobContext) (*pipeline.Result, error) {
	track := pipeline.TrackInfo{}
	if in, err := pipeline.ParseInput(job.Meta.Input); err == nil {
		track = in.Track
	}

	text, err := s.provider.Lyrics(ctx, track)
	if err != nil {
		return nil, pipeline.NewFailure(ReasonLookupFailed, "looking up lyrics").WithCause(err)
	}
	if text == "" {
		job.Logger.Info("no lyrics found", slog.String("provider", s.provider.Name()))
		return &pipeline.Result{
			Provider: s.provider.Name(),
			Message:  "no lyrics available",
		}, nil
	}

	if _, err := job.Artifacts.WriteBytes(job.JobID, s.Stage(), artifactName, []byte(text)); err != nil {
		return nil, pipeline.NewFailure(ReasonWriteFailed, "storing lyrics artifact").WithCause(err)
	}

	job.Logger.Info("lyrics stored", slog.String("provider", s.provider.Name()))
	return &pipeline.Result{
		Artifacts: []string{artifactName},
		Provider:  s.provider.Name(),
	}, nil
}
