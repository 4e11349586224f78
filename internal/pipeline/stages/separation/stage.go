// Package separation implements the stem separation pipeline stage.
package separation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/pipeline"
)

// Failure reason codes recorded by this stage.
const (
	ReasonNoSource         = "NO_SOURCE"
	ReasonSeparationFailed = "SEPARATION_FAILED"
)

// Separator splits source audio into named stems.
type Separator interface {
	// Name identifies the separator backend in stage records.
	Name() string
	// Separate returns stem payloads keyed by stem label.
	Separate(ctx context.Context, source []byte, model string) (map[string][]byte, error)
}

// ByteSplitSeparator is the built-in deterministic separator: it
// de-interleaves the source bytes into two streams. It stands in for a real
// model backend in local setups and tests, and its output is a pure
// function of its input.
type ByteSplitSeparator struct{}

func (ByteSplitSeparator) Name() string { return "bytesplit" }

func (ByteSplitSeparator) Separate(_ context.Context, source []byte, _ string) (map[string][]byte, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("empty source")
	}
	vocals := make([]byte, 0, (len(source)+1)/2)
	accomp := make([]byte, 0, len(source)/2)
	for i, b := range source {
		if i%2 == 0 {
			vocals = append(vocals, b)
		} else {
			accomp = append(accomp, b)
		}
	}
	return map[string][]byte{
		"vocals":        vocals,
		"accompaniment": accomp,
	}, nil
}

// Stage splits the downloaded source into stem artifacts.
type Stage struct {
	separator Separator
}

// New creates the separation stage.
func New(separator Separator) *Stage {
	return &Stage{separator: separator}
}

func (s *Stage) Stage() string { return config.StageSeparation }

// Run reads the download artifact, separates it, and writes one artifact
// per stem.
func (s *Stage) Run(ctx context.Context, job *pipeline.JobContext) (*pipeline.Result, error) {
	sourceName, err := firstArtifact(job.Meta, config.StageDownload)
	if err != nil {
		return nil, pipeline.NewFailure(ReasonNoSource, "download stage left no artifact").WithCause(err)
	}
	source, err := job.Artifacts.Read(job.JobID, config.StageDownload, sourceName)
	if err != nil {
		return nil, pipeline.NewFailure(ReasonNoSource, "reading source artifact %q", sourceName).WithCause(err)
	}

	in, err := pipeline.ParseInput(job.Meta.Input)
	model := ""
	if err == nil {
		model = in.SeparationModel
	}

	stems, err := s.separator.Separate(ctx, source, model)
	if err != nil {
		return nil, pipeline.NewFailure(ReasonSeparationFailed, "separating %q", sourceName).WithCause(err)
	}

	ext := extensionOf(sourceName)
	names := make([]string, 0, len(stems))
	for stem, data := range stems {
		name := stem + ext
		if _, err := job.Artifacts.WriteBytes(job.JobID, s.Stage(), name, data); err != nil {
			return nil, pipeline.NewFailure(ReasonSeparationFailed, "storing stem %q", name).WithCause(err)
		}
		names = append(names, name)
	}

	job.Logger.Info("stems separated",
		slog.String("separator", s.separator.Name()),
		slog.Int("stems", len(names)),
	)
	return &pipeline.Result{
		Artifacts: names,
		Provider:  s.separator.Name(),
	}, nil
}

// firstArtifact returns the first artifact recorded for a stage.
func firstArtifact(meta *models.Metadata, stage string) (string, error) {
	rec, err := meta.StageRecord(stage)
	if err != nil {
		return "", err
	}
	if rec == nil || len(rec.Artifacts) == 0 {
		return "", fmt.Errorf("stage %s recorded no artifacts", stage)
	}
	return rec.Artifacts[0], nil
}

// extensionOf returns the dot-prefixed extension of name, or empty.
func extensionOf(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}
