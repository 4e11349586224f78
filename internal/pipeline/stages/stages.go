// Package stages assembles the built-in pipeline stage runners.
package stages

import (
	"fmt"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/pipeline"
	"github.com/stemforge/stemforge/internal/pipeline/stages/download"
	"github.com/stemforge/stemforge/internal/pipeline/stages/lyrics"
	"github.com/stemforge/stemforge/internal/pipeline/stages/packaging"
	"github.com/stemforge/stemforge/internal/pipeline/stages/separation"
	"github.com/stemforge/stemforge/internal/storage"
)

// Default returns the stage definitions for the standard pipeline, using
// the built-in local backends, in execution order.
func Default(cfg *config.Config, layout *storage.Layout) ([]pipeline.StageDef, error) {
	runners := map[string]pipeline.Runner{
		config.StageDownload:   download.New(download.NewUploadFetcher(layout)),
		config.StageSeparation: separation.New(separation.ByteSplitSeparator{}),
		config.StageLyrics:     lyrics.New(lyrics.StaticProvider{}),
		config.StagePackaging:  packaging.New(),
	}

	defs := make([]pipeline.StageDef, 0, len(config.StageOrder()))
	for _, name := range config.StageOrder() {
		runner, ok := runners[name]
		if !ok {
			return nil, fmt.Errorf("no runner for stage %q", name)
		}
		defs = append(defs, pipeline.StageDef{
			Name:   name,
			Runner: runner,
			Config: cfg.Pipeline.Stage(name),
		})
	}
	return defs, nil
}
