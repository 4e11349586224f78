// Package packaging implements the final packaging pipeline stage.
package packaging

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/pipeline"
)

// Failure reason codes recorded by this stage.
const (
	ReasonNothingToPackage = "NOTHING_TO_PACKAGE"
	ReasonPackageFailed    = "PACKAGE_FAILED"
)

// manifestName is the manifest entry inside each package.
const manifestName = "manifest.json"

// manifest describes the package contents.
type manifest struct {
	JobID string              `json:"jobId"`
	Track pipeline.TrackInfo  `json:"track,omitempty"`
	Files map[string][]string `json:"files"`
}

// Stage assembles all prior artifacts into a single zip in the packaged
// artifacts directory.
type Stage struct{}

// New creates the packaging stage.
func New() *Stage {
	return &Stage{}
}

func (s *Stage) Stage() string { return config.StagePackaging }

// Run zips every prior stage's artifacts plus a manifest, writes the
// archive outside the job folder so it survives job transitions, and
// records a manifest copy as the stage artifact.
func (s *Stage) Run(_ context.Context, job *pipeline.JobContext) (*pipeline.Result, error) {
	listing, err := job.Artifacts.List(job.JobID)
	if err != nil {
		return nil, pipeline.NewFailure(ReasonPackageFailed, "listing artifacts").WithCause(err)
	}
	delete(listing, s.Stage())
	if len(listing) == 0 {
		return nil, pipeline.NewFailure(ReasonNothingToPackage, "no artifacts to package")
	}

	m := manifest{JobID: job.JobID, Files: listing}
	if in, perr := pipeline.ParseInput(job.Meta.Input); perr == nil {
		m.Track = in.Track
	}
	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, pipeline.NewFailure(ReasonPackageFailed, "encoding manifest").WithCause(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for stage, names := range listing {
		for _, name := range names {
			data, err := job.Artifacts.Read(job.JobID, stage, name)
			if err != nil {
				return nil, pipeline.NewFailure(ReasonPackageFailed, "reading %s/%s", stage, name).WithCause(err)
			}
			entry, err := zw.Create(path.Join(stage, name))
			if err != nil {
				return nil, pipeline.NewFailure(ReasonPackageFailed, "adding %s/%s", stage, name).WithCause(err)
			}
			if _, err := entry.Write(data); err != nil {
				return nil, pipeline.NewFailure(ReasonPackageFailed, "writing %s/%s", stage, name).WithCause(err)
			}
		}
	}
	entry, err := zw.Create(manifestName)
	if err != nil {
		return nil, pipeline.NewFailure(ReasonPackageFailed, "adding manifest").WithCause(err)
	}
	if _, err := entry.Write(manifestData); err != nil {
		return nil, pipeline.NewFailure(ReasonPackageFailed, "writing manifest").WithCause(err)
	}
	if err := zw.Close(); err != nil {
		return nil, pipeline.NewFailure(ReasonPackageFailed, "finalizing archive").WithCause(err)
	}

	packagedRel := job.Layout.PackagedRel(job.JobID)
	if err := job.Layout.Sandbox().AtomicWrite(packagedRel, buf.Bytes()); err != nil {
		return nil, pipeline.NewFailure(ReasonPackageFailed, "writing package").WithCause(err)
	}

	if _, err := job.Artifacts.WriteBytes(job.JobID, s.Stage(), manifestName, manifestData); err != nil {
		return nil, pipeline.NewFailure(ReasonPackageFailed, "storing manifest artifact").WithCause(err)
	}

	job.Logger.Info("job packaged",
		slog.String("package", packagedRel),
		slog.Int("stages", len(listing)),
	)
	return &pipeline.Result{
		Artifacts: []string{manifestName},
		Message:   fmt.Sprintf("packaged to %s", packagedRel),
	}, nil
}
