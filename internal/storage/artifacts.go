package storage

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/stemforge/stemforge/internal/models"
)

// ArtifactStore writes immutable per-stage output files under a job's
// folder. Artifacts move with the job: the mover renames the whole folder,
// so artifact paths are only valid until the next transition.
type ArtifactStore struct {
	layout *Layout
	store  *MetadataStore
}

// NewArtifactStore creates an artifact store sharing the metadata store's
// job location logic.
func NewArtifactStore(layout *Layout, store *MetadataStore) *ArtifactStore {
	return &ArtifactStore{layout: layout, store: store}
}

// Write stores an artifact under jobDir/<stage>/<fileName> and returns its
// absolute path. Writing the same (stage, fileName) twice fails with
// ErrArtifactExists: re-executions choose new names instead of rewriting.
func (a *ArtifactStore) Write(jobID, stage, fileName string, r io.Reader) (string, error) {
	if err := validateLabel(stage); err != nil {
		return "", fmt.Errorf("invalid stage name: %w", err)
	}
	if err := validateLabel(fileName); err != nil {
		return "", fmt.Errorf("invalid artifact name: %w", err)
	}

	state, err := a.store.Locate(jobID)
	if err != nil {
		return "", err
	}

	rel := a.layout.ArtifactRel(state, jobID, stage, fileName)
	exists, err := a.layout.Sandbox().Exists(rel)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s/%s for %s", models.ErrArtifactExists, stage, fileName, jobID)
	}

	if err := a.layout.Sandbox().AtomicWriteReader(rel, r); err != nil {
		// The job folder may have moved mid-write; report NotFound so the
		// caller re-locates and retries.
		if located, lerr := a.store.Locate(jobID); lerr == nil && located != state {
			return "", fmt.Errorf("%w: %s moved during artifact write", models.ErrNotFoundInState, jobID)
		}
		return "", fmt.Errorf("writing artifact %s/%s: %w", stage, fileName, err)
	}

	abs, err := a.layout.Sandbox().ResolvePath(rel)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// WriteBytes is Write for in-memory payloads.
func (a *ArtifactStore) WriteBytes(jobID, stage, fileName string, data []byte) (string, error) {
	return a.Write(jobID, stage, fileName, strings.NewReader(string(data)))
}

// Read returns the contents of a previously written artifact.
func (a *ArtifactStore) Read(jobID, stage, fileName string) ([]byte, error) {
	if err := validateLabel(stage); err != nil {
		return nil, fmt.Errorf("invalid stage name: %w", err)
	}
	if err := validateLabel(fileName); err != nil {
		return nil, fmt.Errorf("invalid artifact name: %w", err)
	}

	state, err := a.store.Locate(jobID)
	if err != nil {
		return nil, err
	}

	data, err := a.layout.Sandbox().ReadFile(a.layout.ArtifactRel(state, jobID, stage, fileName))
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s/%s for %s: %w", stage, fileName, jobID, err)
	}
	return data, nil
}

// List returns the job's artifacts grouped by stage label, file names
// sorted. Stages without artifacts are absent from the map.
func (a *ArtifactStore) List(jobID string) (map[string][]string, error) {
	state, err := a.store.Locate(jobID)
	if err != nil {
		return nil, err
	}

	jobRel := a.layout.JobDirRel(state, jobID)
	entries, err := a.layout.Sandbox().List(jobRel)
	if err != nil {
		return nil, fmt.Errorf("listing job folder for %s: %w", jobID, err)
	}

	result := make(map[string][]string)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == logDir || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		stage := entry.Name()
		files, err := a.layout.Sandbox().List(jobRel + "/" + stage)
		if err != nil {
			return nil, fmt.Errorf("listing artifacts for %s/%s: %w", jobID, stage, err)
		}
		var names []string
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			names = append(names, f.Name())
		}
		if len(names) > 0 {
			sort.Strings(names)
			result[stage] = names
		}
	}
	return result, nil
}

// validateLabel rejects path separators and traversal in opaque labels used
// as directory or file names.
func validateLabel(s string) error {
	if s == "" {
		return fmt.Errorf("empty label")
	}
	if strings.ContainsAny(s, "/\\") || s == "." || s == ".." {
		return fmt.Errorf("label %q contains path elements", s)
	}
	return nil
}
