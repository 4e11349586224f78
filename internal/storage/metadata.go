package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
)

// Default size limits, overridable via MetadataStoreOptions.
const (
	defaultMaxMetadataSize = 1 << 20  // 1MB
	defaultMaxLogSize      = 10 << 20 // 10MB
)

// MetadataStore reads and writes per-job metadata records and append-only
// logs. All job lookups scan the state directories fresh: a job's path is
// not stable across mover invocations, so nothing is cached.
type MetadataStore struct {
	layout *Layout
	logger *slog.Logger

	maxMetadataSize int64
	maxLogSize      int64
}

// MetadataStoreOptions contains optional limits for the store.
type MetadataStoreOptions struct {
	// MaxMetadataSize caps the serialized metadata record. Zero means the
	// default (1MB).
	MaxMetadataSize int64
	// MaxLogSize caps the job log. Appends beyond it fail with ErrLogFull
	// after a final truncation marker. Zero means the default (10MB).
	MaxLogSize int64
}

// NewMetadataStore creates a store over the given layout. Pass nil opts for
// defaults.
func NewMetadataStore(layout *Layout, logger *slog.Logger, opts *MetadataStoreOptions) *MetadataStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MetadataStore{
		layout:          layout,
		logger:          logger,
		maxMetadataSize: defaultMaxMetadataSize,
		maxLogSize:      defaultMaxLogSize,
	}
	if opts != nil {
		if opts.MaxMetadataSize > 0 {
			s.maxMetadataSize = opts.MaxMetadataSize
		}
		if opts.MaxLogSize > 0 {
			s.maxLogSize = opts.MaxLogSize
		}
	}
	return s
}

// Locate finds which state directory holds the job. Scan order is fixed
// (AllStates) so concurrent movers yield deterministic outcomes.
func (s *MetadataStore) Locate(jobID string) (lifecycle.State, error) {
	if err := models.ValidateJobID(jobID); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}
	for _, state := range lifecycle.AllStates() {
		exists, err := s.layout.Sandbox().Exists(s.layout.JobDirRel(state, jobID))
		if err != nil {
			return "", fmt.Errorf("scanning %s: %w", state, err)
		}
		if exists {
			return state, nil
		}
	}
	return "", fmt.Errorf("%w: %s", models.ErrNotFound, jobID)
}

// Read loads the job's metadata record. Parse failures surface as
// ErrCorrupt; the job stays quarantined in place because every writer reads
// first. If the record's state field diverges from the enclosing directory,
// the filesystem wins: the returned record carries the directory's state.
func (s *MetadataStore) Read(jobID string) (*models.Metadata, error) {
	state, err := s.Locate(jobID)
	if err != nil {
		return nil, err
	}
	return s.readIn(state, jobID)
}

// readIn loads metadata from a known state directory.
func (s *MetadataStore) readIn(state lifecycle.State, jobID string) (*models.Metadata, error) {
	data, err := s.layout.Sandbox().ReadFile(s.layout.MetadataRel(state, jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s has no metadata", models.ErrCorrupt, jobID)
		}
		return nil, fmt.Errorf("reading metadata for %s: %w", jobID, err)
	}

	var meta models.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrCorrupt, jobID, err)
	}

	if meta.State != state {
		s.logger.Warn("metadata state diverged from directory; filesystem wins",
			slog.String("job_id", jobID),
			slog.String("metadata_state", string(meta.State)),
			slog.String("directory_state", string(state)),
		)
		meta.State = state
	}
	return &meta, nil
}

// Write persists the record into the job's current state directory with a
// write-then-rename, bumping updatedAt. A reader concurrent with Write sees
// either the previous or the new version, never a torn one.
func (s *MetadataStore) Write(jobID string, meta *models.Metadata) error {
	state, err := s.Locate(jobID)
	if err != nil {
		return err
	}
	meta.State = state
	return s.writeIn(state, jobID, meta)
}

// writeIn persists into a known state directory. The mover uses this right
// after a rename, when it already knows the new location.
func (s *MetadataStore) writeIn(state lifecycle.State, jobID string, meta *models.Metadata) error {
	meta.TouchUpdated()
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("invalid metadata for %s: %w", jobID, err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", jobID, err)
	}
	if int64(len(data)) > s.maxMetadataSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", models.ErrMetadataTooLarge, len(data), s.maxMetadataSize)
	}
	if err := s.layout.Sandbox().AtomicWrite(s.layout.MetadataRel(state, jobID), data); err != nil {
		return fmt.Errorf("writing metadata for %s: %w", jobID, err)
	}
	return nil
}

// Create materializes a new job folder in NEW with its metadata record and
// an empty log. The id must not exist in any state directory.
func (s *MetadataStore) Create(meta *models.Metadata) error {
	if err := models.ValidateJobID(meta.ID); err != nil {
		return err
	}
	if _, err := s.Locate(meta.ID); err == nil {
		return fmt.Errorf("%w: %s exists", models.ErrAlreadyExistsInTarget, meta.ID)
	}

	if err := s.layout.Sandbox().MkdirAll(s.layout.LogDirRel(lifecycle.StateNew, meta.ID)); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}
	meta.State = lifecycle.StateNew
	if err := s.writeIn(lifecycle.StateNew, meta.ID, meta); err != nil {
		return err
	}
	return s.AppendLog(meta.ID, "Job created")
}

// appendLogAttempts bounds the re-locate loop in AppendLog. Each retry only
// fires when a rename moved the job between the lookup and the open.
const appendLogAttempts = 3

// AppendLog appends one timestamped line to the job log. The job directory
// is resolved immediately before each write, never cached, and the open
// never creates parent directories: if a mover rename lands between the
// lookup and the open, the open fails with ErrNotExist and the append
// re-resolves instead of resurrecting the old state directory. Appends use
// O_APPEND; the OS keeps small appends atomic between concurrent writers.
func (s *MetadataStore) AppendLog(jobID, message string) error {
	line := fmt.Sprintf("[%s] %s\n", models.Now().Format(models.RFC3339Milli), message)

	var lastErr error
	for attempt := 0; attempt < appendLogAttempts; attempt++ {
		state, err := s.Locate(jobID)
		if err != nil {
			return err
		}
		rel := s.layout.LogRel(state, jobID)

		entry := line
		if s.maxLogSize > 0 {
			if info, err := s.layout.Sandbox().Stat(rel); err == nil && info.Size() >= s.maxLogSize {
				return fmt.Errorf("%w: %s", models.ErrLogFull, jobID)
			} else if err == nil && info.Size()+int64(len(entry)) > s.maxLogSize {
				entry += fmt.Sprintf("[%s] log size limit reached; further entries suppressed\n",
					models.Now().Format(models.RFC3339Milli))
			}
		}

		f, err := s.layout.Sandbox().OpenAppend(rel, 0640)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Moved out from under us; look the job up again.
				lastErr = err
				continue
			}
			return fmt.Errorf("opening log for %s: %w", jobID, err)
		}

		_, werr := f.WriteString(entry)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return fmt.Errorf("appending log for %s: %w", jobID, werr)
		}
		return nil
	}
	return fmt.Errorf("appending log for %s: %w", jobID, lastErr)
}

// ReadLog returns the job's log lines in append order.
func (s *MetadataStore) ReadLog(jobID string) ([]string, error) {
	state, err := s.Locate(jobID)
	if err != nil {
		return nil, err
	}
	data, err := s.layout.Sandbox().ReadFile(s.layout.LogRel(state, jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading log for %s: %w", jobID, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// ListByState returns the ids of all jobs in the given state directory,
// sorted lexicographically.
func (s *MetadataStore) ListByState(state lifecycle.State) ([]string, error) {
	entries, err := s.layout.Sandbox().List(s.layout.StateDirRel(state))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", state, err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Enumerate scans all state directories and returns every job, sorted by
// createdAt descending with ties broken by id ascending. Jobs whose
// metadata cannot be parsed are still listed, with a nil record, so
// quarantined jobs remain visible.
func (s *MetadataStore) Enumerate() ([]models.JobSummary, error) {
	var summaries []models.JobSummary
	for _, state := range lifecycle.AllStates() {
		ids, err := s.ListByState(state)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			meta, err := s.readIn(state, id)
			if err != nil {
				s.logger.Warn("enumerate: unreadable metadata",
					slog.String("job_id", id),
					slog.String("state", string(state)),
					slog.String("error", err.Error()),
				)
				summaries = append(summaries, models.JobSummary{ID: id, State: state})
				continue
			}
			summaries = append(summaries, models.JobSummary{ID: id, State: state, Metadata: meta})
		}
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		var ci, cj time.Time
		if summaries[i].Metadata != nil {
			ci = summaries[i].Metadata.CreatedAt.Time
		}
		if summaries[j].Metadata != nil {
			cj = summaries[j].Metadata.CreatedAt.Time
		}
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}
