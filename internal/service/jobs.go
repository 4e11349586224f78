// Package service exposes the façade operations callers use to create,
// inspect, retry, and transition jobs, plus the derived-index rebuilder.
// Every read of record truth goes to the filesystem; the index only
// accelerates listing.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stemforge/stemforge/internal/lifecycle"
	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/observability"
	"github.com/stemforge/stemforge/internal/repository"
	"github.com/stemforge/stemforge/internal/storage"
)

// Dispatcher is the pipeline surface the service pushes jobs into.
type Dispatcher interface {
	// EnqueueFirst offers a freshly created job to the first stage.
	EnqueueFirst(jobID string)
	// Redispatch offers a job to its next incomplete stage.
	Redispatch(jobID string)
}

// ListOptions filters and paginates a job listing.
type ListOptions struct {
	// State restricts the listing to one state; empty means all states.
	State string
	// Limit caps the number of results; 0 means no limit.
	Limit int
	// Offset skips results from the top of the ordering.
	Offset int
}

// JobService implements the façade operations over the storage core.
type JobService struct {
	store      *storage.MetadataStore
	mover      *storage.Mover
	artifacts  *storage.ArtifactStore
	index      repository.JobIndexRepository
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewJobService creates the façade over the storage core.
func NewJobService(store *storage.MetadataStore, mover *storage.Mover, artifacts *storage.ArtifactStore, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		store:     store,
		mover:     mover,
		artifacts: artifacts,
		logger:    observability.WithComponent(logger, "service"),
	}
}

// WithIndex attaches the derived index used for fast listing. Listing
// falls back to a filesystem scan without one.
func (s *JobService) WithIndex(index repository.JobIndexRepository) *JobService {
	s.index = index
	return s
}

// WithDispatcher attaches the pipeline dispatcher. Without one, created
// and retried jobs wait in NEW for the next cold start.
func (s *JobService) WithDispatcher(d Dispatcher) *JobService {
	s.dispatcher = d
	return s
}

// CreateJob creates a job folder in NEW with the given opaque input and
// offers it to the first pipeline stage. The input is stored verbatim;
// the stages interpret it, the core does not.
func (s *JobService) CreateJob(ctx context.Context, input json.RawMessage) (*models.Metadata, error) {
	meta := models.NewMetadata(models.NewJobID(), input)
	if err := s.store.Create(meta); err != nil {
		return nil, err
	}
	s.upsertIndex(ctx, meta)

	s.logger.Info("job created", slog.String("job_id", meta.ID))
	if s.dispatcher != nil {
		s.dispatcher.EnqueueFirst(meta.ID)
	}
	return meta, nil
}

// ListJobs returns jobs sorted by createdAt descending with ties broken
// by id. The index serves the query when available; any index problem
// falls back to enumerating the state directories.
func (s *JobService) ListJobs(ctx context.Context, opts ListOptions) ([]*models.Metadata, error) {
	if opts.State != "" {
		if _, err := lifecycle.ParseState(opts.State); err != nil {
			return nil, err
		}
	}

	if s.index != nil {
		metas, err := s.listFromIndex(ctx, opts)
		if err == nil {
			return metas, nil
		}
		s.logger.Warn("index listing failed, falling back to filesystem",
			slog.String("error", err.Error()),
		)
	}
	return s.listFromFilesystem(opts)
}

func (s *JobService) listFromIndex(ctx context.Context, opts ListOptions) ([]*models.Metadata, error) {
	rows, err := s.index.List(ctx, opts.State, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	metas := make([]*models.Metadata, 0, len(rows))
	for _, row := range rows {
		var meta models.Metadata
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("decoding index row %s: %w", row.ID, err)
		}
		metas = append(metas, &meta)
	}
	return metas, nil
}

func (s *JobService) listFromFilesystem(opts ListOptions) ([]*models.Metadata, error) {
	summaries, err := s.store.Enumerate()
	if err != nil {
		return nil, err
	}

	var metas []*models.Metadata
	for _, summary := range summaries {
		if summary.Metadata == nil {
			// Quarantined job; listing skips it, Enumerate already warned.
			continue
		}
		if opts.State != "" && string(summary.State) != opts.State {
			continue
		}
		metas = append(metas, summary.Metadata)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(metas) {
			return nil, nil
		}
		metas = metas[opts.Offset:]
	}
	if opts.Limit > 0 && len(metas) > opts.Limit {
		metas = metas[:opts.Limit]
	}
	return metas, nil
}

// GetJob reads a job's metadata from the filesystem.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.Metadata, error) {
	return s.store.Read(jobID)
}

// GetJobLog returns the job's log lines.
func (s *JobService) GetJobLog(ctx context.Context, jobID string) ([]string, error) {
	return s.store.ReadLog(jobID)
}

// GetJobArtifacts returns the stage-to-files map of a job's artifacts.
func (s *JobService) GetJobArtifacts(ctx context.Context, jobID string) (map[string][]string, error) {
	return s.artifacts.List(jobID)
}

// RetryJob returns a FAILED job to NEW under the user actor. The failed
// stage's record is cleared so the pipeline re-enters at that stage;
// completed stage records stay and are skipped idempotently.
func (s *JobService) RetryJob(ctx context.Context, jobID, reason string) error {
	state, err := s.store.Locate(jobID)
	if err != nil {
		return err
	}
	if state != lifecycle.StateFailed {
		return fmt.Errorf("%w: %s is in %s", models.ErrNotRetryable, jobID, state)
	}

	meta, err := s.store.Read(jobID)
	if err != nil {
		return err
	}
	for stage := range meta.Extra {
		rec, err := meta.StageRecord(stage)
		if err != nil || rec == nil {
			continue
		}
		if rec.Status == models.StageFailed {
			meta.ClearStageRecord(stage)
		}
	}
	if err := s.store.Write(jobID, meta); err != nil {
		return err
	}

	if err := s.mover.Move(jobID, lifecycle.StateFailed, lifecycle.StateNew, lifecycle.ActorUser); err != nil {
		return err
	}

	msg := "Retry requested"
	if reason != "" {
		msg = fmt.Sprintf("Retry requested: %s", reason)
	}
	if err := s.store.AppendLog(jobID, msg); err != nil {
		s.logger.Warn("failed to append retry log line",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("job retried", slog.String("job_id", jobID))
	if s.dispatcher != nil {
		s.dispatcher.Redispatch(jobID)
	}
	return nil
}

// TransitionJob exposes the mover for integrations: it moves the job
// from its current state to the target under the given actor, subject
// to the usual transition and authorization checks.
func (s *JobService) TransitionJob(ctx context.Context, jobID string, to lifecycle.State, actor lifecycle.Actor) error {
	from, err := s.store.Locate(jobID)
	if err != nil {
		return err
	}
	return s.mover.Move(jobID, from, to, actor)
}

// upsertIndex mirrors a metadata record into the index, best-effort.
func (s *JobService) upsertIndex(ctx context.Context, meta *models.Metadata) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(ctx, meta); err != nil {
		s.logger.Warn("index upsert failed",
			slog.String("job_id", meta.ID),
			slog.String("error", err.Error()),
		)
	}
}

// NewIndexHook adapts the index repository into the mover's post-move
// hook so every transition refreshes the job's row.
func NewIndexHook(index repository.JobIndexRepository, logger *slog.Logger) storage.IndexHook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(meta *models.Metadata) {
		if err := index.Upsert(context.Background(), meta); err != nil {
			logger.Warn("index upsert failed after move",
				slog.String("job_id", meta.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
