package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stemforge/stemforge/internal/observability"
	"github.com/stemforge/stemforge/internal/repository"
	"github.com/stemforge/stemforge/internal/storage"
)

// Rebuilder reconstructs the derived job index from the state
// directories. Run at startup, before the dispatcher cold start, so
// listings reflect what the previous process left on disk.
type Rebuilder struct {
	store  *storage.MetadataStore
	index  repository.JobIndexRepository
	logger *slog.Logger
}

// NewRebuilder creates a rebuilder over the store and index.
func NewRebuilder(store *storage.MetadataStore, index repository.JobIndexRepository, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{
		store:  store,
		index:  index,
		logger: observability.WithComponent(logger, "rebuilder"),
	}
}

// Rebuild truncates the index and inserts one row per readable job.
// Quarantined jobs are skipped with a warning; they stay visible on the
// filesystem and reappear in the index once repaired. Returns the
// number of rows inserted.
func (r *Rebuilder) Rebuild(ctx context.Context) (int, error) {
	if err := r.index.Truncate(ctx); err != nil {
		return 0, fmt.Errorf("truncating index: %w", err)
	}

	summaries, err := r.store.Enumerate()
	if err != nil {
		return 0, fmt.Errorf("enumerating jobs: %w", err)
	}

	inserted := 0
	for _, summary := range summaries {
		if summary.Metadata == nil {
			r.logger.Warn("rebuild skipping job without readable metadata",
				slog.String("job_id", summary.ID),
				slog.String("state", string(summary.State)),
			)
			continue
		}
		if err := r.index.Upsert(ctx, summary.Metadata); err != nil {
			r.logger.Warn("rebuild upsert failed",
				slog.String("job_id", summary.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		inserted++
	}

	if total, err := r.index.Count(ctx, ""); err != nil {
		r.logger.Warn("rebuild count check failed", slog.String("error", err.Error()))
	} else if int(total) != inserted {
		r.logger.Warn("rebuilt index row count diverges from inserts",
			slog.Int64("rows", total),
			slog.Int("inserted", inserted),
		)
	}

	r.logger.Info("index rebuilt",
		slog.Int("jobs", inserted),
		slog.Int("skipped", len(summaries)-inserted),
	)
	return inserted, nil
}
