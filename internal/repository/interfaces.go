// Package repository provides data access for the derived job index.
package repository

import (
	"context"

	"github.com/stemforge/stemforge/internal/models"
)

// JobIndexRepository persists denormalized job rows for fast listing and
// filtering. The rows mirror metadata files; the filesystem stays
// authoritative and the whole table can be rebuilt from it at any time.
type JobIndexRepository interface {
	// Upsert inserts or replaces the row for a job.
	Upsert(ctx context.Context, meta *models.Metadata) error
	// GetByID retrieves a row by job ID, or nil when absent.
	GetByID(ctx context.Context, jobID string) (*models.JobRow, error)
	// List returns rows filtered by state (empty = all states), newest
	// first, with limit/offset pagination. A limit of 0 means no limit.
	List(ctx context.Context, state string, limit, offset int) ([]*models.JobRow, error)
	// Count returns the number of rows matching the state filter.
	Count(ctx context.Context, state string) (int64, error)
	// Truncate removes all rows. Used before a rebuild.
	Truncate(ctx context.Context) error
}
