package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stemforge/stemforge/internal/models"
)

// jobIndexRepo implements JobIndexRepository using GORM.
type jobIndexRepo struct {
	db *gorm.DB
}

// NewJobIndexRepository creates a new JobIndexRepository.
func NewJobIndexRepository(db *gorm.DB) *jobIndexRepo {
	return &jobIndexRepo{db: db}
}

// rowFromMetadata projects a metadata record onto an index row.
func rowFromMetadata(meta *models.Metadata) (*models.JobRow, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("serializing metadata for index: %w", err)
	}

	row := &models.JobRow{
		ID:        meta.ID,
		State:     string(meta.State),
		OwnerID:   meta.OwnerID,
		CreatedAt: meta.CreatedAt.Time,
		UpdatedAt: meta.UpdatedAt.Time,
		Metadata:  string(data),
	}
	if meta.LeaseExpiresAt != nil {
		t := meta.LeaseExpiresAt.Time
		row.LeaseExpiresAt = &t
	}
	return row, nil
}

// Upsert inserts or replaces the row for a job.
func (r *jobIndexRepo) Upsert(ctx context.Context, meta *models.Metadata) error {
	row, err := rowFromMetadata(meta)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("upserting job index row: %w", err)
	}
	return nil
}

// GetByID retrieves a row by job ID, or nil when absent.
func (r *jobIndexRepo) GetByID(ctx context.Context, jobID string) (*models.JobRow, error) {
	var row models.JobRow
	if err := r.db.WithContext(ctx).Where("id = ?", jobID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting job index row: %w", err)
	}
	return &row, nil
}

// List returns rows filtered by state, newest first.
func (r *jobIndexRepo) List(ctx context.Context, state string, limit, offset int) ([]*models.JobRow, error) {
	q := r.db.WithContext(ctx).Model(&models.JobRow{})
	if state != "" {
		q = q.Where("state = ?", state)
	}
	q = q.Order("created_at DESC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var rows []*models.JobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing job index rows: %w", err)
	}
	return rows, nil
}

// Count returns the number of rows matching the state filter.
func (r *jobIndexRepo) Count(ctx context.Context, state string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.JobRow{})
	if state != "" {
		q = q.Where("state = ?", state)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting job index rows: %w", err)
	}
	return count, nil
}

// Truncate removes all rows.
func (r *jobIndexRepo) Truncate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.JobRow{}).Error; err != nil {
		return fmt.Errorf("truncating job index: %w", err)
	}
	return nil
}
