package models

import "time"

// JobRow is the derived query index entry mirroring one job's filesystem
// truth. The index is never authoritative: deleting the table and rerunning
// the rebuilder reproduces it from the state directories.
type JobRow struct {
	// ID is the job identifier; same string as the job directory name.
	ID string `gorm:"primarykey;type:varchar(26)" json:"id"`

	// State is the wire name of the enclosing state directory.
	State string `gorm:"not null;size:16;index" json:"state"`

	// OwnerID is the claimant token, empty outside CLAIMED/RUNNING.
	OwnerID string `gorm:"size:64" json:"owner_id,omitempty"`

	// LeaseExpiresAt mirrors the lease expiry, if any.
	LeaseExpiresAt *time.Time `gorm:"index" json:"lease_expires_at,omitempty"`

	// CreatedAt and UpdatedAt mirror the metadata timestamps. GORM's
	// auto-update is disabled so the row stays a pure projection.
	CreatedAt time.Time `gorm:"index;autoCreateTime:false;autoUpdateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoCreateTime:false;autoUpdateTime:false" json:"updated_at"`

	// Metadata is the serialized record for detail queries.
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`
}

// TableName returns the table name for JobRow.
func (JobRow) TableName() string {
	return "job_index"
}
