// Package models defines the on-disk metadata record, per-stage result
// records, and the derived-index row for stemforge jobs.
package models

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stemforge/stemforge/internal/lifecycle"
)

// NewJobID generates a job identifier: a 128-bit ULID rendered as a 26
// character URL-safe string. ULIDs sort lexicographically by creation time,
// which keeps directory listings roughly chronological for free.
func NewJobID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// ValidateJobID checks that s parses as a ULID. Job directory names are
// exactly the id string, so this also guards against path tricks.
func ValidateJobID(s string) error {
	if _, err := ulid.Parse(s); err != nil {
		return fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return nil
}

// Metadata is the per-job record stored as JSON in the job folder. The
// enclosing state directory is authoritative for State; metadata mirrors it
// and the filesystem wins on divergence.
//
// Stage records live as top-level keys under each stage's label, and any
// top-level key this struct does not know about is preserved verbatim
// across read-modify-write cycles. Both live in Extra; use StageRecord and
// SetStageRecord to access stage entries.
type Metadata struct {
	ID             string
	State          lifecycle.State
	CreatedAt      Timestamp
	UpdatedAt      Timestamp
	OwnerID        string
	LeaseExpiresAt *Timestamp
	Input          json.RawMessage

	// Extra preserves every top-level key not listed above, including the
	// per-stage record objects.
	Extra map[string]json.RawMessage
}

type metadataKnown struct {
	ID             string          `json:"id"`
	State          lifecycle.State `json:"state"`
	CreatedAt      Timestamp       `json:"createdAt"`
	UpdatedAt      Timestamp       `json:"updatedAt"`
	OwnerID        string          `json:"ownerId,omitempty"`
	LeaseExpiresAt *Timestamp      `json:"leaseExpiresAt,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
}

var metadataKnownKeys = map[string]bool{
	"id": true, "state": true, "createdAt": true, "updatedAt": true,
	"ownerId": true, "leaseExpiresAt": true, "input": true,
}

// NewMetadata builds the record for a freshly created job in NEW.
func NewMetadata(id string, input json.RawMessage) *Metadata {
	now := Now()
	return &Metadata{
		ID:        id,
		State:     lifecycle.StateNew,
		CreatedAt: now,
		UpdatedAt: now,
		Input:     input,
	}
}

// MarshalJSON emits known fields plus preserved extras.
func (m Metadata) MarshalJSON() ([]byte, error) {
	known := metadataKnown{
		ID:             m.ID,
		State:          m.State,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		OwnerID:        m.OwnerID,
		LeaseExpiresAt: m.LeaseExpiresAt,
		Input:          m.Input,
	}
	data, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if !metadataKnownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var known metadataKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = known.ID
	m.State = known.State
	m.CreatedAt = known.CreatedAt
	m.UpdatedAt = known.UpdatedAt
	m.OwnerID = known.OwnerID
	m.LeaseExpiresAt = known.LeaseExpiresAt
	m.Input = known.Input
	m.Extra = nil
	for k, v := range raw {
		if metadataKnownKeys[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}

// Validate performs basic sanity checks on the record.
func (m *Metadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("metadata id is required")
	}
	if !m.State.Valid() {
		return fmt.Errorf("metadata state %q is invalid", m.State)
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		return fmt.Errorf("updatedAt precedes createdAt")
	}
	return nil
}

// StageRecord returns the parsed record for the named stage, or nil if the
// stage has no record yet (NOT_STARTED).
func (m *Metadata) StageRecord(stage string) (*StageRecord, error) {
	raw, ok := m.Extra[stage]
	if !ok {
		return nil, nil
	}
	var rec StageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parsing stage record %q: %w", stage, err)
	}
	return &rec, nil
}

// StageStatus returns the status for the named stage, defaulting to
// NOT_STARTED when no record exists or the record is unreadable.
func (m *Metadata) StageStatus(stage string) StageStatus {
	rec, err := m.StageRecord(stage)
	if err != nil || rec == nil {
		return StageNotStarted
	}
	return rec.Status
}

// SetStageRecord stores the record for the named stage.
func (m *Metadata) SetStageRecord(stage string, rec *StageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding stage record %q: %w", stage, err)
	}
	if m.Extra == nil {
		m.Extra = make(map[string]json.RawMessage)
	}
	m.Extra[stage] = data
	return nil
}

// ClearStageRecord removes the record for the named stage. Used by retry to
// wipe the failed stage's result.
func (m *Metadata) ClearStageRecord(stage string) {
	delete(m.Extra, stage)
}

// LeaseExpired reports whether the lease is absent or past the given
// instant. Jobs in CLAIMED or RUNNING with an expired lease are reclaimable.
func (m *Metadata) LeaseExpired(now time.Time) bool {
	return m.LeaseExpiresAt == nil || m.LeaseExpiresAt.Time.Before(now)
}

// SetLease records logical custody: the claimant token and the lease expiry.
func (m *Metadata) SetLease(ownerID string, expires time.Time) {
	m.OwnerID = ownerID
	t := NewTimestamp(expires)
	m.LeaseExpiresAt = &t
}

// ClearLease drops custody. Called on reclaim, retry, and terminal moves.
func (m *Metadata) ClearLease() {
	m.OwnerID = ""
	m.LeaseExpiresAt = nil
}

// TouchUpdated bumps UpdatedAt, keeping it strictly increasing even when
// two mutations land within the same millisecond.
func (m *Metadata) TouchUpdated() {
	now := Now()
	if !now.After(m.UpdatedAt) {
		now = NewTimestamp(m.UpdatedAt.Add(time.Millisecond))
	}
	m.UpdatedAt = now
}

// JobSummary is the enumeration row produced by the metadata store.
type JobSummary struct {
	ID       string
	State    lifecycle.State
	Metadata *Metadata
}
