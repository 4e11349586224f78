package models

import (
	"encoding/json"
	"fmt"
)

// StageStatus is the per-stage progress marker stored in metadata. Unlike
// the directory state, which only captures the current stage's position,
// stage records are the source of truth for cross-stage progress.
type StageStatus string

const (
	// StageNotStarted is the implicit status of a stage with no record.
	StageNotStarted StageStatus = "NOT_STARTED"
	// StageComplete means the stage finished and its artifacts are final.
	StageComplete StageStatus = "COMPLETE"
	// StageFailed means the stage produced a classified failure.
	StageFailed StageStatus = "FAILED"
)

// StageRecord is the per-stage result object stored as a top-level key in
// the metadata record under the stage's label. Stage-specific fields beyond
// the known set are preserved across read-modify-write cycles.
type StageRecord struct {
	Status     StageStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Artifacts  []string    `json:"artifacts,omitempty"`
	FinishedAt *Timestamp  `json:"finishedAt,omitempty"`

	// Extra holds unknown stage-specific fields, keyed by their JSON name.
	Extra map[string]json.RawMessage `json:"-"`
}

// stageRecordKnown mirrors StageRecord's tagged fields for two-pass
// marshaling; keep the two in sync.
type stageRecordKnown struct {
	Status     StageStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Artifacts  []string    `json:"artifacts,omitempty"`
	FinishedAt *Timestamp  `json:"finishedAt,omitempty"`
}

var stageRecordKnownKeys = map[string]bool{
	"status": true, "reason": true, "message": true, "error": true,
	"provider": true, "artifacts": true, "finishedAt": true,
}

// MarshalJSON emits the known fields plus any preserved extras.
func (r StageRecord) MarshalJSON() ([]byte, error) {
	known := stageRecordKnown{
		Status:     r.Status,
		Reason:     r.Reason,
		Message:    r.Message,
		Error:      r.Error,
		Provider:   r.Provider,
		Artifacts:  r.Artifacts,
		FinishedAt: r.FinishedAt,
	}
	data, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if !stageRecordKnownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes everything else in
// Extra so unknown fields survive a rewrite.
func (r *StageRecord) UnmarshalJSON(data []byte) error {
	var known stageRecordKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Status = known.Status
	r.Reason = known.Reason
	r.Message = known.Message
	r.Error = known.Error
	r.Provider = known.Provider
	r.Artifacts = known.Artifacts
	r.FinishedAt = known.FinishedAt
	r.Extra = nil
	for k, v := range raw {
		if stageRecordKnownKeys[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}
	return nil
}

// CompleteRecord builds a COMPLETE record with the given artifacts.
func CompleteRecord(artifacts []string) *StageRecord {
	now := Now()
	return &StageRecord{
		Status:     StageComplete,
		Artifacts:  artifacts,
		FinishedAt: &now,
	}
}

// FailedRecord builds a FAILED record with a classification code and a
// human-readable message. The code is short and non-sensitive; the full
// technical description goes to the job log.
func FailedRecord(reason, message string) *StageRecord {
	now := Now()
	return &StageRecord{
		Status:     StageFailed,
		Reason:     reason,
		Message:    message,
		FinishedAt: &now,
	}
}

// Validate checks the status value.
func (r *StageRecord) Validate() error {
	switch r.Status {
	case StageNotStarted, StageComplete, StageFailed:
		return nil
	}
	return fmt.Errorf("invalid stage status %q", r.Status)
}
