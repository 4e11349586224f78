package pipeline

import (
	"encoding/json"
	"fmt"
)

// JobInput is the request payload stored under the metadata "input" key.
// Fields beyond these are allowed and ignored here; the metadata layer
// preserves them verbatim.
type JobInput struct {
	Source SourceSpec `json:"source"`
	Track  TrackInfo  `json:"track"`

	// SeparationModel optionally names the stem separation model.
	SeparationModel string `json:"separationModel,omitempty"`
}

// SourceSpec says where the source audio comes from.
type SourceSpec struct {
	// Kind is "upload" for files staged in the uploads directory.
	Kind string `json:"kind"`
	// Ref is the file name inside the uploads directory.
	Ref string `json:"ref,omitempty"`
	// URL is an external source location for remote fetchers.
	URL string `json:"url,omitempty"`
}

// TrackInfo carries display metadata about the track.
type TrackInfo struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

// ParseInput decodes the job input payload.
func ParseInput(raw json.RawMessage) (*JobInput, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("job input is empty")
	}
	var in JobInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parsing job input: %w", err)
	}
	return &in, nil
}
