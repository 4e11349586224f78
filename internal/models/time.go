package models

import (
	"fmt"
	"time"
)

// RFC3339Milli is the on-disk timestamp layout: ISO-8601 UTC with fixed
// millisecond precision. The metadata format pins this layout so records
// round-trip byte-for-byte.
const RFC3339Milli = "2006-01-02T15:04:05.000Z"

// Timestamp is a time.Time that marshals as RFC3339Milli in UTC.
type Timestamp struct {
	time.Time
}

// Now returns the current instant truncated to millisecond precision, which
// is what the wire format can represent.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// NewTimestamp wraps t, normalizing to UTC millisecond precision.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(RFC3339Milli) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts any RFC3339 string
// so records written by other tooling still parse, but re-marshals in the
// fixed layout.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid timestamp JSON: %s", string(data))
	}
	s := string(data[1 : len(data)-1])
	parsed, err := time.Parse(RFC3339Milli, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// After reports whether t is after other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Time.After(other.Time)
}

// Before reports whether t is before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Time.Before(other.Time)
}
