package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "90s", want: 90 * time.Second},
		{input: "5m", want: 5 * time.Minute},
		{input: "2d", want: 48 * time.Hour},
		{input: "1w", want: 7 * 24 * time.Hour},
		{input: "1w2d12h", want: 7*24*time.Hour + 2*24*time.Hour + 12*time.Hour},
		{input: "2 days", want: 48 * time.Hour},
		{input: "-1d", want: -24 * time.Hour},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Duration())
		})
	}
}

func TestDuration_String(t *testing.T) {
	assert.Equal(t, "0s", Duration(0).String())
	assert.Equal(t, "1m30s", Duration(90*time.Second).String())
	assert.Equal(t, "2d", Duration(48*time.Hour).String())
	assert.Equal(t, "1w2d12h0m0s", Duration(9*24*time.Hour+12*time.Hour).String())
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"5m"`), &d))
	assert.Equal(t, 5*time.Minute, d.Duration())

	// Raw nanoseconds still accepted
	require.NoError(t, json.Unmarshal([]byte(`60000000000`), &d))
	assert.Equal(t, time.Minute, d.Duration())

	out, err := json.Marshal(Duration(48 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, `"2d"`, string(out))
}
