package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "1024", want: 1024},
		{input: "1KB", want: 1024},
		{input: "1MB", want: 1 << 20},
		{input: "10MB", want: 10 << 20},
		{input: "1.5 GB", want: int64(1.5 * float64(1<<30))},
		{input: "2GiB", want: 2 << 30},
		{input: "500 kb", want: 500 * 1024},
		{input: "", wantErr: true},
		{input: "MB", wantErr: true},
		{input: "5XB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Bytes())
		})
	}
}

func TestByteSize_String(t *testing.T) {
	assert.Equal(t, "0B", ByteSize(0).String())
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "1KB", (1 * KB).String())
	assert.Equal(t, "10MB", (10 * MB).String())
	assert.Equal(t, "1.5GB", ByteSize(float64(GB)*1.5).String())
}

func TestByteSize_JSON(t *testing.T) {
	var b ByteSize
	require.NoError(t, json.Unmarshal([]byte(`"5MB"`), &b))
	assert.Equal(t, int64(5<<20), b.Bytes())

	// Raw byte counts still accepted
	require.NoError(t, json.Unmarshal([]byte(`2048`), &b))
	assert.Equal(t, int64(2048), b.Bytes())

	out, err := json.Marshal(10 * MB)
	require.NoError(t, err)
	assert.Equal(t, `"10MB"`, string(out))
}
