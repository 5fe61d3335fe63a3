package bytesize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"5MB", 5 * MB},
		{"10mb", 10 * MB},
		{"1.5 GB", GB + GB/2},
		{"500Ki", 500 * KB},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "5XB", "-1MB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 Bytes", Format(0))
	assert.Equal(t, "512 Bytes", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "1.50 MB", Format(MB+MB/2))
	assert.Equal(t, "2.00 GB", Format(2*GB))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var cfg struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 5MB\nb: 2048\n"), &cfg))
	assert.Equal(t, 5*MB, cfg.A.Bytes())
	assert.Equal(t, int64(2048), cfg.B.Bytes())
	assert.Equal(t, "5.00 MB", cfg.A.String())
}

func TestSizeUnmarshalJSON(t *testing.T) {
	var v struct {
		A Size `json:"a"`
		B Size `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"10MB","b":4096}`), &v))
	assert.Equal(t, 10*MB, v.A.Bytes())
	assert.Equal(t, int64(4096), v.B.Bytes())

	assert.Error(t, json.Unmarshal([]byte(`{"a":"ten"}`), &v))
}
