package snapshot

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	tests := []struct {
		name      string
		data      []byte
		preferred Compression
		wantTag   Compression
	}{
		{"text compresses", bytes.Repeat([]byte("func main() {}\n"), 200), CompressionZstd, CompressionZstd},
		{"random falls back", random, CompressionZstd, CompressionNone},
		{"empty", []byte{}, CompressionZstd, CompressionNone},
		{"none requested", []byte("plain"), CompressionNone, CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed, tag := Frame(tt.data, tt.preferred)
			assert.Equal(t, tt.wantTag, tag)
			assert.Equal(t, byte(tt.wantTag), framed[0])

			got, err := Unframe(framed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.data, got))
		})
	}
}

func TestUnframe_Errors(t *testing.T) {
	_, err := Unframe(nil)
	assert.ErrorIs(t, err, errEmptyFrame)

	_, err = Unframe([]byte{9, 1, 2})
	assert.Error(t, err)

	_, err = Unframe([]byte{byte(CompressionZstd), 1, 2, 3})
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)
	assert.Equal(t, "zstd", c.String())

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("lz4")
	assert.Error(t, err)
}
