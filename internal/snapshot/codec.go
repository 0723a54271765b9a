package snapshot

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies how a stored blob is encoded. The tag is the
// first byte of every framed blob; values are part of the on-disk format.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses "none" or "zstd".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var errEmptyFrame = errors.New("empty blob frame")

// zstd encoder and decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Frame encodes data with the preferred compression. Incompressible data
// falls back to CompressionNone. Returns the framed bytes and the tag used.
func Frame(data []byte, preferred Compression) ([]byte, Compression) {
	if preferred == CompressionZstd && len(data) > 0 {
		compressed := zstdEncoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		if len(compressed)-1 < len(data) {
			compressed[0] = byte(CompressionZstd)
			return compressed, CompressionZstd
		}
	}
	framed := make([]byte, 1+len(data))
	framed[0] = byte(CompressionNone)
	copy(framed[1:], data)
	return framed, CompressionNone
}

// Unframe reverses Frame.
func Unframe(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, errEmptyFrame
	}
	switch tag := Compression(framed[0]); tag {
	case CompressionNone:
		return append([]byte(nil), framed[1:]...), nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(framed[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", uint8(tag))
	}
}
