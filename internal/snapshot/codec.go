package snapshot

import (
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Encoding names how a snapshot blob is stored. The value is persisted with
// each row, so existing names must not change.
type Encoding string

const (
	EncodingNone Encoding = "none"
	EncodingZstd Encoding = "zstd"
)

// ParseEncoding parses a configured encoding name.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case EncodingNone, EncodingZstd:
		return Encoding(name), nil
	case "":
		return EncodingZstd, nil
	default:
		return "", fmt.Errorf("unknown snapshot encoding: %q", name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
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

func encode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingNone:
		return data, nil
	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unknown snapshot encoding: %q", enc)
	}
}

func decode(blob []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingNone:
		return blob, nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown snapshot encoding: %q", enc)
	}
}

// checksum is the hex BLAKE3-256 of the uncompressed JSON.
func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
