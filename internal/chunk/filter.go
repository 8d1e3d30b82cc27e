package chunk

import (
	"errors"
	"fmt"

	"github.com/agentic-research/strata/api"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunk: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("chunk: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("chunk does not compress")

// Encode runs raw through filter f and returns the bytes to store with
// the codec that produced them. A chunk that does not shrink is stored
// raw with FilterNone.
func Encode(f api.Filter, raw []byte) ([]byte, api.Filter, error) {
	var (
		out []byte
		err error
	)
	switch f {
	case api.FilterNone:
		return raw, api.FilterNone, nil
	case api.FilterLZ4:
		out, err = compressLZ4(raw)
	case api.FilterZstd:
		out, err = compressZstd(raw)
	default:
		return nil, 0, fmt.Errorf("filter %s: %w", f, api.ErrInvalidArgument)
	}
	if errors.Is(err, errIncompressible) {
		return raw, api.FilterNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, f, nil
}

// Decode reverses Encode. The decoded chunk must be exactly size bytes.
func Decode(codec api.Filter, stored []byte, size int) ([]byte, error) {
	switch codec {
	case api.FilterNone:
		if len(stored) != size {
			return nil, fmt.Errorf("raw chunk is %d bytes, want %d: %w", len(stored), size, api.ErrInconsistent)
		}
		return stored, nil
	case api.FilterLZ4:
		return decompressLZ4(stored, size)
	case api.FilterZstd:
		return decompressZstd(stored, size)
	default:
		return nil, fmt.Errorf("chunk codec %s: %w", codec, api.ErrInconsistent)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(stored []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(stored, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %v: %w", err, api.ErrInconsistent)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d: %w", n, size, api.ErrInconsistent)
	}
	return dst, nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(stored []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %v: %w", err, api.ErrInconsistent)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d: %w", len(out), size, api.ErrInconsistent)
	}
	return out, nil
}
