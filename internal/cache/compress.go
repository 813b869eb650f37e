package cache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a durable entry's payload is stored.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(name); c {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("cache: unknown compression %q", name)
	}
}

var errIncompressible = errors.New("cache: data is incompressible")

// compress returns the payload under the requested compression, or the
// raw bytes tagged CompressionNone when compression would not shrink it.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)

	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionZstd:
		out, err = compressZstd(data)
	case CompressionLZ4:
		out, err = compressLZ4(data)
	default:
		return nil, "", fmt.Errorf("cache: unsupported compression %q", c)
	}

	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}

	if err != nil {
		return nil, "", err
	}

	return out, c, nil
}

// decompress reverses compress. size must equal the original length.
func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("cache: stored size %d does not match expected %d", len(data), size)
		}

		return data, nil
	case CompressionZstd:
		return decompressZstd(data, size)
	case CompressionLZ4:
		return decompressLZ4(data, size)
	default:
		return nil, fmt.Errorf("cache: unsupported compression %q", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: lz4 compress: %w", err)
	}

	// CompressBlock returns 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}

	return dst[:n], nil
}

func decompressLZ4(data []byte, size int) ([]byte, error) {
	dst := make([]byte, size)

	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("cache: lz4 decompress: %w", err)
	}

	if n != size {
		return nil, fmt.Errorf("cache: lz4 decompress: got %d bytes, expected %d", n, size)
	}

	return dst, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}

	return out, nil
}

func decompressZstd(data []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("cache: zstd decompress: %w", err)
	}

	if len(out) != size {
		return nil, fmt.Errorf("cache: zstd decompress: got %d bytes, expected %d", len(out), size)
	}

	return out, nil
}
