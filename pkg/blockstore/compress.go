package blockstore

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame payload is encoded on disk. Values are
// persisted in frame headers.
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
	CompressionZstd   Compression = 2
	CompressionLZ4    Compression = 3
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blockstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blockstore: zstd decoder initialization failed: " + err.Error())
	}
}

// compress encodes data with c. When the result would not be smaller it
// falls back to storing the data as is and reports CompressionNone.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionSnappy:
		out = snappy.Encode(nil, data)
	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)
	case CompressionLZ4:
		out, err = compressLZ4(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression: %s", c)
	}
	if errors.Is(err, errIncompressible) || (err == nil && len(out) >= len(data)) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, c, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompress(payload []byte, c Compression, rawLen int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		out = payload
	case CompressionSnappy:
		out, err = snappy.Decode(nil, payload)
	case CompressionZstd:
		out, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, rawLen))
	case CompressionLZ4:
		out = make([]byte, rawLen)
		var n int
		n, err = lz4.UncompressBlock(payload, out)
		out = out[:n]
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c, err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("%s decompress: got %d bytes, expected %d", c, len(out), rawLen)
	}
	return out, nil
}
