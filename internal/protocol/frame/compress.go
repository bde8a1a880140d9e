package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the header compression status. A compressed payload is
// prefixed with its uncompressed length as a big-endian uint32.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

var (
	ErrUnknownCompression = errors.New("frame: unknown compression")
	ErrCorruptCompressed  = errors.New("frame: corrupt compressed payload")

	errIncompressible = errors.New("frame: incompressible")
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configured codec name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("frame: zstd encoder initialization failed: " + err.Error())
	}
	// DecodeAll output is capped at cap(dst), the declared size.
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecodeAllCapLimit(true))
	if err != nil {
		panic("frame: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses f's payload with codec when the payload is at least
// threshold bytes and the result is smaller. Otherwise f is returned
// unchanged with CompressionNone.
func Compress(f Frame, codec Compression, threshold int) (Frame, error) {
	if codec == CompressionNone || len(f.Payload) < threshold || len(f.Payload) == 0 {
		return f, nil
	}
	var body []byte
	var err error
	switch codec {
	case CompressionZstd:
		body, err = compressZstd(f.Payload)
	case CompressionLZ4:
		body, err = compressLZ4(f.Payload)
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(codec))
	}
	if errors.Is(err, errIncompressible) {
		return f, nil
	}
	if err != nil {
		return Frame{}, err
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(f.Payload)))
	out = append(out, body...)
	f.Payload = out
	f.Header.Compression = codec
	return f, nil
}

// Decompress restores a compressed payload. limits bounds the declared
// uncompressed size.
func Decompress(f Frame, limits Limits) (Frame, error) {
	if f.Header.Compression == CompressionNone {
		return f, nil
	}
	if len(f.Payload) < 4 {
		return Frame{}, fmt.Errorf("%w: missing size prefix", ErrCorruptCompressed)
	}
	size := binary.BigEndian.Uint32(f.Payload[:4])
	if size > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	body := f.Payload[4:]
	var raw []byte
	var err error
	switch f.Header.Compression {
	case CompressionZstd:
		raw, err = decompressZstd(body, int(size))
	case CompressionLZ4:
		raw, err = decompressLZ4(body, int(size))
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(f.Header.Compression))
	}
	if err != nil {
		return Frame{}, err
	}
	f.Payload = raw
	f.Header.Compression = CompressionNone
	f.Header.PayloadLen = size
	return f, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(body []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorruptCompressed, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", ErrCorruptCompressed, n, size)
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

func decompressZstd(body []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptCompressed, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: zstd produced %d bytes, expected %d", ErrCorruptCompressed, len(out), size)
	}
	return out, nil
}
