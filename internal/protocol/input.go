package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/objrpc/internal/identity"
)

// SliceObserver is notified whenever the reader discards the derived-only
// part of a value or exception it does not recognize.
type SliceObserver func(kind string, unknownTypeID string, slicedTo string)

// InputStream decodes a buffer produced by OutputStream.
type InputStream struct {
	buf      []byte
	pos      int
	encaps   []int
	slices   []int
	registry *Registry
	values   *valueReader
	observer SliceObserver
}

// NewInputStream reads buf using registry to instantiate values and
// exceptions. registry may be nil when no polymorphic data is expected.
func NewInputStream(buf []byte, registry *Registry) *InputStream {
	return &InputStream{buf: buf, registry: registry}
}

// SetSliceObserver installs a slicing observer.
func (in *InputStream) SetSliceObserver(fn SliceObserver) { in.observer = fn }

// Registry returns the type registry used by this stream.
func (in *InputStream) Registry() *Registry { return in.registry }

// Pos returns the current read position.
func (in *InputStream) Pos() int { return in.pos }

// Remaining returns the number of unread bytes.
func (in *InputStream) Remaining() int { return len(in.buf) - in.pos }

// Rest returns the unread bytes without consuming them.
func (in *InputStream) Rest() []byte { return in.buf[in.pos:] }

func (in *InputStream) need(n int) error {
	if n < 0 || in.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrOutOfBounds, n, in.pos, in.Remaining())
	}
	return nil
}

func (in *InputStream) ReadUint8() (uint8, error) {
	if err := in.need(1); err != nil {
		return 0, err
	}
	v := in.buf[in.pos]
	in.pos++
	return v, nil
}

func (in *InputStream) ReadBool() (bool, error) {
	v, err := in.ReadUint8()
	return v != 0, err
}

func (in *InputStream) ReadInt16() (int16, error) {
	if err := in.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(in.buf[in.pos:])
	in.pos += 2
	return int16(v), nil
}

func (in *InputStream) ReadInt32() (int32, error) {
	if err := in.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(in.buf[in.pos:])
	in.pos += 4
	return int32(v), nil
}

func (in *InputStream) ReadInt64() (int64, error) {
	if err := in.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(in.buf[in.pos:])
	in.pos += 8
	return int64(v), nil
}

func (in *InputStream) ReadFloat32() (float32, error) {
	v, err := in.ReadInt32()
	return math.Float32frombits(uint32(v)), err
}

func (in *InputStream) ReadFloat64() (float64, error) {
	v, err := in.ReadInt64()
	return math.Float64frombits(uint64(v)), err
}

func (in *InputStream) ReadSize() (int, error) {
	b, err := in.ReadUint8()
	if err != nil {
		return 0, err
	}
	if b < 255 {
		return int(b), nil
	}
	n, err := in.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d at offset %d", ErrNegativeSize, n, in.pos-4)
	}
	return int(n), nil
}

// readSeqSize reads a sequence size and rejects sizes that cannot fit in
// the remaining buffer given the minimum encoded element size.
func (in *InputStream) readSeqSize(minElem int) (int, error) {
	n, err := in.ReadSize()
	if err != nil {
		return 0, err
	}
	if minElem > 0 && n > in.Remaining()/minElem {
		return 0, fmt.Errorf("%w: sequence of %d elements exceeds %d remaining bytes", ErrOutOfBounds, n, in.Remaining())
	}
	return n, nil
}

func (in *InputStream) ReadString() (string, error) {
	n, err := in.readSeqSize(1)
	if err != nil {
		return "", err
	}
	s := string(in.buf[in.pos : in.pos+n])
	in.pos += n
	return s, nil
}

// ReadBlob consumes n raw bytes and returns a copy.
func (in *InputStream) ReadBlob(n int) ([]byte, error) {
	if err := in.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, in.buf[in.pos:in.pos+n])
	in.pos += n
	return out, nil
}

func (in *InputStream) ReadByteSeq() ([]byte, error) {
	n, err := in.readSeqSize(1)
	if err != nil {
		return nil, err
	}
	return in.ReadBlob(n)
}

func (in *InputStream) ReadStringSeq() ([]string, error) {
	n, err := in.readSeqSize(1)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (in *InputStream) ReadInt32Seq() ([]int32, error) {
	n, err := in.readSeqSize(4)
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = in.ReadInt32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (in *InputStream) ReadStringMap() (map[string]string, error) {
	n, err := in.readSeqSize(2)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (in *InputStream) ReadIdentity() (identity.Identity, error) {
	name, err := in.ReadString()
	if err != nil {
		return identity.Identity{}, err
	}
	category, err := in.ReadString()
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{Name: name, Category: category}, nil
}

// StartEncaps enters an encapsulation and returns its encoding version.
func (in *InputStream) StartEncaps() (uint8, uint8, error) {
	start := in.pos
	size, err := in.ReadInt32()
	if err != nil {
		return 0, 0, err
	}
	if size < encapsHeaderLen {
		return 0, 0, fmt.Errorf("%w: size %d at offset %d", ErrInvalidEncaps, size, start)
	}
	if int(size) > len(in.buf)-start {
		return 0, 0, fmt.Errorf("%w: encapsulation of %d bytes at offset %d", ErrOutOfBounds, size, start)
	}
	major, _ := in.ReadUint8()
	minor, _ := in.ReadUint8()
	if major != EncodingMajor || minor > EncodingMinor {
		return 0, 0, fmt.Errorf("%w: %d.%d", ErrUnsupportedEncoding, major, minor)
	}
	in.encaps = append(in.encaps, start+int(size))
	return major, minor, nil
}

// EndEncaps leaves the innermost encapsulation, which must be fully read.
func (in *InputStream) EndEncaps() error {
	if len(in.encaps) == 0 {
		return fmt.Errorf("%w: no open encapsulation", ErrInvalidEncaps)
	}
	end := in.encaps[len(in.encaps)-1]
	in.encaps = in.encaps[:len(in.encaps)-1]
	if in.pos != end {
		return fmt.Errorf("%w: %d unread bytes", ErrInvalidEncaps, end-in.pos)
	}
	return nil
}

// SkipEncapsRemainder moves to the end of the innermost encapsulation,
// leaving it open for EndEncaps.
func (in *InputStream) SkipEncapsRemainder() error {
	if len(in.encaps) == 0 {
		return fmt.Errorf("%w: no open encapsulation", ErrInvalidEncaps)
	}
	in.pos = in.encaps[len(in.encaps)-1]
	return nil
}

// SkipEncaps consumes a whole encapsulation without decoding it.
func (in *InputStream) SkipEncaps() error {
	_, err := in.ReadEncapsBytes()
	return err
}

// ReadEncapsBytes consumes an encapsulation and returns its exact encoded
// bytes, size header included.
func (in *InputStream) ReadEncapsBytes() ([]byte, error) {
	start := in.pos
	size, err := in.ReadInt32()
	if err != nil {
		return nil, err
	}
	if size < encapsHeaderLen {
		return nil, fmt.Errorf("%w: size %d at offset %d", ErrInvalidEncaps, size, start)
	}
	in.pos = start
	return in.ReadBlob(int(size))
}

// StartSlice enters one size-prefixed slice.
func (in *InputStream) StartSlice() error {
	start := in.pos
	size, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if size < 4 || int(size) > len(in.buf)-start {
		return fmt.Errorf("%w: size %d at offset %d", ErrInvalidSlice, size, start)
	}
	in.slices = append(in.slices, start+int(size))
	return nil
}

// EndSlice leaves the innermost slice, skipping members the reader did not
// consume.
func (in *InputStream) EndSlice() error {
	if len(in.slices) == 0 {
		return fmt.Errorf("%w: no open slice", ErrInvalidSlice)
	}
	end := in.slices[len(in.slices)-1]
	in.slices = in.slices[:len(in.slices)-1]
	if in.pos > end {
		return fmt.Errorf("%w: read %d bytes past slice end", ErrInvalidSlice, in.pos-end)
	}
	in.pos = end
	return nil
}

// SkipSlice consumes one slice without decoding it.
func (in *InputStream) SkipSlice() error {
	if err := in.StartSlice(); err != nil {
		return err
	}
	in.pos = in.slices[len(in.slices)-1]
	return in.EndSlice()
}

func (in *InputStream) sliced(kind, unknown, to string) {
	if in.observer != nil {
		in.observer(kind, unknown, to)
	}
}
