package protocol

import (
	"encoding/binary"
	"math"

	"github.com/danmuck/objrpc/internal/identity"
)

const (
	EncodingMajor uint8 = 1
	EncodingMinor uint8 = 0

	// encapsHeaderLen is the int32 size plus the two encoding version bytes.
	encapsHeaderLen = 6
)

// OutputStream is a growable, position-addressed encode buffer.
type OutputStream struct {
	buf    []byte
	encaps []int
	slices []int
	values *valueWriter
}

// NewOutputStream returns an empty stream.
func NewOutputStream() *OutputStream {
	return &OutputStream{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded bytes. The slice aliases the stream buffer.
func (o *OutputStream) Bytes() []byte { return o.buf }

// Len returns the number of bytes written.
func (o *OutputStream) Len() int { return len(o.buf) }

// Reset discards all written data and nesting state.
func (o *OutputStream) Reset() {
	o.buf = o.buf[:0]
	o.encaps = o.encaps[:0]
	o.slices = o.slices[:0]
	o.values = nil
}

func (o *OutputStream) WriteUint8(v uint8) {
	o.buf = append(o.buf, v)
}

func (o *OutputStream) WriteBool(v bool) {
	if v {
		o.buf = append(o.buf, 1)
		return
	}
	o.buf = append(o.buf, 0)
}

func (o *OutputStream) WriteInt16(v int16) {
	o.buf = binary.LittleEndian.AppendUint16(o.buf, uint16(v))
}

func (o *OutputStream) WriteInt32(v int32) {
	o.buf = binary.LittleEndian.AppendUint32(o.buf, uint32(v))
}

func (o *OutputStream) WriteInt64(v int64) {
	o.buf = binary.LittleEndian.AppendUint64(o.buf, uint64(v))
}

func (o *OutputStream) WriteFloat32(v float32) {
	o.buf = binary.LittleEndian.AppendUint32(o.buf, math.Float32bits(v))
}

func (o *OutputStream) WriteFloat64(v float64) {
	o.buf = binary.LittleEndian.AppendUint64(o.buf, math.Float64bits(v))
}

// WriteSize writes a compact size: one byte below 255, else 255 followed
// by an int32.
func (o *OutputStream) WriteSize(n int) {
	if n < 255 {
		o.buf = append(o.buf, byte(n))
		return
	}
	o.buf = append(o.buf, 255)
	o.WriteInt32(int32(n))
}

func (o *OutputStream) WriteString(s string) {
	o.WriteSize(len(s))
	o.buf = append(o.buf, s...)
}

// WriteBlob appends raw bytes without a size prefix.
func (o *OutputStream) WriteBlob(b []byte) {
	o.buf = append(o.buf, b...)
}

func (o *OutputStream) WriteByteSeq(b []byte) {
	o.WriteSize(len(b))
	o.buf = append(o.buf, b...)
}

func (o *OutputStream) WriteStringSeq(v []string) {
	o.WriteSize(len(v))
	for _, s := range v {
		o.WriteString(s)
	}
}

func (o *OutputStream) WriteInt32Seq(v []int32) {
	o.WriteSize(len(v))
	for _, n := range v {
		o.WriteInt32(n)
	}
}

// WriteStringMap writes a string dictionary. Keys are written in sorted
// order so equal maps encode identically.
func (o *OutputStream) WriteStringMap(m map[string]string) {
	keys := sortedKeys(m)
	o.WriteSize(len(keys))
	for _, k := range keys {
		o.WriteString(k)
		o.WriteString(m[k])
	}
}

func (o *OutputStream) WriteIdentity(id identity.Identity) {
	o.WriteString(id.Name)
	o.WriteString(id.Category)
}

// StartEncaps opens an encapsulation: a size-prefixed region tagged with
// the encoding version.
func (o *OutputStream) StartEncaps() {
	o.encaps = append(o.encaps, len(o.buf))
	o.WriteInt32(0)
	o.WriteUint8(EncodingMajor)
	o.WriteUint8(EncodingMinor)
}

// EndEncaps closes the innermost encapsulation and back-patches its size.
func (o *OutputStream) EndEncaps() {
	start := o.encaps[len(o.encaps)-1]
	o.encaps = o.encaps[:len(o.encaps)-1]
	o.patchInt32(start, int32(len(o.buf)-start))
}

// WriteEmptyEncaps writes an encapsulation with no body.
func (o *OutputStream) WriteEmptyEncaps() {
	o.StartEncaps()
	o.EndEncaps()
}

// StartSlice opens one size-prefixed slice of a value or exception.
func (o *OutputStream) StartSlice() {
	o.slices = append(o.slices, len(o.buf))
	o.WriteInt32(0)
}

// EndSlice closes the innermost slice and back-patches its size.
func (o *OutputStream) EndSlice() {
	start := o.slices[len(o.slices)-1]
	o.slices = o.slices[:len(o.slices)-1]
	o.patchInt32(start, int32(len(o.buf)-start))
}

func (o *OutputStream) patchInt32(pos int, v int32) {
	binary.LittleEndian.PutUint32(o.buf[pos:pos+4], uint32(v))
}
