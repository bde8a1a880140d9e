package frame

import (
	"bytes"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/danmuck/objrpc/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := New(MessageRequest, 42, []byte("request-body"))
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderLen+len("request-body") {
		t.Fatalf("unexpected encoded length %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Type != MessageRequest || out.Header.RequestID != 42 || out.Header.PayloadLen != 12 {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if string(out.Payload) != "request-body" {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsBadHeaders(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		h    Header
		want error
	}{
		{"magic", Header{Magic: 1, Major: ProtocolMajor}, ErrBadMagic},
		{"version", Header{Magic: Magic, Major: 2}, ErrUnsupportedProtocol},
		{"type", Header{Magic: Magic, Major: ProtocolMajor, Type: 9}, ErrUnknownMessageType},
		{"validate payload", Header{Magic: Magic, Major: ProtocolMajor, Type: MessageValidateConnection, PayloadLen: 3}, ErrUnexpectedPayload},
		{"compression", Header{Magic: Magic, Major: ProtocolMajor, Compression: 7}, ErrUnknownCompression},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(EncodeHeader(tc.h)), DefaultLimits())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFramePayloadLimit(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, New(MessageReply, 1, []byte("too long")), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
	h := New(MessageReply, 1, nil).Header
	h.PayloadLen = 100
	if _, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte(strings.Repeat("objrpc compressible payload ", 64))
	for _, codec := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			f, err := Compress(New(MessageRequest, 7, payload), codec, 100)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if f.Header.Compression != codec || len(f.Payload) >= len(payload) {
				t.Fatalf("payload not compressed: status=%s len=%d", f.Header.Compression, len(f.Payload))
			}
			var buf bytes.Buffer
			if err := WriteFrame(&buf, f, DefaultLimits()); err != nil {
				t.Fatalf("write: %v", err)
			}
			read, err := ReadFrame(&buf, DefaultLimits())
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			plain, err := Decompress(read, DefaultLimits())
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(plain.Payload, payload) || plain.Header.Compression != CompressionNone {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestCompressSkipsSmallPayloads(t *testing.T) {
	testlog.Start(t)
	f, err := Compress(New(MessageRequest, 1, []byte("tiny")), CompressionZstd, 100)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if f.Header.Compression != CompressionNone || string(f.Payload) != "tiny" {
		t.Fatalf("small payload should stay uncompressed: %+v", f.Header)
	}
}

func TestDecompressRejectsCorruptBody(t *testing.T) {
	testlog.Start(t)
	f := New(MessageRequest, 1, []byte{0, 0, 0, 16, 0xde, 0xad})
	f.Header.Compression = CompressionZstd
	if _, err := Decompress(f, DefaultLimits()); !errors.Is(err, ErrCorruptCompressed) {
		t.Fatalf("expected ErrCorruptCompressed, got %v", err)
	}
}

func TestDecompressStopsAtDeclaredSize(t *testing.T) {
	testlog.Start(t)
	warm, err := Compress(New(MessageRequest, 1, bytes.Repeat([]byte("a"), 512)), CompressionZstd, 0)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := Decompress(warm, DefaultLimits()); err != nil {
		t.Fatalf("decompress: %v", err)
	}

	bomb := zstdEncoder.EncodeAll(make([]byte, 32<<20), nil)
	payload := append([]byte{0, 0, 0, 16}, bomb...)
	f := New(MessageRequest, 2, payload)
	f.Header.Compression = CompressionZstd

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err = Decompress(f, DefaultLimits())
	runtime.ReadMemStats(&after)
	if !errors.Is(err, ErrCorruptCompressed) {
		t.Fatalf("expected ErrCorruptCompressed, got %v", err)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 4<<20 {
		t.Fatalf("decompress allocated %d bytes for a 16 byte payload", grew)
	}
}

func TestParseCompression(t *testing.T) {
	testlog.Start(t)
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "zstd": CompressionZstd, "lz4": CompressionLZ4} {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCompression("brotli"); !errors.Is(err, ErrUnknownCompression) {
		t.Fatalf("expected ErrUnknownCompression, got %v", err)
	}
}
