package endpoint

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/objrpc/internal/protocol"
)

// OpaqueEndpoint is an endpoint of a type this process has no factory
// for. It keeps the encapsulation exactly as read so it re-encodes
// byte-identically, but it cannot be connected to.
type OpaqueEndpoint struct {
	TypeCode int16
	// Encaps is the whole encapsulation, size and version header included.
	Encaps string
}

func (e OpaqueEndpoint) Type() int16                { return e.TypeCode }
func (OpaqueEndpoint) Protocol() string             { return "opaque" }
func (OpaqueEndpoint) Timeout() int32               { return InfiniteTimeout }
func (OpaqueEndpoint) Compress() bool               { return false }
func (e OpaqueEndpoint) WithTimeout(int32) Endpoint { return e }
func (e OpaqueEndpoint) WithCompress(bool) Endpoint { return e }
func (OpaqueEndpoint) Datagram() bool               { return false }
func (OpaqueEndpoint) Secure() bool                 { return false }
func (OpaqueEndpoint) Unknown() bool                { return true }

func (e OpaqueEndpoint) String() string {
	body := ""
	if len(e.Encaps) > 6 {
		body = base64.StdEncoding.EncodeToString([]byte(e.Encaps[6:]))
	}
	return fmt.Sprintf("opaque -t %d -v %s", e.TypeCode, body)
}

func (e OpaqueEndpoint) Marshal(out *protocol.OutputStream) {
	out.WriteInt16(e.TypeCode)
	out.WriteBlob([]byte(e.Encaps))
}

// parseOpaque parses "-t <type> -v <base64>" into the type code and the
// rebuilt encapsulation bytes.
func parseOpaque(args string) (int16, []byte, error) {
	fields := strings.Fields(args)
	typ, haveType := int16(0), false
	var body []byte
	haveBody := false
	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			return 0, nil, fmt.Errorf("no argument for %s", fields[i])
		}
		switch fields[i] {
		case "-t":
			v, err := strconv.ParseInt(fields[i+1], 10, 16)
			if err != nil || v < 0 {
				return 0, nil, fmt.Errorf("invalid type %q", fields[i+1])
			}
			typ, haveType = int16(v), true
		case "-v":
			b, err := base64.StdEncoding.DecodeString(fields[i+1])
			if err != nil {
				return 0, nil, fmt.Errorf("invalid base64 value: %v", err)
			}
			body, haveBody = b, true
		default:
			return 0, nil, fmt.Errorf("unknown option %q", fields[i])
		}
	}
	if !haveType {
		return 0, nil, fmt.Errorf("no -t option")
	}
	if !haveBody {
		return 0, nil, fmt.Errorf("no -v option")
	}
	encaps := make([]byte, 6, 6+len(body))
	binary.LittleEndian.PutUint32(encaps, uint32(6+len(body)))
	encaps[4] = protocol.EncodingMajor
	encaps[5] = protocol.EncodingMinor
	return typ, append(encaps, body...), nil
}
