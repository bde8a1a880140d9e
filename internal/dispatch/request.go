package dispatch

import (
	"fmt"

	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/protocol"
)

// OperationMode tells the peer whether an operation may be retried or
// reordered.
type OperationMode uint8

const (
	ModeNormal OperationMode = iota
	ModeNonmutating
	ModeIdempotent
)

func (m OperationMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeNonmutating:
		return "nonmutating"
	case ModeIdempotent:
		return "idempotent"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Request is the body of a request message. Params holds the whole
// parameter encapsulation as encoded bytes.
type Request struct {
	Identity  identity.Identity
	Facet     string
	Operation string
	Mode      OperationMode
	Context   map[string]string
	Params    []byte
}

func (r *Request) Marshal(out *protocol.OutputStream) {
	out.WriteIdentity(r.Identity)
	if r.Facet == "" {
		out.WriteStringSeq(nil)
	} else {
		out.WriteStringSeq([]string{r.Facet})
	}
	out.WriteString(r.Operation)
	out.WriteUint8(uint8(r.Mode))
	out.WriteStringMap(r.Context)
	if len(r.Params) == 0 {
		out.WriteEmptyEncaps()
	} else {
		out.WriteBlob(r.Params)
	}
}

// ReadRequest decodes one request body.
func ReadRequest(in *protocol.InputStream) (*Request, error) {
	var r Request
	var err error
	if r.Identity, err = in.ReadIdentity(); err != nil {
		return nil, err
	}
	if r.Facet, err = readFacet(in); err != nil {
		return nil, err
	}
	if r.Operation, err = in.ReadString(); err != nil {
		return nil, err
	}
	mode, err := in.ReadUint8()
	if err != nil {
		return nil, err
	}
	if OperationMode(mode) > ModeIdempotent {
		return nil, &protocol.MarshalError{Reason: fmt.Sprintf("invalid operation mode %d", mode)}
	}
	r.Mode = OperationMode(mode)
	if r.Context, err = in.ReadStringMap(); err != nil {
		return nil, err
	}
	if r.Params, err = in.ReadEncapsBytes(); err != nil {
		return nil, err
	}
	return &r, nil
}

func readFacet(in *protocol.InputStream) (string, error) {
	facets, err := in.ReadStringSeq()
	if err != nil {
		return "", err
	}
	switch len(facets) {
	case 0:
		return "", nil
	case 1:
		return facets[0], nil
	default:
		return "", &protocol.MarshalError{Reason: fmt.Sprintf("facet sequence of length %d", len(facets))}
	}
}

// EncodeParams wraps the output of marshal in an encapsulation. A nil
// marshal yields an empty encapsulation.
func EncodeParams(marshal func(out *protocol.OutputStream) error) ([]byte, error) {
	out := protocol.NewOutputStream()
	out.StartEncaps()
	if marshal != nil {
		if err := marshal(out); err != nil {
			return nil, err
		}
	}
	out.EndEncaps()
	return out.Bytes(), nil
}

// DecodeResults opens the encapsulation in body and runs unmarshal inside
// it. The encapsulation must be consumed exactly.
func DecodeResults(body []byte, registry *protocol.Registry, unmarshal func(in *protocol.InputStream) (any, error)) (any, error) {
	in := protocol.NewInputStream(body, registry)
	if _, _, err := in.StartEncaps(); err != nil {
		return nil, err
	}
	var result any
	if unmarshal != nil {
		var err error
		if result, err = unmarshal(in); err != nil {
			return nil, err
		}
	} else if err := in.SkipEncapsRemainder(); err != nil {
		return nil, err
	}
	if err := in.EndEncaps(); err != nil {
		return nil, err
	}
	return result, nil
}
