package reference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/protocol"
)

// Factory builds references from proxy text and from the wire. New
// references pick up the default router, if one is set.
type Factory struct {
	endpoints     *endpoint.Manager
	defaultRouter *Reference
}

func NewFactory(endpoints *endpoint.Manager) *Factory {
	return &Factory{endpoints: endpoints}
}

// SetDefaultRouter installs the router applied to parsed references.
// It must be called before the factory is shared.
func (f *Factory) SetDefaultRouter(router *Reference) {
	if router != nil {
		router = router.WithRouter(nil)
	}
	f.defaultRouter = router
}

// Endpoints returns the endpoint registry used for parsing and decoding.
func (f *Factory) Endpoints() *endpoint.Manager { return f.endpoints }

// Create builds a reference with the default router applied.
func (f *Factory) Create(id identity.Identity, facet string, mode Mode, secure bool, eps []endpoint.Endpoint, adapterID string) *Reference {
	r := New(id, facet, mode, secure, eps, adapterID)
	r.router = f.defaultRouter
	return r
}

// Parse reads the stringified proxy grammar:
//
//	identity [-f facet] [-t|-o|-O|-d|-D] [-s] [:endpoint[:endpoint...] | @ adapterId]
//
// Empty text is the null proxy and yields nil without error.
func (f *Factory) Parse(str string) (*Reference, error) {
	s := strings.TrimSpace(str)
	if s == "" {
		return nil, nil
	}
	perr := func(reason string, args ...any) error {
		return &fault.ProxyParseError{Str: str, Reason: fmt.Sprintf(reason, args...)}
	}

	idText, rest, err := scanToken(s, true)
	if err != nil {
		return nil, perr("%v", err)
	}
	id, err := identity.Parse(idText)
	if err != nil {
		return nil, perr("%v", err)
	}

	var facet, adapterID string
	mode := ModeTwoway
	secure := false
	var eps []endpoint.Endpoint
	for {
		rest = strings.TrimLeft(rest, " \t\n\r")
		if rest == "" {
			break
		}
		switch rest[0] {
		case ':':
			eps, err = f.endpoints.CreateList(rest[1:])
			if err != nil {
				var eperr *fault.EndpointParseError
				if errors.As(err, &eperr) {
					return nil, perr("invalid endpoint %q: %s", eperr.Str, eperr.Reason)
				}
				return nil, perr("%v", err)
			}
			rest = ""
			continue
		case '@':
			text := strings.TrimSpace(rest[1:])
			if text == "" {
				return nil, perr("missing adapter id after '@'")
			}
			tok, tail, err := scanToken(text, false)
			if err != nil {
				return nil, perr("%v", err)
			}
			if strings.TrimSpace(tail) != "" {
				return nil, perr("unexpected text after adapter id: %q", tail)
			}
			adapterID = tok
			rest = ""
			continue
		case '-':
		default:
			return nil, perr("unexpected %q", rest)
		}

		if len(rest) < 2 || (len(rest) > 2 && !strings.ContainsRune(" \t\n\r:@", rune(rest[2]))) {
			return nil, perr("invalid option in %q", rest)
		}
		opt := rest[1]
		rest = rest[2:]
		switch opt {
		case 'f':
			tok, tail, err := scanToken(strings.TrimLeft(rest, " \t\n\r"), false)
			if err != nil || tok == "" {
				return nil, perr("no argument for -f")
			}
			facet, rest = tok, tail
		case 't':
			mode = ModeTwoway
		case 'o':
			mode = ModeOneway
		case 'O':
			mode = ModeBatchOneway
		case 'd':
			mode = ModeDatagram
		case 'D':
			mode = ModeBatchDatagram
		case 's':
			secure = true
		default:
			return nil, perr("unknown option -%c", opt)
		}
	}
	return f.Create(id, facet, mode, secure, eps, adapterID), nil
}

// scanToken reads one token: a double-quoted Go string, or a run of
// characters up to unescaped whitespace (and ':' or '@' when stopAtSep).
func scanToken(s string, stopAtSep bool) (string, string, error) {
	if s == "" {
		return "", "", nil
	}
	if s[0] == '"' {
		end := 1
		for ; end < len(s); end++ {
			if s[end] == '\\' {
				end++
				continue
			}
			if s[end] == '"' {
				break
			}
		}
		if end >= len(s) {
			return "", "", fmt.Errorf("mismatched quotes")
		}
		tok, err := strconv.Unquote(s[:end+1])
		if err != nil {
			return "", "", fmt.Errorf("invalid quoted string %s", s[:end+1])
		}
		return tok, s[end+1:], nil
	}
	i := 0
	for ; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			i++
			continue
		}
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			break
		}
		if stopAtSep && (c == ':' || c == '@') {
			break
		}
	}
	if i > len(s) {
		i = len(s)
	}
	return s[:i], s[i:], nil
}

// Write encodes r, or the null proxy when r is nil. The router and the
// request context are local settings and do not travel.
func Write(out *protocol.OutputStream, r *Reference) {
	if r == nil {
		out.WriteIdentity(identity.Identity{})
		return
	}
	out.WriteIdentity(r.id)
	if r.facet == "" {
		out.WriteStringSeq(nil)
	} else {
		out.WriteStringSeq([]string{r.facet})
	}
	out.WriteUint8(uint8(r.mode))
	out.WriteBool(r.secure)
	out.WriteSize(len(r.endpoints))
	for _, ep := range r.endpoints {
		ep.Marshal(out)
	}
	if len(r.endpoints) == 0 {
		out.WriteString(r.adapterID)
	}
}

// Read decodes a reference written by Write. The null proxy yields nil.
func (f *Factory) Read(in *protocol.InputStream) (*Reference, error) {
	id, err := in.ReadIdentity()
	if err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, nil
	}
	facets, err := in.ReadStringSeq()
	if err != nil {
		return nil, err
	}
	if len(facets) > 1 {
		return nil, &protocol.MarshalError{Reason: fmt.Sprintf("facet sequence of length %d", len(facets))}
	}
	facet := ""
	if len(facets) == 1 {
		facet = facets[0]
	}
	rawMode, err := in.ReadUint8()
	if err != nil {
		return nil, err
	}
	mode := Mode(rawMode)
	if mode > ModeBatchDatagram {
		return nil, &protocol.MarshalError{Reason: fmt.Sprintf("invalid reference mode %d", rawMode)}
	}
	secure, err := in.ReadBool()
	if err != nil {
		return nil, err
	}
	n, err := in.ReadSize()
	if err != nil {
		return nil, err
	}
	var eps []endpoint.Endpoint
	for i := 0; i < n; i++ {
		ep, err := f.endpoints.Read(in)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	adapterID := ""
	if n == 0 {
		if adapterID, err = in.ReadString(); err != nil {
			return nil, err
		}
	}
	return f.Create(id, facet, mode, secure, eps, adapterID), nil
}
