// Package reference holds the immutable contact information behind a
// proxy: identity, facet, invocation mode, endpoints or adapter id, an
// optional router, and the per-proxy request context.
package reference

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/identity"
)

// Mode is the invocation mode of a reference.
type Mode uint8

const (
	ModeTwoway Mode = iota
	ModeOneway
	ModeBatchOneway
	ModeDatagram
	ModeBatchDatagram
)

func (m Mode) String() string {
	switch m {
	case ModeTwoway:
		return "twoway"
	case ModeOneway:
		return "oneway"
	case ModeBatchOneway:
		return "batch oneway"
	case ModeDatagram:
		return "datagram"
	case ModeBatchDatagram:
		return "batch datagram"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m Mode) flag() string {
	switch m {
	case ModeOneway:
		return "-o"
	case ModeBatchOneway:
		return "-O"
	case ModeDatagram:
		return "-d"
	case ModeBatchDatagram:
		return "-D"
	default:
		return "-t"
	}
}

// Batch reports whether requests in this mode are queued until flushed.
func (m Mode) Batch() bool { return m == ModeBatchOneway || m == ModeBatchDatagram }

// Twoway reports whether requests in this mode expect a reply.
func (m Mode) Twoway() bool { return m == ModeTwoway }

// Reference is immutable. Every With method returns a new value and never
// touches the receiver.
type Reference struct {
	id        identity.Identity
	facet     string
	mode      Mode
	secure    bool
	endpoints []endpoint.Endpoint
	adapterID string
	router    *Reference
	context   map[string]string
}

// New builds a direct reference when endpoints are given and an indirect
// one (resolved through adapterID) otherwise.
func New(id identity.Identity, facet string, mode Mode, secure bool, endpoints []endpoint.Endpoint, adapterID string) *Reference {
	r := &Reference{id: id, facet: facet, mode: mode, secure: secure, adapterID: adapterID}
	if len(endpoints) > 0 {
		r.endpoints = slices.Clone(endpoints)
		r.adapterID = ""
	}
	return r
}

func (r *Reference) clone() *Reference {
	c := *r
	return &c
}

func (r *Reference) Identity() identity.Identity { return r.id }
func (r *Reference) Facet() string               { return r.facet }
func (r *Reference) Mode() Mode                  { return r.mode }
func (r *Reference) Secure() bool                { return r.secure }
func (r *Reference) AdapterID() string           { return r.adapterID }

// Router returns the router reference, or nil when the reference is not
// routed.
func (r *Reference) Router() *Reference { return r.router }

// Endpoints returns a copy of the endpoint list.
func (r *Reference) Endpoints() []endpoint.Endpoint { return slices.Clone(r.endpoints) }

// Context returns a copy of the request context.
func (r *Reference) Context() map[string]string { return maps.Clone(r.context) }

// Indirect reports whether the reference has no endpoints of its own.
func (r *Reference) Indirect() bool { return len(r.endpoints) == 0 }

func (r *Reference) WithIdentity(id identity.Identity) *Reference {
	if id == r.id {
		return r
	}
	c := r.clone()
	c.id = id
	return c
}

func (r *Reference) WithFacet(facet string) *Reference {
	if facet == r.facet {
		return r
	}
	c := r.clone()
	c.facet = facet
	return c
}

func (r *Reference) WithMode(mode Mode) *Reference {
	if mode == r.mode {
		return r
	}
	c := r.clone()
	c.mode = mode
	return c
}

func (r *Reference) WithSecure(secure bool) *Reference {
	if secure == r.secure {
		return r
	}
	c := r.clone()
	c.secure = secure
	return c
}

// WithEndpoints makes the reference direct.
func (r *Reference) WithEndpoints(eps []endpoint.Endpoint) *Reference {
	c := r.clone()
	c.endpoints = slices.Clone(eps)
	if len(eps) > 0 {
		c.adapterID = ""
	}
	return c
}

// WithAdapterID makes the reference indirect.
func (r *Reference) WithAdapterID(id string) *Reference {
	c := r.clone()
	c.adapterID = id
	c.endpoints = nil
	return c
}

// WithRouter routes the reference through router. The stored router has
// its own router removed; a router is never itself routed.
func (r *Reference) WithRouter(router *Reference) *Reference {
	c := r.clone()
	if router != nil {
		router = router.WithRouter(nil)
	}
	c.router = router
	return c
}

// WithTimeout overrides the timeout of every endpoint.
func (r *Reference) WithTimeout(ms int32) *Reference {
	c := r.clone()
	c.endpoints = make([]endpoint.Endpoint, len(r.endpoints))
	for i, ep := range r.endpoints {
		c.endpoints[i] = ep.WithTimeout(ms)
	}
	return c
}

// WithCompress overrides the compression flag of every endpoint.
func (r *Reference) WithCompress(on bool) *Reference {
	c := r.clone()
	c.endpoints = make([]endpoint.Endpoint, len(r.endpoints))
	for i, ep := range r.endpoints {
		c.endpoints[i] = ep.WithCompress(on)
	}
	return c
}

// WithContext replaces the request context sent with every invocation.
func (r *Reference) WithContext(ctx map[string]string) *Reference {
	c := r.clone()
	c.context = maps.Clone(ctx)
	return c
}

// Equal reports whether two references are interchangeable.
func (r *Reference) Equal(o *Reference) bool {
	if r == o {
		return true
	}
	if r == nil || o == nil {
		return false
	}
	if r.id != o.id || r.facet != o.facet || r.mode != o.mode || r.secure != o.secure || r.adapterID != o.adapterID {
		return false
	}
	if !slices.Equal(r.endpoints, o.endpoints) || !maps.Equal(r.context, o.context) {
		return false
	}
	return r.router.Equal(o.router)
}

// Key is a canonical string usable as a map key. References with equal
// keys are Equal.
func (r *Reference) Key() string {
	var b strings.Builder
	b.WriteString(r.String())
	if r.router != nil {
		b.WriteString(" |router ")
		b.WriteString(r.router.Key())
	}
	if len(r.context) > 0 {
		b.WriteString(" |ctx")
		keys := slices.Sorted(maps.Keys(r.context))
		for _, k := range keys {
			fmt.Fprintf(&b, " %q=%q", k, r.context[k])
		}
	}
	return b.String()
}

// String renders the stringified proxy form accepted by Factory.Parse.
func (r *Reference) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.id.String())
	if r.facet != "" {
		b.WriteString(" -f ")
		b.WriteString(quoteIfNeeded(r.facet))
	}
	b.WriteString(" ")
	b.WriteString(r.mode.flag())
	if r.secure {
		b.WriteString(" -s")
	}
	if len(r.endpoints) > 0 {
		for _, ep := range r.endpoints {
			b.WriteString(":")
			b.WriteString(ep.String())
		}
	} else if r.adapterID != "" {
		b.WriteString(" @ ")
		b.WriteString(quoteIfNeeded(r.adapterID))
	}
	return b.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\r:@\"\\") || strings.HasPrefix(s, "-") {
		return strconv.Quote(s)
	}
	return s
}
