package runtime

import (
	"context"
	"errors"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/observability"
	"github.com/danmuck/objrpc/internal/reference"
)

// Proxy is a client handle on a remote or collocated object. Like the
// reference it wraps, it is immutable.
type Proxy struct {
	rt  *Runtime
	ref *reference.Reference
}

// Proxy wraps ref. A nil ref yields a nil proxy.
func (rt *Runtime) Proxy(ref *reference.Reference) *Proxy {
	if ref == nil {
		return nil
	}
	return &Proxy{rt: rt, ref: ref}
}

// StringToProxy parses a stringified proxy. The empty string is the nil
// proxy.
func (rt *Runtime) StringToProxy(s string) (*Proxy, error) {
	if s == "" {
		return nil, nil
	}
	ref, err := rt.references.Parse(s)
	if err != nil {
		return nil, err
	}
	return rt.Proxy(ref), nil
}

func (rt *Runtime) ProxyToString(p *Proxy) string {
	if p == nil {
		return ""
	}
	return p.ref.String()
}

func (p *Proxy) Reference() *reference.Reference { return p.ref }
func (p *Proxy) String() string                  { return p.ref.String() }
func (p *Proxy) Identity() identity.Identity     { return p.ref.Identity() }
func (p *Proxy) Facet() string                   { return p.ref.Facet() }

func (p *Proxy) Equal(o *Proxy) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.ref.Equal(o.ref)
}

func (p *Proxy) with(ref *reference.Reference) *Proxy { return &Proxy{rt: p.rt, ref: ref} }

func (p *Proxy) WithIdentity(id identity.Identity) *Proxy { return p.with(p.ref.WithIdentity(id)) }
func (p *Proxy) WithFacet(facet string) *Proxy            { return p.with(p.ref.WithFacet(facet)) }
func (p *Proxy) WithMode(mode reference.Mode) *Proxy      { return p.with(p.ref.WithMode(mode)) }
func (p *Proxy) Twoway() *Proxy                           { return p.WithMode(reference.ModeTwoway) }
func (p *Proxy) Oneway() *Proxy                           { return p.WithMode(reference.ModeOneway) }
func (p *Proxy) BatchOneway() *Proxy                      { return p.WithMode(reference.ModeBatchOneway) }
func (p *Proxy) WithSecure(secure bool) *Proxy            { return p.with(p.ref.WithSecure(secure)) }
func (p *Proxy) WithTimeout(ms int32) *Proxy              { return p.with(p.ref.WithTimeout(ms)) }
func (p *Proxy) WithCompress(on bool) *Proxy              { return p.with(p.ref.WithCompress(on)) }
func (p *Proxy) WithAdapterID(id string) *Proxy           { return p.with(p.ref.WithAdapterID(id)) }
func (p *Proxy) WithContext(ctx map[string]string) *Proxy { return p.with(p.ref.WithContext(ctx)) }

func (p *Proxy) WithEndpoints(eps []endpoint.Endpoint) *Proxy {
	return p.with(p.ref.WithEndpoints(eps))
}

// WithRouter routes invocations through router; nil clears it.
func (p *Proxy) WithRouter(router *Proxy) *Proxy {
	if router == nil {
		return p.with(p.ref.WithRouter(nil))
	}
	return p.with(p.ref.WithRouter(router.ref))
}

// Invoke runs call against the target. Collocated targets see the
// caller's arguments and return the servant's own errors; remote targets
// go over a pooled connection and return sliced user exceptions. Oneway
// and batch invocations return a nil result.
func (p *Proxy) Invoke(ctx context.Context, call *dispatch.Call) (any, error) {
	rt := p.rt
	if rt.isDestroyed() {
		return nil, ErrDestroyed
	}
	req := &dispatch.Request{
		Identity:  p.ref.Identity(),
		Facet:     p.ref.Facet(),
		Operation: call.Operation,
		Mode:      call.Mode,
		Context:   p.ref.Context(),
	}
	if rt.propagator != nil {
		req.Context = observability.InjectContext(ctx, rt.propagator, req.Context)
	}

	if rt.cfg.Default.Collocation {
		if a := rt.adapters.FindObjectAdapter(p.ref); a != nil {
			rt.traces.Tracef(rt.logger, logging.CategoryLocation, 1,
				"using collocated adapter\nproxy = %s\nadapter = %s", p.ref, a.Name())
			result, err := a.Collocated(ctx, req, call)
			if !p.ref.Mode().Twoway() {
				return nil, err
			}
			return result, err
		}
	}

	params, err := dispatch.EncodeParams(call.Marshal)
	if err != nil {
		return nil, err
	}
	req.Params = params
	return p.invokeRemote(ctx, req, call)
}

func (p *Proxy) invokeRemote(ctx context.Context, req *dispatch.Request, call *dispatch.Call) (any, error) {
	rt := p.rt
	mode := p.ref.Mode()
	for attempt := 0; ; attempt++ {
		c, err := rt.connectionFor(ctx, p.ref)
		if err != nil {
			return nil, err
		}
		switch {
		case mode.Batch():
			return nil, c.QueueBatch(req)
		case !mode.Twoway():
			return nil, c.SendOneway(req)
		}

		reply, err := c.Invoke(ctx, req)
		if err != nil {
			var lost *fault.ConnectionLostError
			if errors.As(err, &lost) && call.Mode != dispatch.ModeNormal && attempt == 0 {
				rt.traces.Tracef(rt.logger, logging.CategoryRetry, 1,
					"retrying idempotent %s because of lost connection\n%v", call.Operation, err)
				continue
			}
			return nil, err
		}
		if err := reply.Err(rt.registry, dispatch.SliceObserver(rt.logger, rt.traces)); err != nil {
			return nil, err
		}
		return dispatch.DecodeResults(reply.Body, rt.registry, call.Unmarshal)
	}
}

// FlushBatchRequests sends the requests queued on this proxy's connection.
func (p *Proxy) FlushBatchRequests(ctx context.Context) error {
	c, err := p.rt.connectionFor(ctx, p.ref)
	if err != nil {
		return err
	}
	return c.FlushBatch()
}

func (p *Proxy) Ping(ctx context.Context) error {
	_, err := p.Invoke(ctx, dispatch.PingCall())
	return err
}

func (p *Proxy) IsA(ctx context.Context, typeID string) (bool, error) {
	v, err := p.Invoke(ctx, dispatch.IsACall(typeID))
	if err != nil {
		return false, err
	}
	ok, _ := v.(bool)
	return ok, nil
}

// ID returns the most-derived type id of the target.
func (p *Proxy) ID(ctx context.Context) (string, error) {
	v, err := p.Invoke(ctx, dispatch.IDCall())
	if err != nil {
		return "", err
	}
	id, _ := v.(string)
	return id, nil
}

func (p *Proxy) IDs(ctx context.Context) ([]string, error) {
	v, err := p.Invoke(ctx, dispatch.IDsCall())
	if err != nil {
		return nil, err
	}
	ids, _ := v.([]string)
	return ids, nil
}
