package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/rs/zerolog"
)

// Dispatcher routes requests to servants found through a Resolver.
type Dispatcher struct {
	resolver Resolver
	registry *protocol.Registry
	hooks    []Hook
	logger   zerolog.Logger
	traces   logging.TraceLevels
}

type Option func(*Dispatcher)

func WithHooks(hooks ...Hook) Option {
	return func(d *Dispatcher) { d.hooks = append(d.hooks, hooks...) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithTraces(traces logging.TraceLevels) Option {
	return func(d *Dispatcher) { d.traces = traces }
}

func New(resolver Resolver, registry *protocol.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{resolver: resolver, registry: registry, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SliceObserver traces slicing of values and exceptions the registry does
// not fully know.
func SliceObserver(logger zerolog.Logger, traces logging.TraceLevels) protocol.SliceObserver {
	return func(kind, unknown, to string) {
		if to == "" {
			traces.Tracef(logger, logging.CategorySlicing, 1, "unknown %s type `%s' has no known base type", kind, unknown)
			return
		}
		traces.Tracef(logger, logging.CategorySlicing, 1, "unknown %s type `%s' sliced to `%s'", kind, unknown, to)
	}
}

func (d *Dispatcher) current(requestID uint32, req *Request, collocated bool) *Current {
	return &Current{
		Adapter:    d.resolver.Name(),
		Identity:   req.Identity,
		Facet:      req.Facet,
		Operation:  req.Operation,
		Mode:       req.Mode,
		Context:    req.Context,
		RequestID:  requestID,
		Collocated: collocated,
	}
}

type target struct {
	servant Servant
	locator ServantLocator
	cookie  any
}

// locate resolves the servant: the direct map first, then the locator
// for the identity category, then the default locator.
func (d *Dispatcher) locate(cur *Current) (target, error) {
	if s, ok := d.resolver.FindServant(cur.Identity, cur.Facet); ok {
		return target{servant: s}, nil
	}
	categories := []string{cur.Identity.Category}
	if cur.Identity.Category != "" {
		categories = append(categories, "")
	}
	for _, category := range categories {
		loc, ok := d.resolver.FindLocator(category)
		if !ok {
			continue
		}
		s, cookie, err := loc.Locate(cur)
		if err != nil {
			return target{}, err
		}
		if s != nil {
			return target{servant: s, locator: loc, cookie: cookie}, nil
		}
	}
	failed := fault.RequestFailed{Identity: cur.Identity, Facet: cur.Facet, Operation: cur.Operation}
	if d.resolver.HasIdentity(cur.Identity) {
		return target{}, &fault.FacetNotExistError{RequestFailed: failed}
	}
	return target{}, &fault.ObjectNotExistError{RequestFailed: failed}
}

func (d *Dispatcher) operation(cur *Current, s Servant) (*Operation, error) {
	if op, ok := s.Operation(cur.Operation); ok {
		return op, nil
	}
	if op, ok := builtin(s, cur.Operation); ok {
		return op, nil
	}
	return nil, &fault.OperationNotExistError{RequestFailed: fault.RequestFailed{
		Identity: cur.Identity, Facet: cur.Facet, Operation: cur.Operation,
	}}
}

func (d *Dispatcher) start(ctx context.Context, cur *Current) (context.Context, []HookToken) {
	if len(d.hooks) == 0 {
		return ctx, nil
	}
	info := infoOf(cur)
	tokens := make([]HookToken, len(d.hooks))
	for i, h := range d.hooks {
		ctx, tokens[i] = h.OnDispatchStart(ctx, info)
	}
	return ctx, tokens
}

func (d *Dispatcher) end(ctx context.Context, tokens []HookToken, cur *Current, result Result) {
	if len(d.hooks) == 0 {
		return
	}
	info := infoOf(cur)
	for i := len(d.hooks) - 1; i >= 0; i-- {
		d.hooks[i].OnDispatchEnd(ctx, tokens[i], info, result)
	}
}

// Dispatch runs a marshaled request and always produces a reply. Servant
// failures are mapped by ReplyFromError; panics become unknown exceptions.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID uint32, req *Request) *Reply {
	cur := d.current(requestID, req, false)
	started := time.Now()
	ctx, tokens := d.start(ctx, cur)
	reply, err := d.dispatch(ctx, cur, req)
	if err != nil {
		d.logger.Debug().Err(err).Msgf("dispatch.Dispatcher.Dispatch identity=%s operation=%s status=%s",
			cur.Identity, cur.Operation, reply.Status)
	}
	d.end(ctx, tokens, cur, Result{
		Status:   reply.Status,
		Err:      err,
		Duration: time.Since(started),
		InBytes:  len(req.Params),
		OutBytes: len(reply.Body),
	})
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, cur *Current, req *Request) (reply *Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch: servant panic: %v", p)
			reply = ReplyFromError(cur, err, nil)
		}
	}()

	t, err := d.locate(cur)
	if err != nil {
		return ReplyFromError(cur, err, nil), err
	}
	if t.locator != nil {
		defer t.locator.Finished(cur, t.servant, t.cookie)
	}
	op, err := d.operation(cur, t.servant)
	if err != nil {
		return ReplyFromError(cur, err, nil), err
	}

	in := protocol.NewInputStream(req.Params, d.registry)
	in.SetSliceObserver(SliceObserver(d.logger, d.traces))
	if _, _, err := in.StartEncaps(); err != nil {
		return ReplyFromError(cur, err, nil), err
	}
	out := protocol.NewOutputStream()
	out.StartEncaps()
	if err := op.Invoke(ctx, cur, in, out); err != nil {
		return ReplyFromError(cur, err, op.Exceptions), err
	}
	if err := in.EndEncaps(); err != nil {
		return ReplyFromError(cur, err, nil), err
	}
	out.EndEncaps()
	return &Reply{Status: StatusOK, Body: out.Bytes()}, nil
}

// Collocated runs call against a servant in this process. Arguments and
// results are passed natively when the operation has a Direct handler,
// and errors are returned exactly as the servant produced them: user
// exceptions are neither sliced nor reduced to unknown exceptions.
func (d *Dispatcher) Collocated(ctx context.Context, req *Request, call *Call) (result any, err error) {
	cur := d.current(0, req, true)
	started := time.Now()
	ctx, tokens := d.start(ctx, cur)
	defer func() {
		status := StatusOK
		if err != nil {
			status = ReplyFromError(cur, err, nil).Status
		}
		d.end(ctx, tokens, cur, Result{Status: status, Err: err, Duration: time.Since(started)})
	}()

	t, err := d.locate(cur)
	if err != nil {
		return nil, err
	}
	if t.locator != nil {
		defer t.locator.Finished(cur, t.servant, t.cookie)
	}
	op, err := d.operation(cur, t.servant)
	if err != nil {
		return nil, err
	}
	if op.Direct != nil && (call.Args != nil || call.Marshal == nil) {
		return op.Direct(ctx, cur, call.Args)
	}

	params, err := EncodeParams(call.Marshal)
	if err != nil {
		return nil, err
	}
	in := protocol.NewInputStream(params, d.registry)
	if _, _, err := in.StartEncaps(); err != nil {
		return nil, err
	}
	out := protocol.NewOutputStream()
	out.StartEncaps()
	if err := op.Invoke(ctx, cur, in, out); err != nil {
		return nil, err
	}
	out.EndEncaps()
	return DecodeResults(out.Bytes(), d.registry, call.Unmarshal)
}
