// Package runtime is the context that owns every shared registry of one
// process: endpoint factories, the reference factory, the router cache,
// the object adapters and the outgoing connection pool. Proxies created
// from a Runtime invoke either collocated or remote.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/objrpc/internal/adapter"
	"github.com/danmuck/objrpc/internal/config"
	"github.com/danmuck/objrpc/internal/conn"
	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/danmuck/objrpc/internal/protocol/frame"
	"github.com/danmuck/objrpc/internal/reference"
	"github.com/danmuck/objrpc/internal/router"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrDestroyed = errors.New("runtime: runtime destroyed")

type Option func(*Runtime)

func WithLogger(logger zerolog.Logger) Option {
	return func(rt *Runtime) { rt.logger = logger }
}

// WithHooks installs dispatch hooks on every adapter the runtime creates.
func WithHooks(hooks ...dispatch.Hook) Option {
	return func(rt *Runtime) { rt.hooks = append(rt.hooks, hooks...) }
}

// WithRegistry sets the value and exception registry used for decoding.
func WithRegistry(registry *protocol.Registry) Option {
	return func(rt *Runtime) { rt.registry = registry }
}

// WithMessageObserver sees every frame on every connection.
func WithMessageObserver(o conn.MessageObserver) Option {
	return func(rt *Runtime) { rt.observer = o }
}

// WithPropagator injects the caller's trace context into the request
// context of every invocation.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(rt *Runtime) { rt.propagator = p }
}

// WithRouterConnector replaces the remote router client.
func WithRouterConnector(c router.Connector) Option {
	return func(rt *Runtime) { rt.routerConnector = c }
}

type Runtime struct {
	cfg             config.Runtime
	logger          zerolog.Logger
	traces          logging.TraceLevels
	registry        *protocol.Registry
	hooks           []dispatch.Hook
	observer        conn.MessageObserver
	routerConnector router.Connector
	propagator      propagation.TextMapPropagator
	settings        endpoint.Settings

	endpoints  *endpoint.Manager
	references *reference.Factory
	routers    *router.Manager
	adapters   *adapter.Factory
	connOpts   conn.Options
	retry      RetryPolicy
	rng        *lockedRand

	mu        sync.Mutex
	conns     map[endpoint.Endpoint]*conn.Conn
	destroyed bool

	dials       singleflight.Group
	destroyOnce sync.Once
}

func New(cfg config.Runtime, opts ...Option) (*Runtime, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	rt := &Runtime{
		cfg:      cfg,
		logger:   zerolog.Nop(),
		traces:   cfg.Trace,
		registry: protocol.NewRegistry(),
		retry:    retryPolicyFrom(cfg.Default),
		rng:      newLockedRand(),
		conns:    make(map[endpoint.Endpoint]*conn.Conn),
	}
	for _, opt := range opts {
		opt(rt)
	}

	rt.settings = endpoint.Settings{
		DefaultHost:    cfg.Default.Host,
		DefaultTimeout: cfg.Default.Timeout,
		Logger:         rt.logger.With().Str("component", "endpoint").Logger(),
		Traces:         rt.traces,
	}
	if cfg.TLS.Enabled() {
		client, err := cfg.TLS.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("runtime: client tls: %w", err)
		}
		rt.settings.ClientTLS = client
		if cfg.TLS.ValidateServer() == nil {
			server, err := cfg.TLS.ServerConfig()
			if err != nil {
				return nil, fmt.Errorf("runtime: server tls: %w", err)
			}
			rt.settings.ServerTLS = server
		}
	}
	rt.endpoints = endpoint.NewDefaultManager(cfg.Default.Protocol, rt.settings)
	rt.references = reference.NewFactory(rt.endpoints)
	if cfg.Default.Router != "" {
		ref, err := rt.references.Parse(cfg.Default.Router)
		if err != nil {
			rt.endpoints.Destroy()
			return nil, fmt.Errorf("runtime: default.router: %w", err)
		}
		rt.references.SetDefaultRouter(ref)
	}

	connector := rt.routerConnector
	if connector == nil {
		connector = func(ref *reference.Reference) router.Router {
			return &routerClient{proxy: rt.Proxy(ref)}
		}
	}
	rt.routers = router.NewManager(connector, rt.logger.With().Str("component", "router").Logger())

	rt.connOpts = conn.Options{
		Logger:               rt.logger.With().Str("component", "conn").Logger(),
		Traces:               rt.traces,
		Limits:               frame.Limits{MaxPayloadBytes: cfg.Default.MaxMessageBytes},
		Compression:          cfg.Default.Compression,
		CompressionThreshold: cfg.Default.CompressionThreshold,
		Observer:             rt.observer,
	}
	rt.adapters = adapter.NewFactory(adapter.Deps{
		Endpoints: rt.endpoints,
		Routers:   rt.routers,
		Registry:  rt.registry,
		Logger:    rt.logger,
		Traces:    rt.traces,
		Hooks:     rt.hooks,
		Conn:      rt.connOpts,
	})
	rt.logger.Debug().Msgf("runtime.New default_protocol=%s collocation=%t", cfg.Default.Protocol, cfg.Default.Collocation)
	return rt, nil
}

func (rt *Runtime) Config() config.Runtime         { return rt.cfg }
func (rt *Runtime) Logger() zerolog.Logger         { return rt.logger }
func (rt *Runtime) Registry() *protocol.Registry   { return rt.registry }
func (rt *Runtime) Endpoints() *endpoint.Manager   { return rt.endpoints }
func (rt *Runtime) References() *reference.Factory { return rt.references }
func (rt *Runtime) Routers() *router.Manager       { return rt.routers }
func (rt *Runtime) Adapters() *adapter.Factory     { return rt.adapters }

func (rt *Runtime) isDestroyed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.destroyed
}

// CreateObjectAdapter creates or returns the adapter name, configured
// from the matching [[adapters]] section when there is one.
func (rt *Runtime) CreateObjectAdapter(ctx context.Context, name string) (*adapter.ObjectAdapter, error) {
	cfg := adapter.Config{Name: name}
	if sec, ok := rt.cfg.Adapter(name); ok {
		cfg.Endpoints = sec.Endpoints
		cfg.PublishedEndpoints = sec.PublishedEndpoints
		if sec.Router != "" {
			ref, err := rt.references.Parse(sec.Router)
			if err != nil {
				return nil, fmt.Errorf("runtime: adapter %s router: %w", name, err)
			}
			cfg.Router = ref
		}
	}
	return rt.adapters.CreateObjectAdapter(ctx, cfg)
}

func (rt *Runtime) CreateObjectAdapterWithEndpoints(ctx context.Context, name, endpoints string) (*adapter.ObjectAdapter, error) {
	return rt.adapters.CreateObjectAdapter(ctx, adapter.Config{Name: name, Endpoints: endpoints})
}

// CreateObjectAdapterWithRouter creates an adapter that receives callbacks
// through the router.
func (rt *Runtime) CreateObjectAdapterWithRouter(ctx context.Context, name string, routerProxy *Proxy) (*adapter.ObjectAdapter, error) {
	if routerProxy == nil {
		return nil, fmt.Errorf("runtime: nil router proxy for adapter %s", name)
	}
	return rt.adapters.CreateObjectAdapter(ctx, adapter.Config{Name: name, Router: routerProxy.ref})
}

// Shutdown deactivates every adapter.
func (rt *Runtime) Shutdown() { rt.adapters.Shutdown() }

func (rt *Runtime) IsShutdown() bool { return rt.adapters.IsShutdown() }

// WaitForShutdown blocks until Shutdown has run and all adapters drained.
func (rt *Runtime) WaitForShutdown() { rt.adapters.WaitForShutdown() }

// Connections reports the number of pooled outgoing connections.
func (rt *Runtime) Connections() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.conns)
}

// Destroy shuts down and drains the adapters, closes outgoing
// connections, then destroys the router cache and the endpoint
// factories. Later calls do nothing.
func (rt *Runtime) Destroy(ctx context.Context) error {
	var err error
	rt.destroyOnce.Do(func() {
		rt.adapters.Shutdown()
		rt.adapters.WaitForShutdown()

		rt.mu.Lock()
		rt.destroyed = true
		conns := make([]*conn.Conn, 0, len(rt.conns))
		for _, c := range rt.conns {
			conns = append(conns, c)
		}
		rt.conns = make(map[endpoint.Endpoint]*conn.Conn)
		rt.mu.Unlock()

		var g errgroup.Group
		for _, c := range conns {
			g.Go(func() error { return c.Close(ctx) })
		}
		err = g.Wait()

		rt.routers.Destroy()
		rt.endpoints.Destroy()
		rt.logger.Info().Msgf("runtime.Runtime.Destroy connections=%d", len(conns))
	})
	return err
}

// FlushBatchRequests sends the queued batch requests of every outgoing
// connection and every adapter's incoming connections.
func (rt *Runtime) FlushBatchRequests() error {
	rt.mu.Lock()
	conns := make([]*conn.Conn, 0, len(rt.conns))
	for _, c := range rt.conns {
		conns = append(conns, c)
	}
	rt.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(c.FlushBatch)
	}
	return errors.Join(g.Wait(), rt.adapters.FlushBatchRequests())
}

// usable keeps the endpoints a reference in mode may connect through.
func usable(ref *reference.Reference, eps []endpoint.Endpoint) []endpoint.Endpoint {
	datagram := ref.Mode() == reference.ModeDatagram || ref.Mode() == reference.ModeBatchDatagram
	out := make([]endpoint.Endpoint, 0, len(eps))
	for _, ep := range eps {
		switch {
		case ep.Unknown():
		case ep.Datagram() != datagram:
		case ref.Secure() && !ep.Secure():
		default:
			out = append(out, ep)
		}
	}
	return out
}

// connectionFor returns a connection for ref, going through its router
// when it has one.
func (rt *Runtime) connectionFor(ctx context.Context, ref *reference.Reference) (*conn.Conn, error) {
	eps := ref.Endpoints()
	var info *router.Info
	if r := ref.Router(); r != nil {
		if info = rt.routers.Get(r); info == nil {
			return nil, ErrDestroyed
		}
		client, err := info.ClientProxy(ctx)
		if err != nil {
			return nil, err
		}
		eps = client.Endpoints()
	}
	eps = usable(ref, eps)
	if len(eps) == 0 {
		return nil, &fault.NoEndpointError{Proxy: ref.String()}
	}
	c, err := rt.connect(ctx, eps)
	if err != nil {
		return nil, err
	}
	if info != nil {
		if h, ok := info.Adapter().(conn.Handler); ok {
			c.SetHandler(h)
		}
		if err := info.AddProxy(ctx, ref); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (rt *Runtime) pooled(eps []endpoint.Endpoint) (*conn.Conn, bool, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.destroyed {
		return nil, false, ErrDestroyed
	}
	for _, ep := range eps {
		if c, ok := rt.conns[ep]; ok && c.Err() == nil {
			return c, true, nil
		}
	}
	return nil, false, nil
}

// connect reuses a pooled connection to any of eps or establishes one,
// trying the endpoints in order and retrying per the retry policy.
func (rt *Runtime) connect(ctx context.Context, eps []endpoint.Endpoint) (*conn.Conn, error) {
	if c, ok, err := rt.pooled(eps); ok || err != nil {
		return c, err
	}
	var lastErr error
	for attempt := 0; attempt <= rt.retry.Attempts; attempt++ {
		if attempt > 0 {
			delay := rt.rng.delay(rt.retry, attempt)
			rt.traces.Tracef(rt.logger, logging.CategoryRetry, 1,
				"retrying connection establishment because of exception\n%v\nattempt = %d delay = %s", lastErr, attempt, delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		for _, ep := range eps {
			c, err := rt.dial(ctx, ep)
			if err == nil {
				return c, nil
			}
			lastErr = err
			if !fault.IsRetryable(err) {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (rt *Runtime) connectTimeout(ep endpoint.Endpoint) time.Duration {
	if ms := ep.Timeout(); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return rt.cfg.Default.Timeout
}

// dial establishes one connection to ep. Concurrent dials to the same
// endpoint share one attempt.
func (rt *Runtime) dial(ctx context.Context, ep endpoint.Endpoint) (*conn.Conn, error) {
	v, err, _ := rt.dials.Do(ep.String(), func() (any, error) {
		if c, ok, err := rt.pooled([]endpoint.Endpoint{ep}); ok || err != nil {
			return c, err
		}
		connector, err := rt.endpoints.Connector(ep)
		if err != nil {
			return nil, err
		}
		dctx := ctx
		if timeout := rt.connectTimeout(ep); timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		t, err := connector.Connect(dctx, 0)
		if err != nil {
			return nil, err
		}
		opts := rt.connOpts
		opts.Compress = ep.Compress()
		c, err := conn.Dial(dctx, t, opts)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &fault.ConnectTimeoutError{Addr: connector.String()}
			}
			return nil, &fault.ConnectFailedError{Addr: connector.String(), Err: err}
		}

		rt.mu.Lock()
		if rt.destroyed {
			rt.mu.Unlock()
			c.Abort()
			return nil, ErrDestroyed
		}
		rt.conns[ep] = c
		rt.mu.Unlock()
		go rt.reap(ep, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn.Conn), nil
}

func (rt *Runtime) reap(ep endpoint.Endpoint, c *conn.Conn) {
	<-c.Done()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.conns[ep] == c {
		delete(rt.conns, ep)
	}
}
