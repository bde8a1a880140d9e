// Package router resolves routed references: a per-runtime cache of
// RouterInfo values, each holding the router's client and server proxies
// and the table of proxies already registered with the router.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/reference"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var ErrDestroyed = errors.New("router: router info destroyed")

// sharedCallTimeout bounds a router call shared by concurrent callers.
const sharedCallTimeout = 30 * time.Second

// Router is the remote interface an intermediary router exposes.
type Router interface {
	// GetClientProxy returns the proxy clients send routed requests to. A
	// nil proxy means the router has none.
	GetClientProxy(ctx context.Context) (*reference.Reference, error)
	// GetServerProxy returns the proxy the router uses for callbacks.
	GetServerProxy(ctx context.Context) (*reference.Reference, error)
	// AddProxy registers a proxy the router should forward requests to.
	AddProxy(ctx context.Context, proxy *reference.Reference) error
}

// Connector binds a router reference to a Router client.
type Connector func(ref *reference.Reference) Router

// CallbackAdapter is the object adapter that receives routed callbacks.
type CallbackAdapter interface {
	Name() string
}

// Info caches everything known about one router.
type Info struct {
	ref    *reference.Reference
	router Router
	logger zerolog.Logger

	mu          sync.Mutex
	clientProxy *reference.Reference
	serverProxy *reference.Reference
	table       map[string]struct{}
	adapter     CallbackAdapter
	destroyed   bool

	flights singleflight.Group
}

func newInfo(ref *reference.Reference, r Router, logger zerolog.Logger) *Info {
	return &Info{
		ref:    ref,
		router: r,
		logger: logger.With().Str("router", ref.Identity().String()).Logger(),
		table:  make(map[string]struct{}),
	}
}

// Router returns the router's own reference, without a router.
func (i *Info) Router() *reference.Reference { return i.ref }

// ClientProxy returns the router's client proxy, fetching it on first
// use. The result has its own router removed.
func (i *Info) ClientProxy(ctx context.Context) (*reference.Reference, error) {
	return i.proxy(ctx, "client", func() *reference.Reference { return i.clientProxy }, i.router.GetClientProxy,
		func(p *reference.Reference) { i.clientProxy = p })
}

// ServerProxy returns the router's server proxy, fetching it on first use.
// The result has its own router removed and must carry endpoints.
func (i *Info) ServerProxy(ctx context.Context) (*reference.Reference, error) {
	return i.proxy(ctx, "server", func() *reference.Reference { return i.serverProxy }, i.router.GetServerProxy,
		func(p *reference.Reference) { i.serverProxy = p })
}

func (i *Info) proxy(
	ctx context.Context,
	which string,
	cached func() *reference.Reference,
	fetch func(context.Context) (*reference.Reference, error),
	store func(*reference.Reference),
) (*reference.Reference, error) {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return nil, ErrDestroyed
	}
	if p := cached(); p != nil {
		i.mu.Unlock()
		return p, nil
	}
	i.mu.Unlock()

	v, err := i.shared(ctx, "proxy:"+which, func(ctx context.Context) (any, error) {
		i.mu.Lock()
		if p := cached(); p != nil {
			i.mu.Unlock()
			return p, nil
		}
		i.mu.Unlock()

		p, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if p == nil || (which == "server" && p.Indirect()) {
			return nil, &fault.NoEndpointError{Proxy: i.ref.String()}
		}
		p = p.WithRouter(nil)

		i.mu.Lock()
		defer i.mu.Unlock()
		if i.destroyed {
			return nil, ErrDestroyed
		}
		store(p)
		i.logger.Debug().Msgf("router.Info.%sProxy resolved proxy=%s", which, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*reference.Reference), nil
}

// AddProxy registers proxy with the router unless it is already known.
// Only the first call for a given identity reaches the router; concurrent
// callers for the same identity share that call's result.
func (i *Info) AddProxy(ctx context.Context, proxy *reference.Reference) error {
	key := proxy.Identity().String()
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return ErrDestroyed
	}
	if _, ok := i.table[key]; ok {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	_, err := i.shared(ctx, "add:"+key, func(ctx context.Context) (any, error) {
		i.mu.Lock()
		_, known := i.table[key]
		i.mu.Unlock()
		if known {
			return nil, nil
		}
		if err := i.router.AddProxy(ctx, proxy); err != nil {
			return nil, err
		}
		i.mu.Lock()
		defer i.mu.Unlock()
		if i.destroyed {
			return nil, ErrDestroyed
		}
		i.table[key] = struct{}{}
		i.logger.Debug().Msgf("router.Info.AddProxy added identity=%s", key)
		return nil, nil
	})
	return err
}

// shared runs fn once for all concurrent callers of key. fn is not
// cancelled by any one caller; each caller stops waiting when its own ctx
// ends.
func (i *Info) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := i.flights.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Known reports whether proxy's identity is in the routing table.
func (i *Info) Known(proxy *reference.Reference) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.table[proxy.Identity().String()]
	return ok
}

func (i *Info) SetAdapter(a CallbackAdapter) {
	i.mu.Lock()
	i.adapter = a
	i.mu.Unlock()
}

func (i *Info) Adapter() CallbackAdapter {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.adapter
}

// Destroy clears the cached proxies, the routing table and the adapter.
func (i *Info) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.destroyed = true
	i.clientProxy = nil
	i.serverProxy = nil
	i.adapter = nil
	i.table = make(map[string]struct{})
}

// Manager maps router references to their Info.
type Manager struct {
	connect Connector
	logger  zerolog.Logger

	mu        sync.Mutex
	infos     map[string]*Info
	destroyed bool
}

func NewManager(connect Connector, logger zerolog.Logger) *Manager {
	return &Manager{connect: connect, logger: logger, infos: make(map[string]*Info)}
}

// Get returns the Info for ref, creating it on first use. The router's
// own router is removed before lookup, so routers are never routed.
// A nil ref yields nil.
func (m *Manager) Get(ref *reference.Reference) *Info {
	if ref == nil {
		return nil
	}
	ref = ref.WithRouter(nil)
	key := ref.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	if info, ok := m.infos[key]; ok {
		return info
	}
	info := newInfo(ref, m.connect(ref), m.logger)
	m.infos[key] = info
	return info
}

// Erase removes and returns the Info for ref, if any.
func (m *Manager) Erase(ref *reference.Reference) *Info {
	if ref == nil {
		return nil
	}
	key := ref.WithRouter(nil).Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.infos[key]
	delete(m.infos, key)
	return info
}

// Len returns the number of cached routers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.infos)
}

// Destroy destroys every cached Info and empties the cache.
func (m *Manager) Destroy() {
	m.mu.Lock()
	infos := m.infos
	m.infos = make(map[string]*Info)
	m.destroyed = true
	m.mu.Unlock()

	for _, info := range infos {
		info.Destroy()
	}
}
