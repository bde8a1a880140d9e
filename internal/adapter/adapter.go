// Package adapter hosts servants: the ObjectAdapter registry and
// lifecycle, and the Factory that owns every adapter of a runtime.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/danmuck/objrpc/internal/conn"
	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/endpoint"
	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/danmuck/objrpc/internal/reference"
	"github.com/danmuck/objrpc/internal/router"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRegistered = errors.New("adapter: already registered")
	ErrNotRegistered     = errors.New("adapter: not registered")
	ErrDeactivated       = errors.New("adapter: object adapter deactivated")
	ErrShutdown          = errors.New("adapter: factory shut down")
	ErrNullIdentity      = errors.New("adapter: null identity")
	ErrNoRouterProxy     = errors.New("adapter: router has no server proxy endpoints")
)

type State int

const (
	StateUninitialized State = iota
	StateActive
	StateDeactivating
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	case StateDeactivated:
		return "deactivated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config describes one adapter. Endpoints and PublishedEndpoints use the
// ':'-separated endpoint list syntax; an empty Endpoints makes a
// collocated-only adapter.
type Config struct {
	Name               string
	Endpoints          string
	PublishedEndpoints string
	Router             *reference.Reference
}

// Deps are the runtime collaborators shared by every adapter.
type Deps struct {
	Endpoints *endpoint.Manager
	Routers   *router.Manager
	Registry  *protocol.Registry
	Logger    zerolog.Logger
	Traces    logging.TraceLevels
	Hooks     []dispatch.Hook
	// Conn carries framing limits and compression for accepted
	// connections. Its Handler and Logger are replaced per adapter.
	Conn conn.Options
}

type facetMap map[string]dispatch.Servant

// ObjectAdapter maps identities and facets to servants and dispatches the
// requests its acceptors receive.
type ObjectAdapter struct {
	name       string
	deps       Deps
	logger     zerolog.Logger
	dispatcher *dispatch.Dispatcher

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	servants   map[identity.Identity]facetMap
	locators   map[string]dispatch.ServantLocator
	acceptors  []endpoint.Acceptor
	endpoints  []endpoint.Endpoint
	published  []endpoint.Endpoint
	conns      map[*conn.Conn]struct{}
	inFlight   int
	routerInfo *router.Info

	accepting sync.WaitGroup
}

func newObjectAdapter(cfg Config, deps Deps) (*ObjectAdapter, error) {
	a := &ObjectAdapter{
		name:     cfg.Name,
		deps:     deps,
		logger:   deps.Logger.With().Str("adapter", cfg.Name).Logger(),
		servants: make(map[identity.Identity]facetMap),
		locators: make(map[string]dispatch.ServantLocator),
		conns:    make(map[*conn.Conn]struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	a.dispatcher = dispatch.New(a, deps.Registry,
		dispatch.WithHooks(deps.Hooks...),
		dispatch.WithLogger(a.logger),
		dispatch.WithTraces(deps.Traces),
	)

	if cfg.Endpoints != "" {
		eps, err := deps.Endpoints.CreateList(cfg.Endpoints)
		if err != nil {
			return nil, err
		}
		for _, ep := range eps {
			acc, err := deps.Endpoints.Acceptor(ep)
			if err != nil {
				a.closeAcceptors()
				return nil, err
			}
			a.acceptors = append(a.acceptors, acc)
			a.endpoints = append(a.endpoints, acc.Endpoint())
		}
	}
	a.published = a.endpoints
	if cfg.PublishedEndpoints != "" {
		eps, err := deps.Endpoints.CreateList(cfg.PublishedEndpoints)
		if err != nil {
			a.closeAcceptors()
			return nil, err
		}
		a.published = eps
	}
	a.logger.Debug().Msgf("adapter.ObjectAdapter created endpoints=%d published=%d", len(a.endpoints), len(a.published))
	return a, nil
}

func (a *ObjectAdapter) closeAcceptors() {
	for _, acc := range a.acceptors {
		_ = acc.Close()
	}
	a.acceptors = nil
}

func (a *ObjectAdapter) Name() string { return a.name }

func (a *ObjectAdapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Activate starts accepting connections and releases dispatches held
// since creation.
func (a *ObjectAdapter) Activate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateActive:
		return nil
	case StateDeactivating, StateDeactivated:
		return fmt.Errorf("%w: %s", ErrDeactivated, a.name)
	}
	a.state = StateActive
	for _, acc := range a.acceptors {
		a.accepting.Add(1)
		go a.acceptLoop(acc)
	}
	a.cond.Broadcast()
	a.logger.Info().Msgf("adapter.ObjectAdapter.Activate endpoints=%v", a.endpointStrings())
	return nil
}

func (a *ObjectAdapter) endpointStrings() []string {
	out := make([]string, 0, len(a.endpoints))
	for _, ep := range a.endpoints {
		out = append(out, ep.String())
	}
	return out
}

func (a *ObjectAdapter) acceptLoop(acc endpoint.Acceptor) {
	defer a.accepting.Done()
	for {
		t, err := acc.Accept()
		if err != nil {
			if a.State() < StateDeactivating {
				a.logger.Warn().Err(err).Msgf("adapter.ObjectAdapter.acceptLoop acceptor=%s", acc)
			}
			return
		}
		go a.serve(t)
	}
}

func (a *ObjectAdapter) serve(t endpoint.Transceiver) {
	opts := a.deps.Conn
	opts.Handler = a
	opts.Logger = a.logger
	opts.Traces = a.deps.Traces
	c, err := conn.Accept(t, opts)
	if err != nil {
		a.logger.Debug().Err(err).Msgf("adapter.ObjectAdapter.serve validate transceiver=%s", t)
		_ = t.Close()
		return
	}
	a.mu.Lock()
	if a.state >= StateDeactivating {
		a.mu.Unlock()
		c.Abort()
		return
	}
	a.conns[c] = struct{}{}
	a.mu.Unlock()

	<-c.Done()
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
}

// Connections reports the number of open incoming connections.
func (a *ObjectAdapter) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Deactivate stops new dispatch and begins draining: acceptors close at
// once, incoming connections close after their in-flight requests
// finish, and the adapter turns Deactivated when the last dispatch ends.
// It returns without waiting; use WaitForDeactivate.
func (a *ObjectAdapter) Deactivate() {
	a.mu.Lock()
	if a.state >= StateDeactivating {
		a.mu.Unlock()
		return
	}
	a.state = StateDeactivating
	a.cond.Broadcast()
	acceptors := a.acceptors
	a.acceptors = nil
	conns := slices.Collect(maps.Keys(a.conns))
	a.mu.Unlock()

	for _, acc := range acceptors {
		_ = acc.Close()
	}
	a.logger.Info().Msgf("adapter.ObjectAdapter.Deactivate connections=%d", len(conns))
	go a.drain(conns)
}

func (a *ObjectAdapter) drain(conns []*conn.Conn) {
	a.accepting.Wait()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error { return c.Close(context.Background()) })
	}
	if err := g.Wait(); err != nil {
		a.logger.Debug().Err(err).Msg("adapter.ObjectAdapter.drain close connection")
	}

	a.mu.Lock()
	for a.inFlight > 0 {
		a.cond.Wait()
	}
	locators := maps.Clone(a.locators)
	info := a.routerInfo
	a.mu.Unlock()

	for category, loc := range locators {
		loc.Deactivate(category)
	}
	if info != nil && info.Adapter() == router.CallbackAdapter(a) {
		info.SetAdapter(nil)
	}

	a.mu.Lock()
	a.state = StateDeactivated
	a.servants = make(map[identity.Identity]facetMap)
	a.locators = make(map[string]dispatch.ServantLocator)
	a.routerInfo = nil
	a.cond.Broadcast()
	a.mu.Unlock()
	a.logger.Info().Msg("adapter.ObjectAdapter deactivated")
}

// WaitForDeactivate blocks until the adapter is Deactivated.
func (a *ObjectAdapter) WaitForDeactivate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.state != StateDeactivated {
		a.cond.Wait()
	}
}

func (a *ObjectAdapter) IsDeactivated() bool {
	return a.State() == StateDeactivated
}

// beginDispatch admits one dispatch. Requests arriving before activation
// wait for it or for ctx to end; requests arriving after deactivation are
// refused with ErrDeactivated.
func (a *ObjectAdapter) beginDispatch(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.cond.Broadcast()
	})
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for a.state == StateUninitialized {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.cond.Wait()
	}
	if a.state != StateActive {
		return fmt.Errorf("%w: %s", ErrDeactivated, a.name)
	}
	a.inFlight++
	return nil
}

func (a *ObjectAdapter) endDispatch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight--
	if a.inFlight == 0 {
		a.cond.Broadcast()
	}
}

// Dispatch serves one request received on a connection.
func (a *ObjectAdapter) Dispatch(ctx context.Context, requestID uint32, req *dispatch.Request) *dispatch.Reply {
	if err := a.beginDispatch(ctx); err != nil {
		return &dispatch.Reply{
			Status:    dispatch.StatusObjectNotExist,
			Identity:  req.Identity,
			Facet:     req.Facet,
			Operation: req.Operation,
		}
	}
	defer a.endDispatch()
	return a.dispatcher.Dispatch(ctx, requestID, req)
}

// Collocated runs call directly against this adapter's servants.
func (a *ObjectAdapter) Collocated(ctx context.Context, req *dispatch.Request, call *dispatch.Call) (any, error) {
	if err := a.beginDispatch(ctx); err != nil {
		return nil, err
	}
	defer a.endDispatch()
	return a.dispatcher.Collocated(ctx, req, call)
}

func (a *ObjectAdapter) checkLive() error {
	if a.state >= StateDeactivating {
		return fmt.Errorf("%w: %s", ErrDeactivated, a.name)
	}
	return nil
}

// Add registers servant under id with the default facet and returns a
// proxy for it.
func (a *ObjectAdapter) Add(servant dispatch.Servant, id identity.Identity) (*reference.Reference, error) {
	return a.AddFacet(servant, id, "")
}

// AddWithUUID registers servant under a fresh UUID identity.
func (a *ObjectAdapter) AddWithUUID(servant dispatch.Servant) (*reference.Reference, error) {
	return a.Add(servant, identity.New(uuid.NewString(), ""))
}

func (a *ObjectAdapter) AddFacet(servant dispatch.Servant, id identity.Identity, facet string) (*reference.Reference, error) {
	if id.Name == "" {
		return nil, ErrNullIdentity
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(); err != nil {
		return nil, err
	}
	facets := a.servants[id]
	if _, ok := facets[facet]; ok {
		return nil, fmt.Errorf("%w: servant %s facet %q", ErrAlreadyRegistered, id, facet)
	}
	if facets == nil {
		facets = make(facetMap)
		a.servants[id] = facets
	}
	facets[facet] = servant
	return a.newReference(id, facet), nil
}

func (a *ObjectAdapter) Remove(id identity.Identity) (dispatch.Servant, error) {
	return a.RemoveFacet(id, "")
}

func (a *ObjectAdapter) RemoveFacet(id identity.Identity, facet string) (dispatch.Servant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(); err != nil {
		return nil, err
	}
	facets := a.servants[id]
	s, ok := facets[facet]
	if !ok {
		return nil, fmt.Errorf("%w: servant %s facet %q", ErrNotRegistered, id, facet)
	}
	delete(facets, facet)
	if len(facets) == 0 {
		delete(a.servants, id)
	}
	return s, nil
}

// RemoveAllFacets removes and returns every facet registered for id.
func (a *ObjectAdapter) RemoveAllFacets(id identity.Identity) (map[string]dispatch.Servant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(); err != nil {
		return nil, err
	}
	facets, ok := a.servants[id]
	if !ok {
		return nil, fmt.Errorf("%w: servant %s", ErrNotRegistered, id)
	}
	delete(a.servants, id)
	return facets, nil
}

func (a *ObjectAdapter) Find(id identity.Identity) (dispatch.Servant, bool) {
	return a.FindFacet(id, "")
}

func (a *ObjectAdapter) FindFacet(id identity.Identity, facet string) (dispatch.Servant, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.servants[id][facet]
	return s, ok
}

func (a *ObjectAdapter) FindAllFacets(id identity.Identity) map[string]dispatch.Servant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.servants[id])
}

// FindByProxy returns the servant registered for ref's identity and facet.
// It does not check that ref's endpoints belong to this adapter.
func (a *ObjectAdapter) FindByProxy(ref *reference.Reference) (dispatch.Servant, bool) {
	return a.FindFacet(ref.Identity(), ref.Facet())
}

// AddServantLocator registers loc for identities of category. The empty
// category is the default locator.
func (a *ObjectAdapter) AddServantLocator(loc dispatch.ServantLocator, category string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(); err != nil {
		return err
	}
	if _, ok := a.locators[category]; ok {
		return fmt.Errorf("%w: servant locator %q", ErrAlreadyRegistered, category)
	}
	a.locators[category] = loc
	return nil
}

func (a *ObjectAdapter) FindServantLocator(category string) (dispatch.ServantLocator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	loc, ok := a.locators[category]
	return loc, ok
}

// Resolver methods consumed by the dispatcher.

func (a *ObjectAdapter) FindServant(id identity.Identity, facet string) (dispatch.Servant, bool) {
	return a.FindFacet(id, facet)
}

func (a *ObjectAdapter) HasIdentity(id identity.Identity) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.servants[id]) > 0
}

func (a *ObjectAdapter) FindLocator(category string) (dispatch.ServantLocator, bool) {
	return a.FindServantLocator(category)
}

func (a *ObjectAdapter) newReference(id identity.Identity, facet string) *reference.Reference {
	return reference.New(id, facet, reference.ModeTwoway, false, a.published, "")
}

// CreateProxy returns a proxy for id over the published endpoints, or an
// indirect proxy naming this adapter when there are none.
func (a *ObjectAdapter) CreateProxy(id identity.Identity) *reference.Reference {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.published) == 0 {
		return reference.New(id, "", reference.ModeTwoway, false, nil, a.name)
	}
	return a.newReference(id, "")
}

func (a *ObjectAdapter) CreateDirectProxy(id identity.Identity) *reference.Reference {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newReference(id, "")
}

func (a *ObjectAdapter) CreateIndirectProxy(id identity.Identity) *reference.Reference {
	return reference.New(id, "", reference.ModeTwoway, false, nil, a.name)
}

func (a *ObjectAdapter) Endpoints() []endpoint.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.endpoints)
}

func (a *ObjectAdapter) PublishedEndpoints() []endpoint.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.published)
}

func normalize(ep endpoint.Endpoint) endpoint.Endpoint {
	return ep.WithTimeout(endpoint.InfiniteTimeout).WithCompress(false)
}

// IsLocal reports whether ref addresses this adapter: an indirect proxy
// naming it, a proxy routed through its router, or a proxy with an
// endpoint it listens on or publishes. Timeouts and compression are
// ignored when comparing endpoints.
func (a *ObjectAdapter) IsLocal(ref *reference.Reference) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(); err != nil {
		return false, err
	}
	if ref.Indirect() {
		return ref.AdapterID() == a.name, nil
	}
	if a.routerInfo != nil && ref.Router() != nil && ref.Router().Equal(a.routerInfo.Router()) {
		return true, nil
	}
	for _, ep := range ref.Endpoints() {
		want := normalize(ep)
		for _, own := range slices.Concat(a.endpoints, a.published) {
			if normalize(own) == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// AddRouter makes this adapter the callback adapter of routerRef: the
// router's server proxy endpoints become the published endpoints.
func (a *ObjectAdapter) AddRouter(ctx context.Context, routerRef *reference.Reference) error {
	info := a.deps.Routers.Get(routerRef)
	if info == nil {
		return fmt.Errorf("%w: router manager", router.ErrDestroyed)
	}
	server, err := info.ServerProxy(ctx)
	if err != nil {
		return err
	}
	eps := server.Endpoints()
	if len(eps) == 0 {
		return ErrNoRouterProxy
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(); err != nil {
		return err
	}
	a.routerInfo = info
	a.published = eps
	info.SetAdapter(a)
	a.logger.Info().Msgf("adapter.ObjectAdapter.AddRouter router=%s published=%d", info.Router().Identity(), len(eps))
	return nil
}

// FlushBatchRequests flushes batched callbacks queued on incoming
// connections.
func (a *ObjectAdapter) FlushBatchRequests() error {
	a.mu.Lock()
	conns := slices.Collect(maps.Keys(a.conns))
	a.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.FlushBatch(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
