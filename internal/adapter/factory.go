package adapter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/danmuck/objrpc/internal/reference"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Factory owns the object adapters of one runtime.
type Factory struct {
	deps   Deps
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	adapters map[string]*ObjectAdapter
	closing  bool
	shutdown bool
	draining bool
	drained  bool
}

func NewFactory(deps Deps) *Factory {
	f := &Factory{
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "adapter.Factory").Logger(),
		adapters: make(map[string]*ObjectAdapter),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// CreateObjectAdapter returns the adapter named cfg.Name, creating it if
// needed. An empty name gets a generated one. Creation fails once
// Shutdown has run.
func (f *Factory) CreateObjectAdapter(ctx context.Context, cfg Config) (*ObjectAdapter, error) {
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()
	}
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return nil, ErrShutdown
	}
	if a, ok := f.adapters[cfg.Name]; ok {
		f.mu.Unlock()
		return a, nil
	}
	f.mu.Unlock()

	// Binding acceptors is I/O; it runs outside the lock and the insert
	// below resolves races with concurrent creators and Shutdown.
	a, err := newObjectAdapter(cfg, f.deps)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	existing, ok := f.adapters[cfg.Name]
	switch {
	case f.closing:
		f.mu.Unlock()
		a.Deactivate()
		return nil, ErrShutdown
	case ok:
		f.mu.Unlock()
		a.Deactivate()
		return existing, nil
	}
	f.adapters[cfg.Name] = a
	f.mu.Unlock()

	if cfg.Router != nil {
		if err := a.AddRouter(ctx, cfg.Router); err != nil {
			f.mu.Lock()
			delete(f.adapters, cfg.Name)
			f.mu.Unlock()
			a.Deactivate()
			return nil, err
		}
	}
	f.logger.Debug().Msgf("adapter.Factory.CreateObjectAdapter name=%q", cfg.Name)
	return a, nil
}

func (f *Factory) snapshot() []*ObjectAdapter {
	return slices.SortedFunc(maps.Values(f.adapters), func(x, y *ObjectAdapter) int {
		switch {
		case x.name < y.name:
			return -1
		case x.name > y.name:
			return 1
		}
		return 0
	})
}

// Adapters lists the adapters ordered by name.
func (f *Factory) Adapters() []*ObjectAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

func (f *Factory) Get(name string) (*ObjectAdapter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.adapters[name]
	return a, ok
}

// Shutdown deactivates every adapter and wakes WaitForShutdown callers.
// Later calls do nothing.
func (f *Factory) Shutdown() {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return
	}
	f.closing = true
	adapters := f.snapshot()
	f.mu.Unlock()

	for _, a := range adapters {
		a.Deactivate()
	}

	f.mu.Lock()
	f.shutdown = true
	f.cond.Broadcast()
	f.mu.Unlock()
	f.logger.Info().Msgf("adapter.Factory.Shutdown adapters=%d", len(adapters))
}

func (f *Factory) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

// WaitForShutdown blocks until Shutdown has run and every adapter is
// deactivated. One caller performs the wait on the adapters; concurrent
// callers wait for it to finish.
func (f *Factory) WaitForShutdown() {
	f.mu.Lock()
	for !f.shutdown {
		f.cond.Wait()
	}
	for f.draining {
		f.cond.Wait()
	}
	if f.drained {
		f.mu.Unlock()
		return
	}
	f.draining = true
	adapters := f.snapshot()
	f.mu.Unlock()

	for _, a := range adapters {
		a.WaitForDeactivate()
	}

	f.mu.Lock()
	f.draining = false
	f.drained = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// FindObjectAdapter returns the live adapter ref is local to, if any.
func (f *Factory) FindObjectAdapter(ref *reference.Reference) *ObjectAdapter {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return nil
	}
	adapters := f.snapshot()
	f.mu.Unlock()

	for _, a := range adapters {
		local, err := a.IsLocal(ref)
		if errors.Is(err, ErrDeactivated) {
			continue
		}
		if local {
			return a
		}
	}
	return nil
}

// FlushBatchRequests flushes every adapter's incoming connections.
func (f *Factory) FlushBatchRequests() error {
	f.mu.Lock()
	adapters := f.snapshot()
	f.mu.Unlock()

	var g errgroup.Group
	for _, a := range adapters {
		g.Go(func() error {
			if err := a.FlushBatchRequests(); err != nil {
				return fmt.Errorf("adapter %s: %w", a.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
