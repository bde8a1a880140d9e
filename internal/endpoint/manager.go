package endpoint

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/rs/zerolog"
)

// Manager is the registry of endpoint factories, one per type code.
type Manager struct {
	mu              sync.Mutex
	factories       map[int16]Factory
	defaultProtocol string
	destroyed       bool
	logger          zerolog.Logger
}

// NewManager returns an empty registry. defaultProtocol replaces the
// "default" protocol token in endpoint text.
func NewManager(defaultProtocol string, logger zerolog.Logger) *Manager {
	return &Manager{
		factories:       make(map[int16]Factory),
		defaultProtocol: defaultProtocol,
		logger:          logger,
	}
}

// NewDefaultManager returns a registry holding the tcp, ssl and ws
// factories.
func NewDefaultManager(defaultProtocol string, settings Settings) *Manager {
	m := NewManager(defaultProtocol, settings.Logger)
	m.Add(NewTCPFactory(settings))
	m.Add(NewSSLFactory(settings))
	m.Add(NewWSFactory(settings))
	return m
}

// Add registers f. Registering a second factory for a type code is a
// programming error and panics.
func (m *Manager) Add(f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.factories[f.Type()]; ok {
		panic(fmt.Sprintf("endpoint: invariant: factory for type %d already registered (%s)", f.Type(), existing.Protocol()))
	}
	m.factories[f.Type()] = f
	m.logger.Debug().Msgf("endpoint.Manager.Add protocol=%s type=%d", f.Protocol(), f.Type())
}

// Get returns the factory registered for t.
func (m *Manager) Get(t int16) (Factory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factories[t]
	return f, ok
}

// Protocols lists the registered protocol names.
func (m *Manager) Protocols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.factories))
	for _, f := range m.factories {
		out = append(out, f.Protocol())
	}
	sort.Strings(out)
	return out
}

func (m *Manager) byProtocol(proto string) (Factory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.factories {
		if f.Protocol() == proto {
			return f, true
		}
	}
	return nil, false
}

// Create parses one endpoint from text.
func (m *Manager) Create(str string) (Endpoint, error) {
	s := strings.TrimSpace(str)
	if s == "" {
		return nil, &fault.EndpointParseError{Str: str, Reason: "value has no non-whitespace characters"}
	}
	proto, args := s, ""
	if i := strings.IndexAny(s, " \t\n\r"); i >= 0 {
		proto, args = s[:i], s[i+1:]
	}
	if proto == "default" {
		proto = m.defaultProtocol
	}

	if f, ok := m.byProtocol(proto); ok {
		ep, err := f.Create(args)
		if err != nil {
			return nil, &fault.EndpointParseError{Str: str, Reason: err.Error()}
		}
		return ep, nil
	}
	if proto == "opaque" {
		return m.createOpaque(str, args)
	}
	return nil, &fault.EndpointParseError{Str: str, Reason: fmt.Sprintf("unknown protocol %q", proto)}
}

// createOpaque turns opaque text into the real endpoint when a factory
// exists for its type, and into an OpaqueEndpoint otherwise.
func (m *Manager) createOpaque(str, args string) (Endpoint, error) {
	typ, encaps, err := parseOpaque(args)
	if err != nil {
		return nil, &fault.EndpointParseError{Str: str, Reason: err.Error()}
	}
	f, ok := m.Get(typ)
	if !ok {
		return OpaqueEndpoint{TypeCode: typ, Encaps: string(encaps)}, nil
	}
	ep, err := f.Read(protocol.NewInputStream(encaps, nil))
	if err != nil {
		return nil, &fault.EndpointParseError{Str: str, Reason: err.Error()}
	}
	return ep, nil
}

// CreateList parses a ':' separated endpoint list. A ':' inside double
// quotes belongs to an option argument.
func (m *Manager) CreateList(str string) ([]Endpoint, error) {
	parts, err := splitList(str)
	if err != nil {
		return nil, &fault.EndpointParseError{Str: str, Reason: err.Error()}
	}
	var out []Endpoint
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ep, err := m.Create(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, &fault.EndpointParseError{Str: str, Reason: "no endpoints"}
	}
	return out, nil
}

// Read decodes one endpoint. Type codes without a factory produce an
// OpaqueEndpoint holding the raw encapsulation.
func (m *Manager) Read(in *protocol.InputStream) (Endpoint, error) {
	typ, err := in.ReadInt16()
	if err != nil {
		return nil, err
	}
	if f, ok := m.Get(typ); ok {
		return f.Read(in)
	}
	raw, err := in.ReadEncapsBytes()
	if err != nil {
		return nil, err
	}
	return OpaqueEndpoint{TypeCode: typ, Encaps: string(raw)}, nil
}

// Connector returns a connector for ep.
func (m *Manager) Connector(ep Endpoint) (Connector, error) {
	if ep.Unknown() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}
	f, err := m.factoryFor(ep)
	if err != nil {
		return nil, err
	}
	return f.Connector(ep)
}

// Acceptor binds a listener for ep.
func (m *Manager) Acceptor(ep Endpoint) (Acceptor, error) {
	if ep.Unknown() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}
	f, err := m.factoryFor(ep)
	if err != nil {
		return nil, err
	}
	return f.Acceptor(ep)
}

func (m *Manager) factoryFor(ep Endpoint) (Factory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, ErrDestroyed
	}
	f, ok := m.factories[ep.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}
	return f, nil
}

// Destroy releases every factory. Later calls are no-ops.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	factories := make([]Factory, 0, len(m.factories))
	for _, f := range m.factories {
		factories = append(factories, f)
	}
	m.mu.Unlock()

	for _, f := range factories {
		f.Destroy()
	}
	m.logger.Debug().Msgf("endpoint.Manager.Destroy factories=%d", len(factories))
}
