package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// ValueFactory creates an empty instance of a registered value type.
type ValueFactory func() Value

// ExceptionFactory creates an empty instance of a registered user exception.
type ExceptionFactory func() UserException

// Registry is the receiver's registered type set. Slicing picks the first
// name in a type chain that has a factory here.
type Registry struct {
	mu         sync.RWMutex
	values     map[string]ValueFactory
	exceptions map[string]ExceptionFactory
}

func NewRegistry() *Registry {
	return &Registry{
		values:     make(map[string]ValueFactory),
		exceptions: make(map[string]ExceptionFactory),
	}
}

// RegisterValue binds typeID to factory. Duplicate registration fails.
func (r *Registry) RegisterValue(typeID string, factory ValueFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[typeID]; ok {
		return fmt.Errorf("%w: value %q", ErrFactoryExists, typeID)
	}
	r.values[typeID] = factory
	return nil
}

// RegisterException binds typeID to factory. Duplicate registration fails.
func (r *Registry) RegisterException(typeID string, factory ExceptionFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exceptions[typeID]; ok {
		return fmt.Errorf("%w: exception %q", ErrFactoryExists, typeID)
	}
	r.exceptions[typeID] = factory
	return nil
}

func (r *Registry) valueFactory(typeID string) (ValueFactory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.values[typeID]
	return f, ok
}

func (r *Registry) exceptionFactory(typeID string) (ExceptionFactory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.exceptions[typeID]
	return f, ok
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
