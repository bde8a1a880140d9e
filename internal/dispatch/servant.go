// Package dispatch decodes inbound requests, resolves servants through a
// Resolver, invokes operations and encodes replies. It also runs
// collocated calls, which skip marshaling and surface the servant's own
// errors unchanged.
package dispatch

import (
	"context"
	"maps"
	"slices"

	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/protocol"
)

// Current describes the request being dispatched.
type Current struct {
	Adapter    string
	Identity   identity.Identity
	Facet      string
	Operation  string
	Mode       OperationMode
	Context    map[string]string
	RequestID  uint32
	Collocated bool
}

// Operation is one dispatchable operation of a servant.
type Operation struct {
	Name string
	Mode OperationMode
	// Invoke runs the operation on the marshaled path. in is positioned
	// inside the parameter encapsulation and out inside the result
	// encapsulation.
	Invoke func(ctx context.Context, cur *Current, in *protocol.InputStream, out *protocol.OutputStream) error
	// Direct runs the operation on native arguments for collocated calls.
	// When nil, collocated calls marshal through Invoke in memory.
	Direct func(ctx context.Context, cur *Current, args any) (any, error)
	// Exceptions lists the user exception type ids the operation declares.
	Exceptions []string
}

// Servant is a server-side object implementation.
type Servant interface {
	// TypeIDs lists the interfaces the servant implements, most-derived
	// first.
	TypeIDs() []string
	Operation(name string) (*Operation, bool)
}

// Object is a table-driven Servant.
type Object struct {
	typeIDs []string
	ops     map[string]*Operation
}

// NewObject builds a servant implementing typeIDs with the given
// operations. Later operations replace earlier ones with the same name.
func NewObject(typeIDs []string, ops ...*Operation) *Object {
	o := &Object{typeIDs: slices.Clone(typeIDs), ops: make(map[string]*Operation, len(ops))}
	for _, op := range ops {
		o.ops[op.Name] = op
	}
	return o
}

func (o *Object) TypeIDs() []string { return slices.Clone(o.typeIDs) }

func (o *Object) Operation(name string) (*Operation, bool) {
	op, ok := o.ops[name]
	return op, ok
}

// Operations lists the operation names in sorted order.
func (o *Object) Operations() []string {
	return slices.Sorted(maps.Keys(o.ops))
}

// ServantLocator supplies servants lazily for one identity category.
type ServantLocator interface {
	// Locate returns the servant for cur, or nil when it has none. cookie
	// is handed back to Finished.
	Locate(cur *Current) (servant Servant, cookie any, err error)
	// Finished runs after a located servant's operation completes.
	Finished(cur *Current, servant Servant, cookie any)
	// Deactivate runs when the owning adapter deactivates.
	Deactivate(category string)
}

// Resolver is the servant lookup a Dispatcher consults, normally an
// object adapter.
type Resolver interface {
	Name() string
	FindServant(id identity.Identity, facet string) (Servant, bool)
	// HasIdentity reports whether any facet is registered for id.
	HasIdentity(id identity.Identity) bool
	// FindLocator returns the locator registered for exactly category. The
	// default locator is registered under "".
	FindLocator(category string) (ServantLocator, bool)
}

// Call is one invocation as a proxy issues it. The remote path uses
// Marshal and Unmarshal; the collocated path passes Args directly when the
// operation has a Direct handler.
type Call struct {
	Operation string
	Mode      OperationMode
	Args      any
	Marshal   func(out *protocol.OutputStream) error
	Unmarshal func(in *protocol.InputStream) (any, error)
}
