// Package fault defines the typed failures that cross the invocation chain
// and the category marker that separates local faults from user exceptions.
package fault

import (
	"errors"
	"fmt"

	"github.com/danmuck/objrpc/internal/identity"
)

// Category classifies an error for propagation across process boundaries.
type Category int

const (
	// CategoryOther is anything that is neither a user exception nor a local fault.
	CategoryOther Category = iota
	// CategoryLocal is a runtime fault. Local faults are never typed on the wire.
	CategoryLocal
	// CategoryUser is a user-declared, slice-compatible exception.
	CategoryUser
)

func (c Category) String() string {
	switch c {
	case CategoryLocal:
		return "local"
	case CategoryUser:
		return "user"
	default:
		return "other"
	}
}

// Local marks runtime faults.
type Local interface {
	error
	LocalFault()
}

// User marks user exceptions. The ancestor chain is most-derived first.
type User interface {
	error
	TypeIDs() []string
}

// CategoryOf reports the category of err, looking through wrapping.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryOther
	}
	var user User
	if errors.As(err, &user) {
		return CategoryUser
	}
	var local Local
	if errors.As(err, &local) {
		return CategoryLocal
	}
	return CategoryOther
}

// TypeName returns the most specific type name available for err.
func TypeName(err error) string {
	var user User
	if errors.As(err, &user) {
		if ids := user.TypeIDs(); len(ids) > 0 {
			return ids[0]
		}
	}
	return fmt.Sprintf("%T", err)
}

// RequestFailed is the shared shape of the three "not found" dispatch faults.
type RequestFailed struct {
	Identity  identity.Identity
	Facet     string
	Operation string
}

func (r RequestFailed) describe() string {
	s := fmt.Sprintf("identity=%q", r.Identity.String())
	if r.Facet != "" {
		s += fmt.Sprintf(" facet=%q", r.Facet)
	}
	if r.Operation != "" {
		s += fmt.Sprintf(" operation=%q", r.Operation)
	}
	return s
}

// ObjectNotExistError reports that no servant is bound to the identity.
type ObjectNotExistError struct{ RequestFailed }

func (e *ObjectNotExistError) Error() string {
	return "fault: object does not exist: " + e.describe()
}
func (*ObjectNotExistError) LocalFault() {}

// FacetNotExistError reports that the identity exists but not the facet.
type FacetNotExistError struct{ RequestFailed }

func (e *FacetNotExistError) Error() string {
	return "fault: facet does not exist: " + e.describe()
}
func (*FacetNotExistError) LocalFault() {}

// OperationNotExistError reports that the servant has no such operation.
type OperationNotExistError struct{ RequestFailed }

func (e *OperationNotExistError) Error() string {
	return "fault: operation does not exist: " + e.describe()
}
func (*OperationNotExistError) LocalFault() {}

// UnknownLocalError carries the text of a local fault raised by a remote
// servant. The concrete type does not cross the wire.
type UnknownLocalError struct{ Unknown string }

func (e *UnknownLocalError) Error() string { return "fault: unknown local exception: " + e.Unknown }
func (*UnknownLocalError) LocalFault()     {}

// UnknownUserError replaces a user exception that the receiver cannot
// type: either undeclared by the operation or without any recognized
// ancestor. Unknown holds the original type name.
type UnknownUserError struct{ Unknown string }

func (e *UnknownUserError) Error() string { return "fault: unknown user exception: " + e.Unknown }
func (*UnknownUserError) LocalFault()     {}

// UnknownError replaces any other failure raised by a remote servant.
type UnknownError struct{ Unknown string }

func (e *UnknownError) Error() string { return "fault: unknown exception: " + e.Unknown }
func (*UnknownError) LocalFault()     {}

// EndpointParseError reports malformed endpoint text.
type EndpointParseError struct {
	Str    string
	Reason string
}

func (e *EndpointParseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("fault: endpoint parse error: %q", e.Str)
	}
	return fmt.Sprintf("fault: endpoint parse error: %q: %s", e.Str, e.Reason)
}
func (*EndpointParseError) LocalFault() {}

// ProxyParseError reports malformed stringified proxy text.
type ProxyParseError struct {
	Str    string
	Reason string
}

func (e *ProxyParseError) Error() string {
	return fmt.Sprintf("fault: proxy parse error: %q: %s", e.Str, e.Reason)
}
func (*ProxyParseError) LocalFault() {}

// NoEndpointError reports that a proxy has no usable endpoint.
type NoEndpointError struct{ Proxy string }

func (e *NoEndpointError) Error() string { return "fault: no suitable endpoint: " + e.Proxy }
func (*NoEndpointError) LocalFault()     {}

// ConnectTimeoutError reports a connection attempt that exceeded its timeout.
type ConnectTimeoutError struct{ Addr string }

func (e *ConnectTimeoutError) Error() string { return "fault: connect timeout: " + e.Addr }
func (*ConnectTimeoutError) LocalFault()     {}

// ConnectFailedError reports a refused or otherwise failed connection attempt.
type ConnectFailedError struct {
	Addr string
	Err  error
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("fault: connect failed: %s: %v", e.Addr, e.Err)
}
func (e *ConnectFailedError) Unwrap() error { return e.Err }
func (*ConnectFailedError) LocalFault()     {}

// ConnectionLostError reports a connection that closed with requests in flight.
type ConnectionLostError struct{ Err error }

func (e *ConnectionLostError) Error() string {
	if e.Err == nil {
		return "fault: connection lost"
	}
	return "fault: connection lost: " + e.Err.Error()
}
func (e *ConnectionLostError) Unwrap() error { return e.Err }
func (*ConnectionLostError) LocalFault()     {}

// ProtocolError reports a framing or message-level violation.
type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return "fault: protocol error: " + e.Reason }
func (*ProtocolError) LocalFault()     {}

// IsRetryable reports whether err is a connection establishment failure
// that a higher layer may retry.
func IsRetryable(err error) bool {
	var timeout *ConnectTimeoutError
	var failed *ConnectFailedError
	return errors.As(err, &timeout) || errors.As(err, &failed)
}
