package protocol

import (
	"fmt"

	"github.com/danmuck/objrpc/internal/fault"
)

// UserException is an application-declared exception that travels over
// the wire. TypeIDs lists the exception and its ancestors, most-derived
// first, and MarshalException writes one slice per entry in that order.
type UserException interface {
	fault.User
	MarshalException(out *OutputStream) error
	UnmarshalException(in *InputStream) error
}

// WriteException writes the type chain followed by the member slices and
// any values the exception references.
func (o *OutputStream) WriteException(e UserException) error {
	ids := e.TypeIDs()
	if len(ids) == 0 {
		return fmt.Errorf("%w: %T", ErrEmptyTypeChain, e)
	}
	o.WriteStringSeq(ids)
	if err := e.MarshalException(o); err != nil {
		return err
	}
	return o.WritePendingValues()
}

// ReadException decodes an exception, slicing it to the first type in its
// chain that the registry knows. When no type is known the returned error
// is a fault.UnknownUserError naming the most-derived type.
func (in *InputStream) ReadException() (UserException, error) {
	ids, err := in.ReadStringSeq()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: exception without type ids", ErrEmptyTypeChain)
	}
	for k, id := range ids {
		factory, ok := in.registry.exceptionFactory(id)
		if !ok {
			if err := in.SkipSlice(); err != nil {
				return nil, err
			}
			continue
		}
		if k > 0 {
			in.sliced("exception", ids[0], id)
		}
		ex := factory()
		if err := ex.UnmarshalException(in); err != nil {
			return nil, err
		}
		if err := in.ReadPendingValues(); err != nil {
			return nil, err
		}
		return ex, nil
	}
	in.sliced("exception", ids[0], "")
	if err := in.ReadPendingValues(); err != nil {
		return nil, err
	}
	return nil, &fault.UnknownUserError{Unknown: ids[0]}
}
