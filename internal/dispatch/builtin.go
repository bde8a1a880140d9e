package dispatch

import (
	"context"
	"fmt"
	"slices"

	"github.com/danmuck/objrpc/internal/protocol"
)

// ObjectTypeID is implemented by every servant.
const ObjectTypeID = "::Ice::Object"

// Built-in operation names answered for every servant that does not
// provide its own.
const (
	OpPing = "ice_ping"
	OpIsA  = "ice_isA"
	OpID   = "ice_id"
	OpIDs  = "ice_ids"
)

func servantIDs(s Servant) []string {
	ids := slices.Clone(s.TypeIDs())
	if !slices.Contains(ids, ObjectTypeID) {
		ids = append(ids, ObjectTypeID)
	}
	return ids
}

func mostDerived(s Servant) string {
	if ids := s.TypeIDs(); len(ids) > 0 {
		return ids[0]
	}
	return ObjectTypeID
}

// builtin returns the built-in operation name bound to s.
func builtin(s Servant, name string) (*Operation, bool) {
	switch name {
	case OpPing:
		return &Operation{
			Name: OpPing,
			Mode: ModeNonmutating,
			Invoke: func(context.Context, *Current, *protocol.InputStream, *protocol.OutputStream) error {
				return nil
			},
			Direct: func(context.Context, *Current, any) (any, error) { return nil, nil },
		}, true
	case OpIsA:
		return &Operation{
			Name: OpIsA,
			Mode: ModeNonmutating,
			Invoke: func(_ context.Context, _ *Current, in *protocol.InputStream, out *protocol.OutputStream) error {
				id, err := in.ReadString()
				if err != nil {
					return err
				}
				out.WriteBool(slices.Contains(servantIDs(s), id))
				return nil
			},
			Direct: func(_ context.Context, _ *Current, args any) (any, error) {
				id, ok := args.(string)
				if !ok {
					return nil, fmt.Errorf("dispatch: %s expects a string type id, got %T", OpIsA, args)
				}
				return slices.Contains(servantIDs(s), id), nil
			},
		}, true
	case OpID:
		return &Operation{
			Name: OpID,
			Mode: ModeNonmutating,
			Invoke: func(_ context.Context, _ *Current, _ *protocol.InputStream, out *protocol.OutputStream) error {
				out.WriteString(mostDerived(s))
				return nil
			},
			Direct: func(context.Context, *Current, any) (any, error) { return mostDerived(s), nil },
		}, true
	case OpIDs:
		return &Operation{
			Name: OpIDs,
			Mode: ModeNonmutating,
			Invoke: func(_ context.Context, _ *Current, _ *protocol.InputStream, out *protocol.OutputStream) error {
				ids := servantIDs(s)
				slices.Sort(ids)
				out.WriteStringSeq(ids)
				return nil
			},
			Direct: func(context.Context, *Current, any) (any, error) {
				ids := servantIDs(s)
				slices.Sort(ids)
				return ids, nil
			},
		}, true
	}
	return nil, false
}

// Calls for the built-in operations, usable on either invocation path.

func PingCall() *Call {
	return &Call{Operation: OpPing, Mode: ModeNonmutating}
}

func IsACall(typeID string) *Call {
	return &Call{
		Operation: OpIsA,
		Mode:      ModeNonmutating,
		Args:      typeID,
		Marshal: func(out *protocol.OutputStream) error {
			out.WriteString(typeID)
			return nil
		},
		Unmarshal: func(in *protocol.InputStream) (any, error) { return in.ReadBool() },
	}
}

func IDCall() *Call {
	return &Call{
		Operation: OpID,
		Mode:      ModeNonmutating,
		Unmarshal: func(in *protocol.InputStream) (any, error) { return in.ReadString() },
	}
}

func IDsCall() *Call {
	return &Call{
		Operation: OpIDs,
		Mode:      ModeNonmutating,
		Unmarshal: func(in *protocol.InputStream) (any, error) { return in.ReadStringSeq() },
	}
}
