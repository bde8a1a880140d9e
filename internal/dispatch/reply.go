package dispatch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/danmuck/objrpc/internal/fault"
	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/protocol"
)

// ReplyStatus is the first byte of a reply body.
type ReplyStatus uint8

const (
	StatusOK ReplyStatus = iota
	StatusUserException
	StatusObjectNotExist
	StatusFacetNotExist
	StatusOperationNotExist
	StatusUnknownLocalException
	StatusUnknownUserException
	StatusUnknownException
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUserException:
		return "user exception"
	case StatusObjectNotExist:
		return "object not exist"
	case StatusFacetNotExist:
		return "facet not exist"
	case StatusOperationNotExist:
		return "operation not exist"
	case StatusUnknownLocalException:
		return "unknown local exception"
	case StatusUnknownUserException:
		return "unknown user exception"
	case StatusUnknownException:
		return "unknown exception"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Reply is the body of a reply message. Body is the result or exception
// encapsulation for StatusOK and StatusUserException; the not-exist
// statuses carry the request coordinates and the unknown statuses carry
// diagnostic text.
type Reply struct {
	Status    ReplyStatus
	Body      []byte
	Identity  identity.Identity
	Facet     string
	Operation string
	Unknown   string
}

func (r *Reply) Marshal(out *protocol.OutputStream) {
	out.WriteUint8(uint8(r.Status))
	switch r.Status {
	case StatusOK, StatusUserException:
		if len(r.Body) == 0 {
			out.WriteEmptyEncaps()
		} else {
			out.WriteBlob(r.Body)
		}
	case StatusObjectNotExist, StatusFacetNotExist, StatusOperationNotExist:
		out.WriteIdentity(r.Identity)
		if r.Facet == "" {
			out.WriteStringSeq(nil)
		} else {
			out.WriteStringSeq([]string{r.Facet})
		}
		out.WriteString(r.Operation)
	default:
		out.WriteString(r.Unknown)
	}
}

// ReadReply decodes one reply body.
func ReadReply(in *protocol.InputStream) (*Reply, error) {
	status, err := in.ReadUint8()
	if err != nil {
		return nil, err
	}
	r := &Reply{Status: ReplyStatus(status)}
	switch r.Status {
	case StatusOK, StatusUserException:
		r.Body, err = in.ReadEncapsBytes()
	case StatusObjectNotExist, StatusFacetNotExist, StatusOperationNotExist:
		if r.Identity, err = in.ReadIdentity(); err != nil {
			return nil, err
		}
		if r.Facet, err = readFacet(in); err != nil {
			return nil, err
		}
		r.Operation, err = in.ReadString()
	case StatusUnknownLocalException, StatusUnknownUserException, StatusUnknownException:
		r.Unknown, err = in.ReadString()
	default:
		return nil, &protocol.MarshalError{Reason: fmt.Sprintf("invalid reply status %d", status)}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Err converts a non-OK reply into the error the caller observes. User
// exceptions are decoded with registry and sliced to the first registered
// type in their chain.
func (r *Reply) Err(registry *protocol.Registry, observer protocol.SliceObserver) error {
	failed := fault.RequestFailed{Identity: r.Identity, Facet: r.Facet, Operation: r.Operation}
	switch r.Status {
	case StatusOK:
		return nil
	case StatusUserException:
		in := protocol.NewInputStream(r.Body, registry)
		in.SetSliceObserver(observer)
		if _, _, err := in.StartEncaps(); err != nil {
			return err
		}
		ex, err := in.ReadException()
		if err != nil {
			return err
		}
		if err := in.EndEncaps(); err != nil {
			return err
		}
		return ex
	case StatusObjectNotExist:
		return &fault.ObjectNotExistError{RequestFailed: failed}
	case StatusFacetNotExist:
		return &fault.FacetNotExistError{RequestFailed: failed}
	case StatusOperationNotExist:
		return &fault.OperationNotExistError{RequestFailed: failed}
	case StatusUnknownLocalException:
		return &fault.UnknownLocalError{Unknown: r.Unknown}
	case StatusUnknownUserException:
		return &fault.UnknownUserError{Unknown: r.Unknown}
	default:
		return &fault.UnknownError{Unknown: r.Unknown}
	}
}

// ReplyFromError maps a servant failure to a reply. Declared user
// exceptions travel typed; everything else is reduced to an unknown
// status of the matching category carrying only diagnostic text.
func ReplyFromError(cur *Current, err error, declared []string) *Reply {
	failed := func(status ReplyStatus, rf fault.RequestFailed) *Reply {
		r := &Reply{Status: status, Identity: rf.Identity, Facet: rf.Facet, Operation: rf.Operation}
		if r.Identity.IsZero() {
			r.Identity = cur.Identity
			r.Facet = cur.Facet
		}
		if r.Operation == "" {
			r.Operation = cur.Operation
		}
		return r
	}

	var objErr *fault.ObjectNotExistError
	var facetErr *fault.FacetNotExistError
	var opErr *fault.OperationNotExistError
	switch {
	case errors.As(err, &objErr):
		return failed(StatusObjectNotExist, objErr.RequestFailed)
	case errors.As(err, &facetErr):
		return failed(StatusFacetNotExist, facetErr.RequestFailed)
	case errors.As(err, &opErr):
		return failed(StatusOperationNotExist, opErr.RequestFailed)
	}

	var ue protocol.UserException
	if errors.As(err, &ue) {
		if isDeclared(ue, declared) {
			out := protocol.NewOutputStream()
			out.StartEncaps()
			if merr := out.WriteException(ue); merr != nil {
				return &Reply{Status: StatusUnknownLocalException, Unknown: merr.Error()}
			}
			out.EndEncaps()
			return &Reply{Status: StatusUserException, Body: out.Bytes()}
		}
		return &Reply{Status: StatusUnknownUserException, Unknown: fault.TypeName(ue)}
	}

	// Unknown failures re-raised from a nested call keep their status.
	var unknownUser *fault.UnknownUserError
	var unknownLocal *fault.UnknownLocalError
	var unknown *fault.UnknownError
	switch {
	case errors.As(err, &unknownUser):
		return &Reply{Status: StatusUnknownUserException, Unknown: unknownUser.Unknown}
	case errors.As(err, &unknownLocal):
		return &Reply{Status: StatusUnknownLocalException, Unknown: unknownLocal.Unknown}
	case errors.As(err, &unknown):
		return &Reply{Status: StatusUnknownException, Unknown: unknown.Unknown}
	}

	switch fault.CategoryOf(err) {
	case fault.CategoryUser:
		return &Reply{Status: StatusUnknownUserException, Unknown: fault.TypeName(err)}
	case fault.CategoryLocal:
		return &Reply{Status: StatusUnknownLocalException, Unknown: err.Error()}
	default:
		return &Reply{Status: StatusUnknownException, Unknown: err.Error()}
	}
}

func isDeclared(ue protocol.UserException, declared []string) bool {
	for _, id := range ue.TypeIDs() {
		if slices.Contains(declared, id) {
			return true
		}
	}
	return false
}
