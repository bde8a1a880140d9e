package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/objrpc/internal/fault"
)

func encodeException(t *testing.T, e UserException) []byte {
	t.Helper()
	out := NewOutputStream()
	if err := out.WriteException(e); err != nil {
		t.Fatalf("write exception: %v", err)
	}
	return out.Bytes()
}

func TestExceptionRoundTripExactType(t *testing.T) {
	raw := encodeException(t, &midError{baseError: baseError{Reason: "r"}, Code: 9})
	reg := testRegistry(nil, map[string]ExceptionFactory{
		"::Test::MidError":  func() UserException { return &midError{} },
		"::Test::BaseError": func() UserException { return &baseError{} },
	})
	ex, err := NewInputStream(raw, reg).ReadException()
	if err != nil {
		t.Fatalf("read exception: %v", err)
	}
	mid, ok := ex.(*midError)
	if !ok || mid.Code != 9 || mid.Reason != "r" {
		t.Fatalf("unexpected exception: %#v", ex)
	}
}

func TestExceptionSlicedToGrandparent(t *testing.T) {
	raw := encodeException(t, &leafError{
		midError: midError{baseError: baseError{Reason: "deep"}, Code: 3},
		Detail:   "leaf-only",
	})
	reg := testRegistry(nil, map[string]ExceptionFactory{
		"::Test::BaseError": func() UserException { return &baseError{} },
	})
	in := NewInputStream(raw, reg)
	var sliced []string
	in.SetSliceObserver(func(kind, unknown, to string) {
		sliced = append(sliced, kind, unknown, to)
	})
	ex, err := in.ReadException()
	if err != nil {
		t.Fatalf("read exception: %v", err)
	}
	base, ok := ex.(*baseError)
	if !ok || base.Reason != "deep" {
		t.Fatalf("expected baseError{deep}, got %#v", ex)
	}
	if len(sliced) != 3 || sliced[1] != "::Test::LeafError" || sliced[2] != "::Test::BaseError" {
		t.Fatalf("unexpected slicing trace: %v", sliced)
	}
	if in.Remaining() != 0 {
		t.Fatalf("%d bytes left after exception", in.Remaining())
	}
}

func TestUnknownExceptionBecomesUnknownUser(t *testing.T) {
	raw := encodeException(t, &leafError{Detail: "x"})
	_, err := NewInputStream(raw, NewRegistry()).ReadException()
	var unknown *fault.UnknownUserError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownUserError, got %v", err)
	}
	if unknown.Unknown != "::Test::LeafError" {
		t.Fatalf("unexpected unknown name %q", unknown.Unknown)
	}
}

func TestExceptionCategoryIsUser(t *testing.T) {
	if got := fault.CategoryOf(&leafError{}); got != fault.CategoryUser {
		t.Fatalf("category = %v", got)
	}
	if got := fault.CategoryOf(ErrOutOfBounds); got != fault.CategoryLocal {
		t.Fatalf("marshal error category = %v", got)
	}
}
