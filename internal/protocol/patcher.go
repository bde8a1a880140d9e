package protocol

import "fmt"

// Patcher is a deferred assignment for a value that may not have been
// decoded yet. The stream calls Patch exactly once, with nil for a null
// reference or with the fully decoded instance.
type Patcher interface {
	Patch(v Value) error
	// TypeID names the declared type of the target, for diagnostics.
	TypeID() string
}

func typeIDOf(v Value) string {
	if ids := v.TypeIDs(); len(ids) > 0 && ids[0] != "" {
		return ids[0]
	}
	return fmt.Sprintf("%T", v)
}

func assign[T Value](v Value, typeID string) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Expected: typeID, Got: typeIDOf(v)}
	}
	return t, nil
}

// ValuePatcher assigns the decoded value to its Value field. It is the
// patcher for a single parameter or return value.
type ValuePatcher[T Value] struct {
	Value   T
	typeID  string
	patched bool
}

func NewValuePatcher[T Value](typeID string) *ValuePatcher[T] {
	return &ValuePatcher[T]{typeID: typeID}
}

func (p *ValuePatcher[T]) TypeID() string { return p.typeID }

// Resolved reports whether Patch has run.
func (p *ValuePatcher[T]) Resolved() bool { return p.patched }

func (p *ValuePatcher[T]) Patch(v Value) error {
	if p.patched {
		return fmt.Errorf("%w: %s", ErrPatchedTwice, p.typeID)
	}
	t, err := assign[T](v, p.typeID)
	if err != nil {
		return err
	}
	p.Value = t
	p.patched = true
	return nil
}

// FieldPatcher assigns the decoded value through a setter; generated
// member unmarshalers use it for class-typed fields.
type FieldPatcher[T Value] struct {
	set     func(T)
	typeID  string
	patched bool
}

func NewFieldPatcher[T Value](typeID string, set func(T)) *FieldPatcher[T] {
	return &FieldPatcher[T]{set: set, typeID: typeID}
}

func (p *FieldPatcher[T]) TypeID() string { return p.typeID }

func (p *FieldPatcher[T]) Patch(v Value) error {
	if p.patched {
		return fmt.Errorf("%w: %s", ErrPatchedTwice, p.typeID)
	}
	t, err := assign[T](v, p.typeID)
	if err != nil {
		return err
	}
	p.set(t)
	p.patched = true
	return nil
}

// SequencePatcher assigns into a slot of a growable sequence. Values may
// resolve out of order, so the sequence grows on demand and intermediate
// slots hold the zero value until their own patcher fires.
type SequencePatcher[T Value] struct {
	seq     *[]T
	index   int
	typeID  string
	patched bool
}

func NewSequencePatcher[T Value](seq *[]T, index int, typeID string) *SequencePatcher[T] {
	return &SequencePatcher[T]{seq: seq, index: index, typeID: typeID}
}

func (p *SequencePatcher[T]) TypeID() string { return p.typeID }

func (p *SequencePatcher[T]) Patch(v Value) error {
	if p.patched {
		return fmt.Errorf("%w: %s[%d]", ErrPatchedTwice, p.typeID, p.index)
	}
	t, err := assign[T](v, p.typeID)
	if err != nil {
		return err
	}
	var placeholder T
	for len(*p.seq) <= p.index {
		*p.seq = append(*p.seq, placeholder)
	}
	(*p.seq)[p.index] = t
	p.patched = true
	return nil
}

// ReadValueSeq reads a sequence of class references into *seq, one
// SequencePatcher per element.
func ReadValueSeq[T Value](in *InputStream, seq *[]T, typeID string) error {
	n, err := in.readSeqSize(4)
	if err != nil {
		return err
	}
	*seq = make([]T, 0, n)
	for i := 0; i < n; i++ {
		if err := in.ReadValue(NewSequencePatcher(seq, i, typeID)); err != nil {
			return err
		}
	}
	return nil
}

// WriteValueSeq writes a sequence of class references.
func WriteValueSeq[T Value](out *OutputStream, seq []T) {
	out.WriteSize(len(seq))
	for _, v := range seq {
		out.WriteValue(v)
	}
}
