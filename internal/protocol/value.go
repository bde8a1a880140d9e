package protocol

import (
	"fmt"
	"reflect"
	"sort"
)

// Value is a polymorphic class instance. Instances are identified by
// pointer, so implementations must be pointer types; an instance
// referenced several times in one graph is encoded once.
type Value interface {
	// TypeIDs lists the type and its ancestors, most-derived first.
	TypeIDs() []string
	// MarshalValue writes one StartSlice/EndSlice region per TypeIDs entry,
	// in the same order.
	MarshalValue(out *OutputStream) error
	// UnmarshalValue reads the slices from the receiver's own level down.
	UnmarshalValue(in *InputStream) error
}

type valueWriter struct {
	index   map[Value]int32
	next    int32
	pending []Value
}

type valueReader struct {
	instances map[int32]Value
	patchers  map[int32][]Patcher
}

func isNil(v Value) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return rv.IsNil()
	}
	return false
}

// WriteValue writes a reference to v. The first occurrence of an instance
// assigns it the next index and queues it for WritePendingValues; later
// occurrences reuse the index.
func (o *OutputStream) WriteValue(v Value) {
	if isNil(v) {
		o.WriteInt32(0)
		return
	}
	if o.values == nil {
		o.values = &valueWriter{index: make(map[Value]int32)}
	}
	idx, ok := o.values.index[v]
	if !ok {
		o.values.next++
		idx = o.values.next
		o.values.index[v] = idx
		o.values.pending = append(o.values.pending, v)
	}
	o.WriteInt32(-idx)
}

// WritePendingValues writes every queued instance, in first-seen order,
// including instances first referenced while marshaling other instances.
// The list is terminated by an empty batch.
func (o *OutputStream) WritePendingValues() error {
	for o.values != nil && len(o.values.pending) > 0 {
		batch := o.values.pending
		o.values.pending = nil
		o.WriteSize(len(batch))
		for _, v := range batch {
			o.WriteInt32(o.values.index[v])
			ids := v.TypeIDs()
			if len(ids) == 0 {
				return fmt.Errorf("%w: %T", ErrEmptyTypeChain, v)
			}
			o.WriteStringSeq(ids)
			if err := v.MarshalValue(o); err != nil {
				return err
			}
		}
	}
	o.WriteSize(0)
	return nil
}

// ReadValue reads a value reference and arranges for p to receive the
// instance. Already decoded instances patch immediately; forward
// references are parked on the instance index until ReadPendingValues
// decodes it.
func (in *InputStream) ReadValue(p Patcher) error {
	ref, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if ref == 0 {
		return p.Patch(nil)
	}
	if ref > 0 {
		return fmt.Errorf("%w: positive reference %d", ErrIllegalIndex, ref)
	}
	idx := -ref
	r := in.valueState()
	if v, ok := r.instances[idx]; ok {
		return p.Patch(v)
	}
	r.patchers[idx] = append(r.patchers[idx], p)
	return nil
}

func (in *InputStream) valueState() *valueReader {
	if in.values == nil {
		in.values = &valueReader{
			instances: make(map[int32]Value),
			patchers:  make(map[int32][]Patcher),
		}
	}
	return in.values
}

// ReadPendingValues decodes the instance table written by
// WritePendingValues and fires every parked patcher exactly once. It
// fails if any reference remains unresolved.
func (in *InputStream) ReadPendingValues() error {
	r := in.valueState()
	for {
		n, err := in.readSeqSize(4)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			if err := in.readInstance(r); err != nil {
				return err
			}
		}
	}
	if len(r.patchers) > 0 {
		missing := make([]int, 0, len(r.patchers))
		for idx := range r.patchers {
			missing = append(missing, int(idx))
		}
		sort.Ints(missing)
		return fmt.Errorf("%w: indices %v", ErrUnresolvedValue, missing)
	}
	return nil
}

func (in *InputStream) readInstance(r *valueReader) error {
	idx, err := in.ReadInt32()
	if err != nil {
		return err
	}
	if idx <= 0 {
		return fmt.Errorf("%w: instance index %d", ErrIllegalIndex, idx)
	}
	if _, dup := r.instances[idx]; dup {
		return fmt.Errorf("%w: instance %d decoded twice", ErrIllegalIndex, idx)
	}
	ids, err := in.ReadStringSeq()
	if err != nil {
		return err
	}
	v, err := in.instantiate(ids)
	if err != nil {
		return err
	}
	// Registered before unmarshaling so self and cyclic references inside
	// the instance resolve immediately.
	r.instances[idx] = v
	if err := v.UnmarshalValue(in); err != nil {
		return err
	}
	pending := r.patchers[idx]
	delete(r.patchers, idx)
	for _, p := range pending {
		if err := p.Patch(v); err != nil {
			return err
		}
	}
	return nil
}

// instantiate walks ids for the first registered type, skipping the slices
// of unrecognized derived types. When nothing is recognized every slice is
// skipped and an UnknownSlicedValue is returned.
func (in *InputStream) instantiate(ids []string) (Value, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: instance without type ids", ErrEmptyTypeChain)
	}
	for k, id := range ids {
		factory, ok := in.registry.valueFactory(id)
		if !ok {
			continue
		}
		for i := 0; i < k; i++ {
			if err := in.SkipSlice(); err != nil {
				return nil, err
			}
		}
		if k > 0 {
			in.sliced("value", ids[0], id)
		}
		return factory(), nil
	}
	return &UnknownSlicedValue{UnknownTypeID: ids[0], skip: len(ids)}, nil
}

// UnknownSlicedValue stands in for an instance with no recognized type.
// Its data is discarded; only the original type name survives.
type UnknownSlicedValue struct {
	UnknownTypeID string
	skip          int
}

func (v *UnknownSlicedValue) TypeIDs() []string { return []string{v.UnknownTypeID} }

func (v *UnknownSlicedValue) MarshalValue(out *OutputStream) error {
	out.StartSlice()
	out.EndSlice()
	return nil
}

func (v *UnknownSlicedValue) UnmarshalValue(in *InputStream) error {
	for i := 0; i < v.skip; i++ {
		if err := in.SkipSlice(); err != nil {
			return err
		}
	}
	if v.skip > 0 {
		in.sliced("value", v.UnknownTypeID, "")
	}
	return nil
}
