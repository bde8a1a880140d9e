package protocol

import "fmt"

// node is a single-slice value with one class-typed member.
type node struct {
	Name string
	Next *node
}

func (*node) TypeIDs() []string { return []string{"::Test::Node"} }

func (n *node) MarshalValue(out *OutputStream) error {
	out.StartSlice()
	out.WriteString(n.Name)
	out.WriteValue(n.Next)
	out.EndSlice()
	return nil
}

func (n *node) UnmarshalValue(in *InputStream) error {
	if err := in.StartSlice(); err != nil {
		return err
	}
	name, err := in.ReadString()
	if err != nil {
		return err
	}
	n.Name = name
	if err := in.ReadValue(NewFieldPatcher("::Test::Node", func(v *node) { n.Next = v })); err != nil {
		return err
	}
	return in.EndSlice()
}

type shape struct {
	Label string
}

func (*shape) TypeIDs() []string { return []string{"::Test::Shape"} }

func (s *shape) MarshalValue(out *OutputStream) error {
	out.StartSlice()
	out.WriteString(s.Label)
	out.EndSlice()
	return nil
}

func (s *shape) UnmarshalValue(in *InputStream) error {
	if err := in.StartSlice(); err != nil {
		return err
	}
	label, err := in.ReadString()
	if err != nil {
		return err
	}
	s.Label = label
	return in.EndSlice()
}

// circle derives from shape and adds one member in its own slice.
type circle struct {
	shape
	Radius int32
}

func (*circle) TypeIDs() []string { return []string{"::Test::Circle", "::Test::Shape"} }

func (c *circle) MarshalValue(out *OutputStream) error {
	out.StartSlice()
	out.WriteInt32(c.Radius)
	out.EndSlice()
	return c.shape.MarshalValue(out)
}

func (c *circle) UnmarshalValue(in *InputStream) error {
	if err := in.StartSlice(); err != nil {
		return err
	}
	r, err := in.ReadInt32()
	if err != nil {
		return err
	}
	c.Radius = r
	if err := in.EndSlice(); err != nil {
		return err
	}
	return c.shape.UnmarshalValue(in)
}

// baseError <- midError <- leafError
type baseError struct{ Reason string }

func (e *baseError) Error() string   { return "base: " + e.Reason }
func (*baseError) TypeIDs() []string { return []string{"::Test::BaseError"} }
func (e *baseError) MarshalException(out *OutputStream) error {
	out.StartSlice()
	out.WriteString(e.Reason)
	out.EndSlice()
	return nil
}
func (e *baseError) UnmarshalException(in *InputStream) error {
	if err := in.StartSlice(); err != nil {
		return err
	}
	r, err := in.ReadString()
	if err != nil {
		return err
	}
	e.Reason = r
	return in.EndSlice()
}

type midError struct {
	baseError
	Code int32
}

func (e *midError) Error() string   { return fmt.Sprintf("mid %d: %s", e.Code, e.Reason) }
func (*midError) TypeIDs() []string { return []string{"::Test::MidError", "::Test::BaseError"} }
func (e *midError) MarshalException(out *OutputStream) error {
	out.StartSlice()
	out.WriteInt32(e.Code)
	out.EndSlice()
	return e.baseError.MarshalException(out)
}
func (e *midError) UnmarshalException(in *InputStream) error {
	if err := in.StartSlice(); err != nil {
		return err
	}
	c, err := in.ReadInt32()
	if err != nil {
		return err
	}
	e.Code = c
	if err := in.EndSlice(); err != nil {
		return err
	}
	return e.baseError.UnmarshalException(in)
}

type leafError struct {
	midError
	Detail string
}

func (e *leafError) Error() string { return "leaf: " + e.Detail }
func (*leafError) TypeIDs() []string {
	return []string{"::Test::LeafError", "::Test::MidError", "::Test::BaseError"}
}
func (e *leafError) MarshalException(out *OutputStream) error {
	out.StartSlice()
	out.WriteString(e.Detail)
	out.EndSlice()
	return e.midError.MarshalException(out)
}
func (e *leafError) UnmarshalException(in *InputStream) error {
	if err := in.StartSlice(); err != nil {
		return err
	}
	d, err := in.ReadString()
	if err != nil {
		return err
	}
	e.Detail = d
	if err := in.EndSlice(); err != nil {
		return err
	}
	return e.midError.UnmarshalException(in)
}

func testRegistry(values map[string]ValueFactory, exceptions map[string]ExceptionFactory) *Registry {
	r := NewRegistry()
	for id, f := range values {
		if err := r.RegisterValue(id, f); err != nil {
			panic(err)
		}
	}
	for id, f := range exceptions {
		if err := r.RegisterException(id, f); err != nil {
			panic(err)
		}
	}
	return r
}
