package protocol

import "fmt"

// MarshalError is the local fault raised by encode/decode failures.
type MarshalError struct {
	Reason string
}

func (e *MarshalError) Error() string { return "protocol: " + e.Reason }
func (*MarshalError) LocalFault()     {}

var (
	ErrOutOfBounds         = &MarshalError{Reason: "unmarshal out of bounds"}
	ErrNegativeSize        = &MarshalError{Reason: "negative size"}
	ErrInvalidEncaps       = &MarshalError{Reason: "invalid encapsulation"}
	ErrUnsupportedEncoding = &MarshalError{Reason: "unsupported encoding"}
	ErrInvalidSlice        = &MarshalError{Reason: "invalid slice"}
	ErrIllegalIndex        = &MarshalError{Reason: "illegal value index"}
	ErrUnresolvedValue     = &MarshalError{Reason: "value index never resolved"}
	ErrPatchedTwice        = &MarshalError{Reason: "patcher resolved more than once"}
	ErrNoValueFactory      = &MarshalError{Reason: "no value factory"}
	ErrFactoryExists       = &MarshalError{Reason: "factory already registered"}
	ErrEmptyTypeChain      = &MarshalError{Reason: "empty type id chain"}
)

// TypeMismatchError reports a decoded value whose concrete type cannot be
// assigned to the declared type of its target.
type TypeMismatchError struct {
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("protocol: expected element of type %s but received %s", e.Expected, e.Got)
}
func (*TypeMismatchError) LocalFault() {}
