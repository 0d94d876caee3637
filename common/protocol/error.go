package protocol

import (
	"errors"
	"fmt"
)

var ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

//	Unrecoverable violation of the framing protocol; the connection carrying
//	it must be torn down.
type Error struct {
	error
}

func (err *Error) Error() string {
	return "ProtoError: " + err.error.Error()
}

func (err *Error) Unwrap() error {
	return err.error
}

func Violation(format string, args ...interface{}) error {
	return &Error{fmt.Errorf(format, args...)}
}

//	Unexpected builds the error for an envelope variant arriving in a state
//	that does not accept it.
func Unexpected(e Envelope, state string) error {
	return Violation("unexpected %s while %s", Describe(e), state)
}

func IsViolation(err error) bool {
	var protoErr *Error
	return errors.As(err, &protoErr)
}
