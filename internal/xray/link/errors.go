package link

import (
	"errors"
	"fmt"
)

// Decode failure kinds. Match with errors.Is.
var (
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrMissingField            = errors.New("missing field")
	ErrUnsupportedEncryption   = errors.New("unsupported encryption")
	ErrIncompleteRealityParams = errors.New("incomplete reality params")
	ErrUnsupportedScheme       = errors.New("unsupported scheme")
	ErrInvalidField            = errors.New("invalid field")
)

// DecodeError carries the failure kind and the offending field.
type DecodeError struct {
	Kind  error
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Is(target error) bool {
	return target == e.Kind
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(kind error, field string, err error) *DecodeError {
	return &DecodeError{Kind: kind, Field: field, Err: err}
}
