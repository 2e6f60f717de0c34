package upstream

import (
	"errors"
	"fmt"
)

// TransportError reports that the remote service could not be reached.
type TransportError struct {
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream: transport failure for key %q: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a response with a non-success status code.
type StatusError struct {
	Key  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d for key %q", e.Code, e.Key)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsStatus reports whether err is a StatusError.
func IsStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
