package controlplane

import (
	"errors"
	"fmt"
)

// TransportError is a request that never produced a response: DNS, connect,
// TLS or timeout failures.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is a response the control plane marked as failed, either by
// HTTP status or by a non-zero exception code in the envelope.
type ServerError struct {
	Endpoint   string
	HTTPStatus int
	Exception  int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Exception != 0 {
		return fmt.Sprintf("%s: server error (http %d, exception %d): %s", e.Endpoint, e.HTTPStatus, e.Exception, e.Message)
	}
	return fmt.Sprintf("%s: server error (http %d): %s", e.Endpoint, e.HTTPStatus, e.Message)
}

// IsRetryable reports whether err is a transport or server failure, the kind
// the poll loop backs off on.
func IsRetryable(err error) bool {
	var te *TransportError
	var se *ServerError
	return errors.As(err, &te) || errors.As(err, &se)
}
