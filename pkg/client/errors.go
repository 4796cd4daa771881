package client

import (
	"fmt"
)

// transientErrorCode marks server errors worth retrying; everything
// else is permanent.
const transientErrorCode = "INTERNAL"

// ErrClientDisposed is returned from operations on a disposed client.
var ErrClientDisposed = fmt.Errorf("client disposed")

// ServerError is a failure reported by the server for a request.
type ServerError struct {
	RequestID string
	Code      string
	Message   string
	Data      interface{}
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *ServerError) Transient() bool {
	return e.Code == transientErrorCode
}
