package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

// ErrMalformedStatus is returned when a health event status does not follow
// the "<lifecycle>: <health>" grammar.
var ErrMalformedStatus = errors.New("malformed health event status")

// EngineError is returned for any engine response whose status falls outside
// [200, 400). It unwraps to the matching errdefs class so callers can use
// errdefs.IsNotFound and friends.
type EngineError struct {
	StatusCode int
	Body       string
}

func (e *EngineError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("engine responded with status %d: %s", e.StatusCode, e.Body)
}

func (e *EngineError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case http.StatusUnauthorized:
		return errdefs.ErrUnauthenticated
	case http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		return errdefs.ErrConflict
	case http.StatusNotImplemented:
		return errdefs.ErrNotImplemented
	case http.StatusRequestTimeout, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errdefs.ErrUnavailable
	}
	if e.StatusCode >= http.StatusInternalServerError {
		return errdefs.ErrInternal
	}
	return errdefs.ErrUnknown
}

// IsErrorStatus reports whether status is outside the accepted [200, 400) range.
func IsErrorStatus(status int) bool {
	return status < http.StatusOK || status >= http.StatusBadRequest
}

// asEngineError unpacks err into the status and body of an engine error
// response. Other errors are returned unchanged.
func asEngineError(err error) (int, []byte, error) {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.StatusCode, []byte(engErr.Body), nil
	}
	return 0, nil, err
}
