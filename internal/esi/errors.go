package esi

import (
	"context"
	"errors"
	"fmt"
)

// ErrTokenRefresh signals that the owning character's refresh token was
// rejected; re-authentication is required.
var ErrTokenRefresh = errors.New("token refresh failed")

// StatusError is a non-2xx ESI response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("ESI %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("ESI %d", e.Code)
}

// DeserializeError wraps a body that could not be decoded.
type DeserializeError struct {
	Err error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("decode ESI response: %v", e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// Kind classifies an error into the stable strings the API layer reports.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	var de *DeserializeError
	switch {
	case errors.Is(err, ErrTokenRefresh):
		return "token_refresh_failed"
	case errors.As(err, &se):
		return "http_status"
	case errors.As(err, &de):
		return "deserialize"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "network"
	}
}
