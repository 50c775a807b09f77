package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAPIKey is a configuration error raised before any network call.
	ErrMissingAPIKey = errors.New("provider api key is not configured")
	// ErrEmptyCompletion means the upstream answered successfully without usable content.
	ErrEmptyCompletion = errors.New("completion response has no content")
	ErrNotFound        = errors.New("not found")
	ErrEmptyPrompt     = errors.New("prompt is empty")
)

// HTTPError is a non-success status from the completion endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Message)
}
