// Package apperr defines the error taxonomy shared by every bridge component.
// Callers wrap these sentinels with fmt.Errorf("...: %w", ...) and classify
// with errors.Is.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrAuth: session missing, expired or unobtainable.
	ErrAuth = errors.New("authentication failed")
	// ErrCatalogUnavailable: no synced instrument data for the strategy.
	ErrCatalogUnavailable = errors.New("instrument catalog unavailable")
	ErrRateLimited        = errors.New("upstream rate limited")
	// ErrUnavailable covers network failures, timeouts and upstream 5xx.
	ErrUnavailable  = errors.New("upstream unavailable")
	ErrInvalidOrder = errors.New("invalid order")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrPartialFetch marks a historical range that was only partly retrieved.
	ErrPartialFetch = errors.New("partial fetch")
	ErrNoWhitelists = errors.New("no whitelists")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error to the status code returned at the network boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCatalogUnavailable), errors.Is(err, ErrNoWhitelists):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
