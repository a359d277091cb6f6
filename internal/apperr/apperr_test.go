package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("acquire: %w", ErrAuth), http.StatusUnauthorized},
		{fmt.Errorf("%w: price required", ErrInvalidOrder), http.StatusBadRequest},
		{fmt.Errorf("order 42: %w", ErrNotFound), http.StatusNotFound},
		{ErrCatalogUnavailable, http.StatusServiceUnavailable},
		{ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("dial: %w", ErrUnavailable), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
		// auth wins over the transient cause it wraps
		{fmt.Errorf("%w: %w", ErrAuth, ErrUnavailable), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(fmt.Errorf("chunk: %w", ErrRateLimited)) {
		t.Error("rate limit should be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("timeout should be transient")
	}
	if IsTransient(ErrInvalidOrder) || IsTransient(ErrAuth) {
		t.Error("client and auth errors must not be retried")
	}
}
