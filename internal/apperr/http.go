package apperr

import (
	"context"
	"errors"
	"net/http"
)

// ErrTooLarge marks a Fatal failure caused by a payload over a size limit.
var ErrTooLarge = errors.New("payload too large")

// HTTPStatus maps err to the status and error code the bridge API returns.
// Conflict never reaches callers, so it has no mapping of its own.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, context.Canceled):
		// nginx convention; the client is gone anyway
		return 499, "CANCELED"
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case KindMalformed:
		return http.StatusBadRequest, "INVALID_REQUEST"
	case KindFatal:
		return http.StatusUnprocessableEntity, "UNPROCESSABLE"
	case KindTransient:
		if errors.Is(err, ErrRateLimited) {
			return http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMITED"
		}
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
