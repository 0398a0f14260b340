package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

var (
	// ErrNotDelivered means the request provably never reached the relay, so
	// resending cannot double-submit.
	ErrNotDelivered = errors.New("request not delivered to relay")
	// ErrAmbiguous means the request may have been accepted.
	ErrAmbiguous = errors.New("relay delivery unknown")
)

// RejectedError is an explicit JSON-RPC refusal from the relay.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay rejected operation (code %d): %s", e.Code, e.Message)
}

// classifySendError sorts an eth_sendUserOperation failure into
// not-delivered, rejected or ambiguous.
func classifySendError(err error) error {
	const op = "eth_sendUserOperation"
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests:
			return apperr.Transient(op, fmt.Errorf("%w: %w: %v", ErrNotDelivered, apperr.ErrRateLimited, err))
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			return apperr.Transient(op, fmt.Errorf("%w: %v", ErrNotDelivered, err))
		}
		return apperr.Transient(op, fmt.Errorf("%w: %v", ErrAmbiguous, err))
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return apperr.Fatal(op, &RejectedError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apperr.Transient(op, fmt.Errorf("%w: %v", ErrNotDelivered, err))
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host") {
		return apperr.Transient(op, fmt.Errorf("%w: %v", ErrNotDelivered, err))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(op, fmt.Errorf("%w: %w: %v", ErrAmbiguous, apperr.ErrTimeout, err))
	}
	return apperr.Transient(op, fmt.Errorf("%w: %v", ErrAmbiguous, err))
}

// IsNotDelivered reports whether resending err's request is safe.
func IsNotDelivered(err error) bool { return errors.Is(err, ErrNotDelivered) }

// IsRejected reports whether the relay explicitly refused the operation.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}
