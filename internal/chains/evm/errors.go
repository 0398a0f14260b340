package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

// ErrReverted is wrapped by every classified contract revert.
var ErrReverted = errors.New("execution reverted")

// JSON-RPC codes that indicate a node-side, retryable condition.
const (
	codeLimitExceeded  = -32005
	codeInternal       = -32603
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeExecutionError = 3
)

// ClassifyCallError maps a go-ethereum RPC error onto the apperr taxonomy.
// Reverts are Fatal and wrap ErrReverted; callers that read state decide
// whether a revert means the entity is absent.
func ClassifyCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.E(apperr.KindTransient, op, fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return apperr.FromStatus(op, httpErr.StatusCode, strings.TrimSpace(string(httpErr.Body)))
	}

	msg := err.Error()
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch code := rpcErr.ErrorCode(); {
		case code == codeExecutionError || strings.Contains(msg, "execution reverted"):
			return apperr.Fatal(op, fmt.Errorf("%w: %s", ErrReverted, revertReason(err)))
		case code == codeLimitExceeded:
			return apperr.Transient(op, fmt.Errorf("%w: %v", apperr.ErrRateLimited, err))
		case code == codeInternal:
			return apperr.Transient(op, err)
		case code == codeInvalidParams:
			return apperr.E(apperr.KindMalformed, op, err)
		case code == codeServerError && isTransientServerMessage(msg):
			return apperr.Transient(op, err)
		default:
			return apperr.Fatal(op, err)
		}
	}

	if strings.Contains(msg, "execution reverted") {
		return apperr.Fatal(op, fmt.Errorf("%w: %s", ErrReverted, revertReason(err)))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperr.E(apperr.KindTransient, op, fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
		}
		return apperr.Transient(op, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(msg, "connection refused") {
		return apperr.Transient(op, err)
	}
	return apperr.Fatal(op, err)
}

// IsRevert reports whether err is a classified contract revert.
func IsRevert(err error) bool {
	return errors.Is(err, ErrReverted)
}

func isTransientServerMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"header not found", "rate limit", "too many requests", "timeout", "try again"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data != "" {
			return data
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		msg = strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
	}
	return strings.TrimSpace(msg)
}
