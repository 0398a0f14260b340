package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/pendergraft/campusbridge/internal/gateway"
)

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(Service) Service {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger *slog.Logger
}

func (m *loggingMiddleware) Token(req *gateway.OperationRequest) (string, error) {
	return m.next.Token(req)
}

func (m *loggingMiddleware) Dispatch(ctx context.Context, req *gateway.OperationRequest) (*Receipt, error) {
	start := time.Now()
	rec, err := m.next.Dispatch(ctx, req)
	attrs := []any{
		"duration", time.Since(start),
		"error", err,
	}
	if req != nil {
		attrs = append(attrs, "action", req.Action, "target", req.Target.Hex())
	}
	if rec != nil {
		attrs = append(attrs, "token", rec.Token, "state", rec.State, "attempts", rec.Attempts, "reason", rec.Reason)
	}
	m.logger.Info("Dispatch", attrs...)
	return rec, err
}

func (m *loggingMiddleware) Receipt(ctx context.Context, token string) (*Receipt, error) {
	start := time.Now()
	rec, err := m.next.Receipt(ctx, token)
	m.logger.Debug("Receipt",
		"token", token,
		"duration", time.Since(start),
		"error", err,
	)
	return rec, err
}

func (m *loggingMiddleware) List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	start := time.Now()
	result, err := m.next.List(ctx, filter, pagination)
	m.logger.Debug("List",
		"state", filter.State,
		"action", filter.Action,
		"limit", pagination.Limit,
		"duration", time.Since(start),
		"error", err,
	)
	return result, err
}
