package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
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

func (m *loggingMiddleware) Discover(ctx context.Context, owner common.Address, contract *common.Address) Discovery {
	start := time.Now()
	d := m.next.Discover(ctx, owner, contract)
	m.logger.Debug("Discover",
		"owner", owner.Hex(),
		"status", d.Status,
		"tokens", len(d.Tokens),
		"duration", time.Since(start),
		"error", d.Err,
	)
	return d
}

func (m *loggingMiddleware) Resolve(ctx context.Context, owner common.Address, contract *common.Address) (*Resolution, error) {
	start := time.Now()
	res, err := m.next.Resolve(ctx, owner, contract)
	attrs := []any{
		"owner", owner.Hex(),
		"duration", time.Since(start),
		"error", err,
	}
	if contract != nil {
		attrs = append(attrs, "contract", contract.Hex())
	}
	if res != nil {
		attrs = append(attrs, "discovery", res.Discovery.Status, "items", len(res.Items), "resolved", res.Resolved())
	}
	m.logger.Info("Resolve", attrs...)
	return res, err
}
