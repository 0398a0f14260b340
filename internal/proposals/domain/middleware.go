package domain

import (
	"context"
	"log/slog"
	"time"
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

func (m *loggingMiddleware) Publish(ctx context.Context, doc Document) (*Published, error) {
	start := time.Now()
	pub, err := m.next.Publish(ctx, doc)
	attrs := []any{
		"title", doc.Title,
		"project_id", doc.ProjectID,
		"duration", time.Since(start),
		"error", err,
	}
	if pub != nil {
		attrs = append(attrs, "reference", pub.Reference, "size", pub.Size, "existing", pub.Existing)
	}
	m.logger.Info("Publish", attrs...)
	return pub, err
}

func (m *loggingMiddleware) Resolve(ctx context.Context, ref string) (*Document, error) {
	start := time.Now()
	doc, err := m.next.Resolve(ctx, ref)
	m.logger.Debug("Resolve",
		"reference", ref,
		"duration", time.Since(start),
		"error", err,
	)
	return doc, err
}
