// Package domain publishes proposal content to content-addressed storage
// so its reference can be registered on chain.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/observability/metrics"
	"github.com/pendergraft/campusbridge/internal/retry"
	"github.com/pendergraft/campusbridge/internal/storage"
	"github.com/pendergraft/campusbridge/internal/validation"
)

// Domain errors
var (
	// ErrOversize is returned when canonical content exceeds the backend
	// limit. It is Fatal and never retried.
	ErrOversize = fmt.Errorf("proposal %w", apperr.ErrTooLarge)
	// ErrUploadFailed wraps the last upload error once retries are spent.
	ErrUploadFailed = errors.New("proposal upload failed")
)

// ContentStore is the storage backend proposals are published to.
type ContentStore interface {
	Name() string
	MaxBytes() int
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// PublicationIndex remembers which content digests were already published.
type PublicationIndex interface {
	GetPublication(ctx context.Context, digest string) (*storage.Publication, error)
	RecordPublication(ctx context.Context, p *storage.Publication) error
}

// Published is the outcome of a publish.
type Published struct {
	Reference string `json:"reference"`
	Digest    string `json:"digest"`
	Backend   string `json:"backend"`
	Size      int    `json:"size"`
	// Existing is set when the content was already published and no upload
	// took place.
	Existing bool `json:"existing"`
}

// Service defines the proposal publisher operations.
type Service interface {
	Publish(ctx context.Context, doc Document) (*Published, error)
	Resolve(ctx context.Context, ref string) (*Document, error)
}

// Config tunes the publisher.
type Config struct {
	// MaxMembersCap bounds a document's maxMembers.
	MaxMembersCap uint64
	Retry         retry.Policy
	// UploadTimeout bounds a shared upload, which outlives any one caller.
	// Zero means DefaultUploadTimeout.
	UploadTimeout time.Duration
}

// DefaultUploadTimeout bounds a shared upload when Config leaves it unset.
const DefaultUploadTimeout = 2 * time.Minute

type service struct {
	store  ContentStore
	index  PublicationIndex
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
}

// NewService creates a new proposal service. index may be nil, in which
// case every publish uploads.
func NewService(store ContentStore, index PublicationIndex, cfg Config, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	return &service{store: store, index: index, cfg: cfg, logger: logger}
}

// Publish uploads doc's canonical form and returns its reference.
// Content-equal documents always yield the same reference.
func (s *service) Publish(ctx context.Context, doc Document) (*Published, error) {
	pub, err := s.publish(ctx, doc)
	metrics.ProposalPublish(publishStatus(pub, err))
	return pub, err
}

func (s *service) publish(ctx context.Context, doc Document) (*Published, error) {
	const op = "publish"

	data, err := Canonical(doc, s.cfg.MaxMembersCap)
	if err != nil {
		return nil, err
	}
	if limit := s.store.MaxBytes(); limit > 0 && len(data) > limit {
		return nil, apperr.Fatal(op, fmt.Errorf("%w: %d bytes exceeds %d", ErrOversize, len(data), limit))
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	// Concurrent publishes of the same content share one upload. It runs
	// detached from whichever caller started it; each caller waits on its
	// own context.
	ch := s.group.DoChan(digest, func() (any, error) {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.UploadTimeout)
		defer cancel()
		if pub := s.lookup(uctx, digest); pub != nil {
			return pub, nil
		}
		return s.upload(uctx, digest, data)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		pub := *res.Val.(*Published)
		return &pub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *service) lookup(ctx context.Context, digest string) *Published {
	if s.index == nil {
		return nil
	}
	p, err := s.index.GetPublication(ctx, digest)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("publish index lookup failed", "digest", digest, "error", err)
		}
		return nil
	}
	if p.Backend != s.store.Name() {
		return nil
	}
	return &Published{Reference: p.Reference, Digest: digest, Backend: p.Backend, Size: p.SizeBytes, Existing: true}
}

func (s *service) upload(ctx context.Context, digest string, data []byte) (*Published, error) {
	ref, err := retry.Do(ctx, s.cfg.Retry.Named("proposal-upload"), nil, func(ctx context.Context) (string, error) {
		return s.store.Put(ctx, data)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	pub := &Published{Reference: ref, Digest: digest, Backend: s.store.Name(), Size: len(data)}
	if s.index != nil {
		err := s.index.RecordPublication(ctx, &storage.Publication{
			Digest:    digest,
			Reference: ref,
			Backend:   pub.Backend,
			SizeBytes: pub.Size,
		})
		if err != nil {
			// the content is stored; the next publish just uploads again
			s.logger.Warn("recording publication failed", "digest", digest, "reference", ref, "error", err)
		}
	}
	return pub, nil
}

// Resolve reads a published proposal back.
func (s *service) Resolve(ctx context.Context, ref string) (*Document, error) {
	if err := validation.ValidateContentReference(ref); err != nil {
		return nil, apperr.Malformed("resolve proposal", "%v", err)
	}
	data, err := retry.Do(ctx, s.cfg.Retry.Named("proposal-read"), nil, func(ctx context.Context) ([]byte, error) {
		return s.store.Get(ctx, ref)
	})
	if err != nil {
		return nil, fmt.Errorf("reading proposal %s: %w", ref, err)
	}
	return DecodeDocument(data)
}

func publishStatus(pub *Published, err error) string {
	switch {
	case err == nil && pub.Existing:
		return "existing"
	case err == nil:
		return "uploaded"
	case errors.Is(err, ErrOversize):
		return "oversize"
	case apperr.KindOf(err) == apperr.KindMalformed:
		return "invalid"
	default:
		return "failed"
	}
}
