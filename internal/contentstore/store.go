// Package contentstore puts proposal documents into content-addressed
// storage and reads them back by reference.
package contentstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/mr-tron/base58"

	"github.com/pendergraft/campusbridge/internal/config"
)

// Store is a content-addressed storage backend.
type Store interface {
	// Name identifies the backend in logs and the publish index.
	Name() string
	// MaxBytes is the largest payload Put accepts.
	MaxBytes() int
	// Put stores data and returns its reference. Putting the same bytes twice
	// returns the same reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes behind ref, or a NotFound error.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// multihash prefix for sha2-256 with a 32-byte digest
var sha256Multihash = []byte{0x12, 0x20}

// Reference derives the CIDv0-shaped reference of data: the base58btc
// encoding of its sha2-256 multihash.
func Reference(data []byte) string {
	sum := sha256.Sum256(data)
	return base58.Encode(append(append([]byte{}, sha256Multihash...), sum[:]...))
}

// ValidReference reports whether ref decodes to a sha2-256 multihash.
func ValidReference(ref string) bool {
	raw, err := base58.Decode(ref)
	if err != nil || len(raw) != 34 {
		return false
	}
	return raw[0] == sha256Multihash[0] && raw[1] == sha256Multihash[1]
}

// New creates the store selected by cfg.
func New(ctx context.Context, cfg config.ContentConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Store {
	case "", "memory":
		return NewMemory(cfg.MaxBytes), nil
	case "pinata":
		return NewPinata(cfg.PinataJWT, cfg.MaxBytes, WithAPIURL(cfg.PinataAPIURL), WithGateway(cfg.PinataGateway)), nil
	case "s3":
		return NewS3(ctx, cfg.S3, cfg.MaxBytes, logger)
	default:
		return nil, fmt.Errorf("unknown content store: %s", cfg.Store)
	}
}
