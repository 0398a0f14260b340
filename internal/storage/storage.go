package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pendergraft/campusbridge/internal/config"
)

// ReceiptStore persists the operation ledger, keyed by idempotency token.
type ReceiptStore interface {
	GetReceipt(ctx context.Context, token string) (*Receipt, error)
	PutReceipt(ctx context.Context, r *Receipt) error
	ListReceipts(ctx context.Context, filter ReceiptFilter, pagination PaginationParams) (*PaginatedResult[Receipt], error)
}

// PublicationStore persists the proposal publish index, keyed by content digest.
type PublicationStore interface {
	GetPublication(ctx context.Context, digest string) (*Publication, error)
	RecordPublication(ctx context.Context, p *Publication) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on their actual usage.
type Store interface {
	ReceiptStore
	PublicationStore

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Receipt is one ledger row
type Receipt struct {
	ID          string
	Token       string
	Account     string
	Action      string
	State       string
	Target      string
	Value       string // decimal wei
	CallData    string // 0x-prefixed hex
	Handle      string // user operation hash
	TxHash      string
	Reason      string
	Attempts    int
	SubmittedAt string
	FinishedAt  string
	CreatedAt   string
	UpdatedAt   string
}

// Publication maps a canonical content digest to its content reference
type Publication struct {
	Digest    string
	Reference string
	Backend   string
	SizeBytes int
	CreatedAt string
}

// ReceiptFilter contains filter options for listing receipts
type ReceiptFilter struct {
	State  string
	Action string
}

// PaginationParams contains pagination options
type PaginationParams struct {
	Limit  int
	Cursor string
}

// PaginatedResult contains paginated results
type PaginatedResult[T any] struct {
	Data       []T
	HasMore    bool
	NextCursor string
}

// New creates a new store based on configuration
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
