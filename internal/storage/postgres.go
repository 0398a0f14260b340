package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- Operation ledger
	CREATE TABLE IF NOT EXISTS operation_receipts (
		token TEXT PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		account TEXT NOT NULL,
		action TEXT NOT NULL,
		state TEXT NOT NULL,
		target TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '0',
		call_data TEXT NOT NULL,
		handle TEXT,
		tx_hash TEXT,
		reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		submitted_at TEXT,
		finished_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Proposal publish index
	CREATE TABLE IF NOT EXISTS publications (
		digest TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		backend TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_receipts_state ON operation_receipts(state);
	CREATE INDEX IF NOT EXISTS idx_receipts_created ON operation_receipts(created_at);
	CREATE INDEX IF NOT EXISTS idx_publications_reference ON publications(reference);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

const pgReceiptColumns = `token, id::text, account, action, state, target, value, call_data,
	COALESCE(handle, ''), COALESCE(tx_hash, ''), COALESCE(reason, ''), attempts,
	COALESCE(submitted_at, ''), COALESCE(finished_at, ''), created_at, updated_at`

// GetReceipt retrieves a receipt by idempotency token
func (s *PostgresStore) GetReceipt(ctx context.Context, token string) (*Receipt, error) {
	query := `SELECT ` + pgReceiptColumns + ` FROM operation_receipts WHERE token = $1`
	r, err := scanReceipt(s.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// PutReceipt inserts or replaces the receipt for r.Token
func (s *PostgresStore) PutReceipt(ctx context.Context, r *Receipt) error {
	prepareReceipt(r)
	query := `
		INSERT INTO operation_receipts (token, id, account, action, state, target, value, call_data,
			handle, tx_hash, reason, attempts, submitted_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (token) DO UPDATE SET
			state = EXCLUDED.state,
			handle = EXCLUDED.handle,
			tx_hash = EXCLUDED.tx_hash,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			submitted_at = EXCLUDED.submitted_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.Token, r.ID, r.Account, r.Action, r.State, r.Target, r.Value, r.CallData,
		r.Handle, r.TxHash, r.Reason, r.Attempts, r.SubmittedAt, r.FinishedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing receipt: %w", err)
	}
	return nil
}

// ListReceipts lists receipts newest first with cursor-based pagination
func (s *PostgresStore) ListReceipts(ctx context.Context, filter ReceiptFilter, pagination PaginationParams) (*PaginatedResult[Receipt], error) {
	limit := pageLimit(pagination.Limit)
	query := `SELECT ` + pgReceiptColumns + ` FROM operation_receipts WHERE 1=1`
	var args []any

	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(` AND action = $%d`, len(args))
	}
	if pagination.Cursor != "" {
		args = append(args, pagination.Cursor)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trimPage(receipts, limit), nil
}

// GetPublication retrieves a publication by content digest
func (s *PostgresStore) GetPublication(ctx context.Context, digest string) (*Publication, error) {
	query := `SELECT digest, reference, backend, size_bytes, created_at FROM publications WHERE digest = $1`
	var p Publication
	err := s.db.QueryRowContext(ctx, query, digest).Scan(&p.Digest, &p.Reference, &p.Backend, &p.SizeBytes, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordPublication stores digest -> reference. The first record for a
// digest wins.
func (s *PostgresStore) RecordPublication(ctx context.Context, p *Publication) error {
	if p.CreatedAt == "" {
		p.CreatedAt = now()
	}
	query := `
		INSERT INTO publications (digest, reference, backend, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (digest) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, p.Digest, p.Reference, p.Backend, p.SizeBytes, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording publication: %w", err)
	}
	return nil
}
