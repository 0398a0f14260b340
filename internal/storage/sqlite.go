package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Operation ledger
	CREATE TABLE IF NOT EXISTS operation_receipts (
		token TEXT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
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

const sqliteReceiptColumns = `token, id, account, action, state, target, value, call_data,
	COALESCE(handle, ''), COALESCE(tx_hash, ''), COALESCE(reason, ''), attempts,
	COALESCE(submitted_at, ''), COALESCE(finished_at, ''), created_at, updated_at`

// GetReceipt retrieves a receipt by idempotency token
func (s *SQLiteStore) GetReceipt(ctx context.Context, token string) (*Receipt, error) {
	query := `SELECT ` + sqliteReceiptColumns + ` FROM operation_receipts WHERE token = ?`
	r, err := scanReceipt(s.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// PutReceipt inserts or replaces the receipt for r.Token
func (s *SQLiteStore) PutReceipt(ctx context.Context, r *Receipt) error {
	prepareReceipt(r)
	query := `
		INSERT INTO operation_receipts (token, id, account, action, state, target, value, call_data,
			handle, tx_hash, reason, attempts, submitted_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			state = excluded.state,
			handle = excluded.handle,
			tx_hash = excluded.tx_hash,
			reason = excluded.reason,
			attempts = excluded.attempts,
			submitted_at = excluded.submitted_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
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
func (s *SQLiteStore) ListReceipts(ctx context.Context, filter ReceiptFilter, pagination PaginationParams) (*PaginatedResult[Receipt], error) {
	limit := pageLimit(pagination.Limit)
	query := `SELECT ` + sqliteReceiptColumns + ` FROM operation_receipts WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if pagination.Cursor != "" {
		query += ` AND created_at < ?`
		args = append(args, pagination.Cursor)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit+1)

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
func (s *SQLiteStore) GetPublication(ctx context.Context, digest string) (*Publication, error) {
	query := `SELECT digest, reference, backend, size_bytes, created_at FROM publications WHERE digest = ?`
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
func (s *SQLiteStore) RecordPublication(ctx context.Context, p *Publication) error {
	if p.CreatedAt == "" {
		p.CreatedAt = now()
	}
	query := `
		INSERT INTO publications (digest, reference, backend, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, p.Digest, p.Reference, p.Backend, p.SizeBytes, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording publication: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	err := row.Scan(
		&r.Token, &r.ID, &r.Account, &r.Action, &r.State, &r.Target, &r.Value, &r.CallData,
		&r.Handle, &r.TxHash, &r.Reason, &r.Attempts,
		&r.SubmittedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
