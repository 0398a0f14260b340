//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pendergraft/campusbridge/internal/chains"
	"github.com/pendergraft/campusbridge/internal/config"
	"github.com/pendergraft/campusbridge/internal/contentstore"
	"github.com/pendergraft/campusbridge/internal/gateway"
	operationsDomain "github.com/pendergraft/campusbridge/internal/operations/domain"
	proposalsDomain "github.com/pendergraft/campusbridge/internal/proposals/domain"
	"github.com/pendergraft/campusbridge/internal/relay"
	"github.com/pendergraft/campusbridge/internal/retry"
	"github.com/pendergraft/campusbridge/internal/server"
	"github.com/pendergraft/campusbridge/internal/storage"
	"github.com/pendergraft/campusbridge/pkg/client"
)

var (
	smartAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	badgeAddr    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	TestServer        *httptest.Server
	Store             storage.Store
	Gateway           *gateway.Gateway
	Relay             *scriptedRelay
}

// scriptedRelay stands in for the bundler. Operations are included unless
// their call data was marked with reject.
type scriptedRelay struct {
	mu      sync.Mutex
	sends   map[common.Hash]int
	rejects map[common.Hash]string
}

func newScriptedRelay() *scriptedRelay {
	return &scriptedRelay{sends: map[common.Hash]int{}, rejects: map[common.Hash]string{}}
}

func (r *scriptedRelay) Account() common.Address { return smartAccount }

func (r *scriptedRelay) Build(ctx context.Context, target common.Address, value *big.Int, data []byte) (*relay.UserOperation, common.Hash, error) {
	return &relay.UserOperation{Sender: smartAccount, CallData: data}, crypto.Keccak256Hash(data), nil
}

func (r *scriptedRelay) Send(ctx context.Context, op *relay.UserOperation) (common.Hash, error) {
	hash := crypto.Keccak256Hash(op.CallData)
	r.mu.Lock()
	r.sends[hash]++
	r.mu.Unlock()
	return hash, nil
}

func (r *scriptedRelay) Status(ctx context.Context, hash common.Hash) (*relay.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reason, ok := r.rejects[hash]; ok {
		return &relay.Status{State: relay.StateFailed, TxHash: hash, Reason: reason}, nil
	}
	return &relay.Status{State: relay.StateIncluded, TxHash: hash}, nil
}

func (r *scriptedRelay) reject(req *gateway.OperationRequest, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects[crypto.Keccak256Hash(req.CallData)] = reason
}

func (r *scriptedRelay) sendCount(req *gateway.OperationRequest) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends[crypto.Keccak256Hash(req.CallData)]
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("campusbridge"),
		postgres.WithUsername("campusbridge"),
		postgres.WithPassword("campusbridge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return container, connString, nil
}

// newGateway builds an encode-only gateway over the embedded ABIs. Reads
// are never routed in these tests, so it has no chain behind it.
func newGateway() (*gateway.Gateway, error) {
	reg, err := chains.LoadRegistry("")
	if err != nil {
		return nil, err
	}
	registryABI, err := reg.Get(chains.KindRegistry, "")
	if err != nil {
		return nil, err
	}
	badgeABI, err := reg.Get(chains.KindBadge, "")
	if err != nil {
		return nil, err
	}
	return gateway.New(nil, gateway.Config{
		Registry:      registryAddr,
		Badge:         badgeAddr,
		RegistryABI:   registryABI,
		BadgeABI:      badgeABI,
		MaxMembersCap: 10,
	}, nil)
}

// startServerE wires the postgres ledger, the memory content store and the
// scripted relay behind the real HTTP server.
func startServerE(ctx context.Context, connString string, r *scriptedRelay) (*httptest.Server, storage.Store, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := storage.New(config.StorageConfig{
		Type:     "postgres",
		Postgres: config.PostgresConfig{URL: connString},
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrating: %w", err)
	}

	gw, err := newGateway()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("building gateway: %w", err)
	}
	testCtx.Gateway = gw

	fast := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	ops := operationsDomain.NewService(r, store, operationsDomain.Config{
		PollInterval:   5 * time.Millisecond,
		ConfirmTimeout: 5 * time.Second,
		NotFoundGrace:  50 * time.Millisecond,
		MaxResubmits:   1,
		SendAttempts:   3,
		Retry:          fast,
	}, logger)

	content := contentstore.NewMemory(1 << 20)
	proposals := proposalsDomain.NewService(content, store, proposalsDomain.Config{MaxMembersCap: 10, Retry: fast}, logger)

	cfg := &config.Config{
		Server:  config.ServerConfig{RequestTimeout: 30},
		Content: config.ContentConfig{MaxBytes: 1 << 20},
		Metrics: config.MetricsConfig{ServiceName: "campusbridge-e2e"},
	}
	srv := server.New(cfg, server.Services{
		Operations: ops,
		Encoder:    gw,
		Proposals:  proposals,
		Info: server.Info{
			Service:      "campusbridge-e2e",
			Version:      "e2e",
			ChainID:      31337,
			Registry:     registryAddr.Hex(),
			Badge:        badgeAddr.Hex(),
			Account:      smartAccount.Hex(),
			ContentStore: content.Name(),
		},
	}, logger)

	return httptest.NewServer(srv.Handler()), store, nil
}

func newClient() *client.Client {
	return client.New(testCtx.TestServer.URL, client.WithUserAgent("campusbridge-e2e"))
}

// assertHTTPError asserts that an error is an APIError with the expected code
func assertHTTPError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err, "Expected an error")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "Error should be an APIError")
	require.Equal(t, expectedCode, apiErr.Code, "Error code mismatch")
}
