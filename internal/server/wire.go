package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	badgesDomain "github.com/pendergraft/campusbridge/internal/badges/domain"
	"github.com/pendergraft/campusbridge/internal/cache"
	"github.com/pendergraft/campusbridge/internal/chains"
	"github.com/pendergraft/campusbridge/internal/chains/evm"
	"github.com/pendergraft/campusbridge/internal/config"
	"github.com/pendergraft/campusbridge/internal/contentstore"
	"github.com/pendergraft/campusbridge/internal/gateway"
	"github.com/pendergraft/campusbridge/internal/indexer"
	"github.com/pendergraft/campusbridge/internal/observability/metrics"
	operationsDomain "github.com/pendergraft/campusbridge/internal/operations/domain"
	proposalsDomain "github.com/pendergraft/campusbridge/internal/proposals/domain"
	"github.com/pendergraft/campusbridge/internal/relay"
	"github.com/pendergraft/campusbridge/internal/retry"
	"github.com/pendergraft/campusbridge/internal/storage"
)

// Build dials the chain, the bundler, the indexer, the metadata cache and
// the content store, and returns a server exposing them. The returned
// cleanup closes every upstream connection; it is safe to call after a
// failed Build.
func Build(ctx context.Context, cfg *config.Config, store storage.Store, version string, logger *slog.Logger) (*Server, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Server, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	registryAddr, err := evm.ParseAddress(cfg.Chain.RegistryAddress)
	if err != nil {
		return fail(fmt.Errorf("REGISTRY_ADDRESS: %w", err))
	}
	badgeAddr, err := evm.ParseAddress(cfg.Chain.BadgeAddress)
	if err != nil {
		return fail(fmt.Errorf("BADGE_ADDRESS: %w", err))
	}
	entryPoint, err := evm.ParseAddress(cfg.Relay.EntryPoint)
	if err != nil {
		return fail(fmt.Errorf("ENTRYPOINT_ADDRESS: %w", err))
	}
	account, err := evm.ParseAddress(cfg.Relay.SmartAccount)
	if err != nil {
		return fail(fmt.Errorf("SMART_ACCOUNT_ADDRESS: %w", err))
	}

	abis, err := chains.LoadRegistry(cfg.Chain.ABIManifest)
	if err != nil {
		return fail(err)
	}
	registryABI, err := abis.Get(chains.KindRegistry, cfg.Chain.RegistryABIVersion)
	if err != nil {
		return fail(err)
	}
	badgeABI, err := abis.Get(chains.KindBadge, cfg.Chain.BadgeABIVersion)
	if err != nil {
		return fail(err)
	}
	logger.Info("contract bindings selected",
		"registry_abi", registryABI.Version,
		"badge_abi", badgeABI.Version,
	)

	client, err := evm.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, client.Close)

	if cfg.Chain.ChainID != 0 {
		got, err := client.ChainID(ctx)
		if err != nil {
			return fail(fmt.Errorf("reading chain id: %w", err))
		}
		if got.Int64() != cfg.Chain.ChainID {
			return fail(fmt.Errorf("CHAIN_ID is %d but the RPC endpoint serves chain %s", cfg.Chain.ChainID, got))
		}
	}
	if cfg.Chain.VerifyDeployment {
		if err := errors.Join(
			client.VerifyDeployment(ctx, registryAddr),
			client.VerifyDeployment(ctx, badgeAddr),
		); err != nil {
			return fail(err)
		}
	}

	policy := retryPolicy(cfg.Retry, logger)
	callPolicy := policy
	callPolicy.AttemptTimeout = cfg.Chain.CallTimeout

	gw, err := gateway.New(client, gateway.Config{
		Registry:      registryAddr,
		Badge:         badgeAddr,
		RegistryABI:   registryABI,
		BadgeABI:      badgeABI,
		Retry:         callPolicy,
		MaxMembersCap: cfg.Chain.MaxMembersCap,
	}, logger)
	if err != nil {
		return fail(err)
	}

	bundler, err := relay.DialBundler(ctx, cfg.Relay.BundlerURL)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, bundler.Close)

	signer, err := relay.NewLocalSigner(cfg.Relay.SignerKey)
	if err != nil {
		return fail(fmt.Errorf("SIGNER_KEY: %w", err))
	}

	relayCfg := relay.Config{EntryPoint: entryPoint, Account: account, Retry: callPolicy}
	if cfg.Chain.ChainID != 0 {
		relayCfg.ChainID = big.NewInt(cfg.Chain.ChainID)
	}
	rl := relay.New(bundler, client, signer, relayCfg, logger)

	opsCfg := operationsDomain.Config{
		PollInterval:   cfg.Relay.PollInterval,
		ConfirmTimeout: cfg.Relay.ConfirmTimeout,
		NotFoundGrace:  cfg.Relay.NotFoundGrace,
		MaxResubmits:   cfg.Relay.MaxResubmits,
		SendAttempts:   cfg.Relay.SendAttempts,
		Retry:          callPolicy,
	}
	operations := operationsDomain.LoggingMiddleware(logger)(
		operationsDomain.NewService(rl, store, opsCfg, logger),
	)

	idx := indexer.New(cfg.Indexer.Endpoint, cfg.Indexer.APIKey,
		indexer.WithHTTPClient(&http.Client{Timeout: cfg.Indexer.Timeout}),
		indexer.WithRateLimit(cfg.Indexer.RequestsPerSecond, cfg.Indexer.Burst),
		indexer.WithIPFSGateway(cfg.Indexer.IPFSGateway),
	)

	metaCache, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		if err := metaCache.Close(); err != nil {
			logger.Warn("closing metadata cache", "error", err)
		}
	})

	badgeCfg := badgesDomain.DefaultConfig()
	badgeCfg.Concurrency = cfg.Badges.Concurrency
	badgeCfg.DiscoveryAttempts = cfg.Indexer.DiscoveryAttempts
	badgeCfg.MetadataAttempts = cfg.Retry.MaxAttempts
	badgeCfg.PlaceholderImage = cfg.Badges.PlaceholderImage
	badgeCfg.ProbeImages = cfg.Badges.ProbeImages
	badgeCfg.ProbeTimeout = cfg.Badges.ProbeTimeout
	badgeCfg.Retry = policy
	badges := badgesDomain.LoggingMiddleware(logger)(
		badgesDomain.NewService(idx, gw, metaCache, badgeCfg, logger),
	)

	content, err := contentstore.New(ctx, cfg.Content, logger)
	if err != nil {
		return fail(err)
	}
	proposals := proposalsDomain.LoggingMiddleware(logger)(
		proposalsDomain.NewService(content, store, proposalsDomain.Config{
			MaxMembersCap: cfg.Chain.MaxMembersCap,
			Retry:         policy,
		}, logger),
	)

	srv := New(cfg, Services{
		Operations: operations,
		Encoder:    gw,
		Badges:     badges,
		Proposals:  proposals,
		Projects:   gw,
		Info: Info{
			Service:      cfg.Metrics.ServiceName,
			Version:      version,
			ChainID:      cfg.Chain.ChainID,
			Registry:     registryAddr.Hex(),
			Badge:        badgeAddr.Hex(),
			Account:      account.Hex(),
			ContentStore: content.Name(),
		},
	}, logger)
	closers = append(closers, srv.Close)

	return srv, cleanup, nil
}

// retryPolicy builds the shared network policy from configuration. Every
// scheduled retry is counted and logged at debug.
func retryPolicy(cfg config.RetryConfig, logger *slog.Logger) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		p.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	p.OnRetry = func(op string, attempt int, err error, delay time.Duration) {
		metrics.RetryScheduled(op, attempt, err, delay)
		logger.Debug("retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
	}
	return p
}
