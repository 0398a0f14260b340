// Package domain resolves the collectible badges an address holds into
// displayable records.
//
// Resolution is two-phased: discovery lists the owner's tokens through the
// indexer, then each token's metadata is resolved independently with
// bounded concurrency. One token failing never fails its siblings.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/indexer"
	"github.com/pendergraft/campusbridge/internal/observability/metrics"
	"github.com/pendergraft/campusbridge/internal/retry"
)

// DefaultPlaceholderImage is shown for badges without a usable image.
const DefaultPlaceholderImage = "https://via.placeholder.com/500"

// maxDiscoveryPages bounds pagination against an indexer that never stops
// returning page keys.
const maxDiscoveryPages = 50

// ErrDiscoveryFailed is returned by Resolve when the owner's tokens could not
// be listed.
var ErrDiscoveryFailed = errors.New("badge discovery failed")

// Indexer is the subset of the indexing API used by the pipeline.
type Indexer interface {
	OwnedTokens(ctx context.Context, owner common.Address, contract *common.Address, pageKey string) (*indexer.OwnedPage, error)
	TokenMetadata(ctx context.Context, contract common.Address, tokenID *big.Int) (*indexer.Metadata, error)
	FetchDocument(ctx context.Context, uri string) (*indexer.Metadata, error)
}

// TokenURIResolver reads a token's metadata URI from the chain.
type TokenURIResolver interface {
	ResolveTokenURI(ctx context.Context, contract common.Address, tokenID *big.Int) (string, error)
}

// Cache stores resolved metadata documents.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// ImageProber reports whether an image URL is reachable.
type ImageProber func(ctx context.Context, url string) bool

// Config tunes the pipeline.
type Config struct {
	// Concurrency bounds simultaneous metadata resolutions.
	Concurrency int
	// DiscoveryAttempts caps attempts per discovery page.
	DiscoveryAttempts int
	// MetadataAttempts caps attempts per metadata fetch.
	MetadataAttempts int
	PlaceholderImage string
	// ProbeImages enables reachability checks on declared images.
	ProbeImages  bool
	ProbeTimeout time.Duration
	Retry        retry.Policy
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		DiscoveryAttempts: 5,
		MetadataAttempts:  5,
		PlaceholderImage:  DefaultPlaceholderImage,
		ProbeTimeout:      3 * time.Second,
		Retry:             retry.DefaultPolicy(),
	}
}

// Service defines the badge pipeline operations.
type Service interface {
	Discover(ctx context.Context, owner common.Address, contract *common.Address) Discovery
	Resolve(ctx context.Context, owner common.Address, contract *common.Address) (*Resolution, error)
}

type service struct {
	idx    Indexer
	chain  TokenURIResolver
	cache  Cache
	probe  ImageProber
	cfg    Config
	logger *slog.Logger
}

// NewService creates a new badge service. chain and cache may be nil, which
// disables the on-chain fallback and caching respectively.
func NewService(idx Indexer, chain TokenURIResolver, cache Cache, cfg Config, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PlaceholderImage == "" {
		cfg.PlaceholderImage = DefaultPlaceholderImage
	}
	s := &service{idx: idx, chain: chain, cache: cache, cfg: cfg, logger: logger}
	s.probe = HTTPProber(&http.Client{Timeout: cfg.ProbeTimeout})
	return s
}

// WithProber replaces the image reachability check.
func (s *service) WithProber(p ImageProber) *service {
	s.probe = p
	return s
}

// Discover lists every token owner holds, following page keys. Each page
// is retried independently; exhausting a page's budget fails the whole
// discovery.
func (s *service) Discover(ctx context.Context, owner common.Address, contract *common.Address) Discovery {
	d := s.discover(ctx, owner, contract)
	metrics.BadgeDiscovery(string(d.Status))
	return d
}

func (s *service) discover(ctx context.Context, owner common.Address, contract *common.Address) Discovery {
	policy := s.cfg.Retry.Named("badge-discovery").WithAttempts(s.cfg.DiscoveryAttempts)

	var tokens []Token
	pageKey := ""
	truncated := true
	for page := 0; page < maxDiscoveryPages; page++ {
		p, err := retry.Do(ctx, policy, nil, func(ctx context.Context) (*indexer.OwnedPage, error) {
			return s.idx.OwnedTokens(ctx, owner, contract, pageKey)
		})
		if err != nil {
			return Discovery{Status: DiscoveryFailed, Err: err}
		}
		for _, t := range p.Tokens {
			tokens = append(tokens, Token{Contract: t.Contract, TokenID: t.TokenID})
		}
		if p.PageKey == "" || p.PageKey == pageKey {
			truncated = false
			break
		}
		pageKey = p.PageKey
	}
	if truncated {
		s.logger.Warn("badge discovery hit the page limit", "owner", owner.Hex(), "pages", maxDiscoveryPages, "tokens", len(tokens))
	}

	if len(tokens) == 0 {
		return Discovery{Status: DiscoveryEmpty, Tokens: []Token{}, Truncated: truncated}
	}
	return Discovery{Status: DiscoveryFound, Tokens: tokens, Truncated: truncated}
}

// Resolve discovers owner's tokens and resolves each into a Badge. The
// returned items follow discovery order. Only a failed discovery is an
// error; the failed Discovery is still returned in the Resolution.
func (s *service) Resolve(ctx context.Context, owner common.Address, contract *common.Address) (*Resolution, error) {
	res := &Resolution{Owner: owner, Discovery: s.Discover(ctx, owner, contract), Items: []Item{}}
	if res.Discovery.Status == DiscoveryFailed {
		return res, fmt.Errorf("%w: %w", ErrDiscoveryFailed, res.Discovery.Err)
	}

	res.Items = make([]Item, len(res.Discovery.Tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, tok := range res.Discovery.Tokens {
		g.Go(func() error {
			res.Items[i] = s.resolveItem(gctx, tok)
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	return res, nil
}

func (s *service) resolveItem(ctx context.Context, tok Token) Item {
	item := Item{Token: tok}
	md, err := s.metadata(ctx, tok)
	if err != nil {
		item.Status = ItemFailed
		item.Reason = failureReason(err)
		metrics.BadgeResolve("failed")
		s.logger.Debug("badge metadata failed",
			"contract", tok.Contract.Hex(),
			"token_id", tok.TokenID.String(),
			"reason", item.Reason,
			"error", err,
		)
		return item
	}

	item.Status = ItemResolved
	item.Badge = &Badge{
		TokenID:     tok.TokenID,
		Contract:    tok.Contract,
		Title:       md.Name,
		Description: md.Description,
		ImageURL:    s.image(ctx, md.DeclaredImage()),
		Attributes:  md.Attributes,
	}
	if item.Badge.Attributes == nil {
		item.Badge.Attributes = []indexer.Attribute{}
	}
	metrics.BadgeResolve("resolved")
	return item
}

// metadata resolves a token's metadata: cache, then the indexer, then the
// token URI read from the chain when the indexer has never seen the token.
func (s *service) metadata(ctx context.Context, tok Token) (*indexer.Metadata, error) {
	key := cacheKey(tok)
	if md, ok := s.cached(ctx, key); ok {
		return md, nil
	}

	policy := s.cfg.Retry.Named("badge-metadata").WithAttempts(s.cfg.MetadataAttempts)
	md, err := retry.Do(ctx, policy, nil, func(ctx context.Context) (*indexer.Metadata, error) {
		return s.idx.TokenMetadata(ctx, tok.Contract, tok.TokenID)
	})
	if apperr.KindOf(err) == apperr.KindNotFound && s.chain != nil {
		md, err = s.fromTokenURI(ctx, tok, policy)
	}
	if err != nil {
		return nil, err
	}

	s.store(ctx, key, md)
	return md, nil
}

func (s *service) fromTokenURI(ctx context.Context, tok Token, policy retry.Policy) (*indexer.Metadata, error) {
	uri, err := s.chain.ResolveTokenURI(ctx, tok.Contract, tok.TokenID)
	if err != nil {
		return nil, fmt.Errorf("resolving token uri: %w", err)
	}
	return retry.Do(ctx, policy.Named("badge-document"), nil, func(ctx context.Context) (*indexer.Metadata, error) {
		return s.idx.FetchDocument(ctx, uri)
	})
}

func (s *service) cached(ctx context.Context, key string) (*indexer.Metadata, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		metrics.MetadataCache(false)
		return nil, false
	}
	var md indexer.Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		s.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		metrics.MetadataCache(false)
		return nil, false
	}
	metrics.MetadataCache(true)
	return &md, true
}

func (s *service) store(ctx context.Context, key string, md *indexer.Metadata) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw); err != nil {
		s.logger.Warn("caching metadata failed", "key", key, "error", err)
	}
}

// image applies the placeholder policy to a declared image URL.
func (s *service) image(ctx context.Context, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return s.cfg.PlaceholderImage
	}
	if s.cfg.ProbeImages && s.probe != nil && !s.probe(ctx, declared) {
		return s.cfg.PlaceholderImage
	}
	return declared
}

// HTTPProber checks image reachability with a HEAD request.
func HTTPProber(client *http.Client) ImageProber {
	return func(ctx context.Context, url string) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < 400
	}
}

func cacheKey(tok Token) string {
	return strings.ToLower(tok.Contract.Hex()) + ":" + tok.TokenID.String()
}

func failureReason(err error) string {
	if apperr.KindOf(err) == apperr.KindMalformed {
		return "malformed metadata"
	}
	return apperr.Reason(err)
}
