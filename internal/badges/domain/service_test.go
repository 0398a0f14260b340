package domain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/cache"
	"github.com/pendergraft/campusbridge/internal/indexer"
	"github.com/pendergraft/campusbridge/internal/retry"
)

var (
	owner    = common.HexToAddress("0xABC0000000000000000000000000000000000001")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type fakeIndexer struct {
	mu         sync.Mutex
	pages      map[string]*indexer.OwnedPage
	ownedErr   error
	ownedCalls atomic.Int32
	metadata   func(tokenID *big.Int) (*indexer.Metadata, error)
	metaCalls  map[string]int
	documents  map[string]*indexer.Metadata
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		pages:     map[string]*indexer.OwnedPage{},
		metaCalls: map[string]int{},
		documents: map[string]*indexer.Metadata{},
	}
}

func (f *fakeIndexer) OwnedTokens(_ context.Context, _ common.Address, _ *common.Address, pageKey string) (*indexer.OwnedPage, error) {
	f.ownedCalls.Add(1)
	if f.ownedErr != nil {
		return nil, f.ownedErr
	}
	if p, ok := f.pages[pageKey]; ok {
		return p, nil
	}
	return &indexer.OwnedPage{}, nil
}

func (f *fakeIndexer) TokenMetadata(_ context.Context, _ common.Address, tokenID *big.Int) (*indexer.Metadata, error) {
	f.mu.Lock()
	f.metaCalls[tokenID.String()]++
	f.mu.Unlock()
	return f.metadata(tokenID)
}

func (f *fakeIndexer) FetchDocument(_ context.Context, uri string) (*indexer.Metadata, error) {
	if md, ok := f.documents[uri]; ok {
		return md, nil
	}
	return nil, apperr.NotFound("fetch-document", "no document at %s", uri)
}

func (f *fakeIndexer) calls(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls[big.NewInt(id).String()]
}

type fakeChain struct {
	uris map[string]string
}

func (f *fakeChain) ResolveTokenURI(_ context.Context, _ common.Address, tokenID *big.Int) (string, error) {
	if u, ok := f.uris[tokenID.String()]; ok {
		return u, nil
	}
	return "", apperr.NotFound("token-uri", "token %s does not exist", tokenID)
}

func tokens(ids ...int64) []indexer.OwnedToken {
	out := make([]indexer.OwnedToken, len(ids))
	for i, id := range ids {
		out[i] = indexer.OwnedToken{Contract: contract, TokenID: big.NewInt(id)}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	return cfg
}

func named(id *big.Int) (*indexer.Metadata, error) {
	return &indexer.Metadata{Name: "Badge #" + id.String(), Image: "https://img.example/" + id.String() + ".png"}, nil
}

func TestDiscover(t *testing.T) {
	t.Run("follows page keys", func(t *testing.T) {
		idx := newFakeIndexer()
		idx.pages[""] = &indexer.OwnedPage{Tokens: tokens(1, 2), PageKey: "p2"}
		idx.pages["p2"] = &indexer.OwnedPage{Tokens: tokens(3)}
		svc := NewService(idx, nil, nil, testConfig(), nil)

		d := svc.Discover(context.Background(), owner, nil)
		assert.Equal(t, DiscoveryFound, d.Status)
		require.Len(t, d.Tokens, 3)
		assert.Equal(t, int64(3), d.Tokens[2].TokenID.Int64())
		assert.NoError(t, d.Err)
		assert.False(t, d.Truncated)
	})

	t.Run("page limit marks the result truncated", func(t *testing.T) {
		idx := newFakeIndexer()
		key := ""
		for i := 1; i <= maxDiscoveryPages+5; i++ {
			next := fmt.Sprintf("p%d", i)
			idx.pages[key] = &indexer.OwnedPage{Tokens: tokens(int64(i)), PageKey: next}
			key = next
		}
		svc := NewService(idx, nil, nil, testConfig(), nil)

		d := svc.Discover(context.Background(), owner, nil)
		assert.Equal(t, DiscoveryFound, d.Status)
		assert.True(t, d.Truncated)
		assert.Len(t, d.Tokens, maxDiscoveryPages)
		assert.Equal(t, int32(maxDiscoveryPages), idx.ownedCalls.Load())
	})

	t.Run("empty", func(t *testing.T) {
		svc := NewService(newFakeIndexer(), nil, nil, testConfig(), nil)
		d := svc.Discover(context.Background(), owner, nil)
		assert.Equal(t, DiscoveryEmpty, d.Status)
		assert.Empty(t, d.Tokens)
	})

	t.Run("exhaustion is failed not empty", func(t *testing.T) {
		idx := newFakeIndexer()
		idx.ownedErr = apperr.Timeout("owned-tokens")
		svc := NewService(idx, nil, nil, testConfig(), nil)

		d := svc.Discover(context.Background(), owner, nil)
		assert.Equal(t, DiscoveryFailed, d.Status)
		assert.Error(t, d.Err)
		assert.Equal(t, int32(5), idx.ownedCalls.Load())
	})

	t.Run("non-retryable failure is not retried", func(t *testing.T) {
		idx := newFakeIndexer()
		idx.ownedErr = apperr.Malformed("owned-tokens", "bad owner")
		svc := NewService(idx, nil, nil, testConfig(), nil)

		d := svc.Discover(context.Background(), owner, nil)
		assert.Equal(t, DiscoveryFailed, d.Status)
		assert.Equal(t, int32(1), idx.ownedCalls.Load())
	})
}

func TestResolve_OneTimeoutFailsOnlyThatToken(t *testing.T) {
	idx := newFakeIndexer()
	idx.pages[""] = &indexer.OwnedPage{Tokens: tokens(1, 2)}
	idx.metadata = func(id *big.Int) (*indexer.Metadata, error) {
		if id.Int64() == 2 {
			return nil, apperr.Timeout("token-metadata")
		}
		return named(id)
	}
	svc := NewService(idx, nil, nil, testConfig(), nil)

	res, err := svc.Resolve(context.Background(), owner, nil)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)

	assert.Equal(t, ItemResolved, res.Items[0].Status)
	assert.Equal(t, "Badge #1", res.Items[0].Badge.Title)
	assert.Equal(t, ItemFailed, res.Items[1].Status)
	assert.Equal(t, "timeout", res.Items[1].Reason)
	assert.Equal(t, 5, idx.calls(2))
	assert.Equal(t, 1, res.Resolved())
}

func TestResolve_PreservesDiscoveryOrder(t *testing.T) {
	idx := newFakeIndexer()
	idx.pages[""] = &indexer.OwnedPage{Tokens: tokens(5, 4, 3, 2, 1)}
	idx.metadata = func(id *big.Int) (*indexer.Metadata, error) {
		// later tokens finish first
		time.Sleep(time.Duration(id.Int64()) * time.Millisecond)
		return named(id)
	}
	cfg := testConfig()
	cfg.Concurrency = 3
	svc := NewService(idx, nil, nil, cfg, nil)

	res, err := svc.Resolve(context.Background(), owner, nil)
	require.NoError(t, err)
	var got []int64
	for _, it := range res.Items {
		got = append(got, it.TokenID.Int64())
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, got)
}

func TestResolve_FailureReasons(t *testing.T) {
	idx := newFakeIndexer()
	idx.pages[""] = &indexer.OwnedPage{Tokens: tokens(1, 2, 3)}
	idx.metadata = func(id *big.Int) (*indexer.Metadata, error) {
		switch id.Int64() {
		case 1:
			return nil, apperr.Malformed("parse-metadata", "malformed metadata: unexpected EOF")
		case 2:
			return nil, apperr.FromStatus("token-metadata", http.StatusTooManyRequests, "slow down")
		default:
			return nil, apperr.NotFound("token-metadata", "unknown token")
		}
	}
	svc := NewService(idx, nil, nil, testConfig(), nil)

	res, err := svc.Resolve(context.Background(), owner, nil)
	require.NoError(t, err)
	assert.Equal(t, "malformed metadata", res.Items[0].Reason)
	assert.Equal(t, "rate limited", res.Items[1].Reason)
	assert.Equal(t, "not found", res.Items[2].Reason)
	assert.Equal(t, 1, idx.calls(1), "malformed is not retried")
}

func TestResolve_FallsBackToTokenURI(t *testing.T) {
	idx := newFakeIndexer()
	idx.pages[""] = &indexer.OwnedPage{Tokens: tokens(7)}
	idx.metadata = func(*big.Int) (*indexer.Metadata, error) {
		return nil, apperr.NotFound("token-metadata", "not indexed")
	}
	idx.documents["ipfs://QmBadge7"] = &indexer.Metadata{Name: "Founding Member", MediaURL: "https://gw.example/7.png"}
	chain := &fakeChain{uris: map[string]string{"7": "ipfs://QmBadge7"}}
	svc := NewService(idx, chain, nil, testConfig(), nil)

	res, err := svc.Resolve(context.Background(), owner, nil)
	require.NoError(t, err)
	require.Equal(t, ItemResolved, res.Items[0].Status)
	assert.Equal(t, "Founding Member", res.Items[0].Badge.Title)
	assert.Equal(t, "https://gw.example/7.png", res.Items[0].Badge.ImageURL)
	assert.Equal(t, 1, idx.calls(7), "not found is not retried")
}

func TestResolve_DiscoveryFailure(t *testing.T) {
	idx := newFakeIndexer()
	idx.ownedErr = apperr.Transient("owned-tokens", errors.New("HTTP 502"))
	svc := NewService(idx, nil, nil, testConfig(), nil)

	res, err := svc.Resolve(context.Background(), owner, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.True(t, apperr.IsRetryable(err))
	require.NotNil(t, res)
	assert.Equal(t, DiscoveryFailed, res.Discovery.Status)
	assert.Empty(t, res.Items)
}

func TestResolve_PlaceholderImage(t *testing.T) {
	idx := newFakeIndexer()
	idx.pages[""] = &indexer.OwnedPage{Tokens: tokens(1, 2, 3)}
	idx.metadata = func(id *big.Int) (*indexer.Metadata, error) {
		switch id.Int64() {
		case 1:
			return &indexer.Metadata{Name: "no image"}, nil
		case 2:
			return &indexer.Metadata{Name: "dead image", Image: "https://dead.example/2.png"}, nil
		default:
			return &indexer.Metadata{Name: "media", Image: "https://img.example/3.png", MediaURL: "https://gw.example/3.png"}, nil
		}
	}
	cfg := testConfig()
	cfg.ProbeImages = true
	svc := NewService(idx, nil, nil, cfg, nil).WithProber(func(_ context.Context, url string) bool {
		return url != "https://dead.example/2.png"
	})

	res, err := svc.Resolve(context.Background(), owner, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPlaceholderImage, res.Items[0].Badge.ImageURL)
	assert.Equal(t, DefaultPlaceholderImage, res.Items[1].Badge.ImageURL)
	assert.Equal(t, "https://gw.example/3.png", res.Items[2].Badge.ImageURL)
}

func TestResolve_UsesCache(t *testing.T) {
	idx := newFakeIndexer()
	idx.pages[""] = &indexer.OwnedPage{Tokens: tokens(1)}
	idx.metadata = named
	svc := NewService(idx, nil, cache.NewMemory(16, time.Minute), testConfig(), nil)

	for range 3 {
		res, err := svc.Resolve(context.Background(), owner, &contract)
		require.NoError(t, err)
		assert.Equal(t, "Badge #1", res.Items[0].Badge.Title)
	}
	assert.Equal(t, 1, idx.calls(1))
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if r.URL.Path == "/missing.png" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	probe := HTTPProber(srv.Client())
	assert.True(t, probe(context.Background(), srv.URL+"/ok.png"))
	assert.False(t, probe(context.Background(), srv.URL+"/missing.png"))
	assert.False(t, probe(context.Background(), "http://127.0.0.1:1/unreachable.png"))
}
