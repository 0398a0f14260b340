package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/campusbridge/internal/apperr"
	badgesDomain "github.com/pendergraft/campusbridge/internal/badges/domain"
	"github.com/pendergraft/campusbridge/internal/config"
	proposalsDomain "github.com/pendergraft/campusbridge/internal/proposals/domain"
)

type stubBadges struct{}

func (stubBadges) Discover(ctx context.Context, owner common.Address, contract *common.Address) badgesDomain.Discovery {
	return badgesDomain.Discovery{Status: badgesDomain.DiscoveryEmpty}
}

func (stubBadges) Resolve(ctx context.Context, owner common.Address, contract *common.Address) (*badgesDomain.Resolution, error) {
	return &badgesDomain.Resolution{
		Owner:     owner,
		Discovery: badgesDomain.Discovery{Status: badgesDomain.DiscoveryEmpty},
		Items:     []badgesDomain.Item{},
	}, nil
}

type stubProposals struct {
	published int
}

func (s *stubProposals) Publish(ctx context.Context, doc proposalsDomain.Document) (*proposalsDomain.Published, error) {
	s.published++
	return &proposalsDomain.Published{Reference: "QmRef", Digest: "abc", Backend: "memory", Size: 10}, nil
}

func (s *stubProposals) Resolve(ctx context.Context, ref string) (*proposalsDomain.Document, error) {
	return nil, apperr.NotFound("proposal", "no content for %s", ref)
}

func testConfig() *config.Config {
	return &config.Config{
		Content: config.ContentConfig{MaxBytes: 1 << 20},
		Metrics: config.MetricsConfig{ServiceName: "campusbridge"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *stubProposals) {
	t.Helper()
	proposals := &stubProposals{}
	srv := New(cfg, Services{
		Badges:    stubBadges{},
		Proposals: proposals,
		Info:      Info{Service: "campusbridge", Version: "test", ChainID: 31337, ContentStore: "memory"},
	}, nil)
	t.Cleanup(srv.Close)
	return srv, proposals
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
		})
	}
}

func TestInfo(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var info Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, int64(31337), info.ChainID)
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestUnconfiguredServicesAreNotRouted(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/operations", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadgesRoute(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/badges/0x00000000000000000000000000000000000000aa", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"empty"`)
}

func TestProposalWritesRequireJSON(t *testing.T) {
	srv, proposals := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proposals", strings.NewReader(`{"title":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Zero(t, proposals.published)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/proposals",
		strings.NewReader(`{"title":"Solar","description":"Panels","repositoryLink":"https://github.com/a/b"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, proposals.published)
}

func TestProposalReadError(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/proposals/QmMissing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Content.MaxBytes = 10
	srv, proposals := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proposals", strings.NewReader(strings.Repeat("x", bodySlack+100)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, proposals.published)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, BurstSize: 1}
	srv, _ := newTestServer(t, cfg)

	get := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "198.51.100.7:4000"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/v1/info"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/v1/info"))
	assert.Equal(t, http.StatusOK, get("/health"))
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/proposals", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRetryPolicy(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p := retryPolicy(config.RetryConfig{MaxAttempts: 7, InitialDelay: time.Second}, logger)
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
	require.NotNil(t, p.OnRetry)

	p.OnRetry("eth_call", 2, errors.New("connection reset"), time.Second)
	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, "msg=retrying")
	assert.Contains(t, out, "op=eth_call")
	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "connection reset")
}
