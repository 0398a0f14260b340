// Package indexer is a client for the NFT indexing API used to discover
// badges and fetch their metadata.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/chains/evm"
)

// maxDocumentBytes caps metadata documents fetched from token URIs.
const maxDocumentBytes = 1 << 20

// Client talks to the indexing API.
type Client struct {
	endpoint    string
	apiKey      string
	ipfsGateway string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
// rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(client *Client) {
		if rps <= 0 {
			client.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithIPFSGateway sets the gateway ipfs:// URIs are rewritten to.
func WithIPFSGateway(gateway string) Option {
	return func(client *Client) {
		client.ipfsGateway = strings.TrimRight(gateway, "/")
	}
}

// New creates a new indexer client
func New(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		apiKey:      apiKey,
		ipfsGateway: "https://ipfs.io",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OwnedToken is one token held by an owner.
type OwnedToken struct {
	Contract common.Address
	TokenID  *big.Int
}

// OwnedPage is one page of an owned-tokens listing.
type OwnedPage struct {
	Tokens  []OwnedToken
	PageKey string
}

type ownedResponse struct {
	OwnedNfts []struct {
		Contract struct {
			Address string `json:"address"`
		} `json:"contract"`
		ID struct {
			TokenID string `json:"tokenId"`
		} `json:"id"`
	} `json:"ownedNfts"`
	PageKey string `json:"pageKey"`
}

// OwnedTokens returns one page of tokens held by owner, optionally limited
// to one contract. An empty pageKey requests the first page.
func (c *Client) OwnedTokens(ctx context.Context, owner common.Address, contract *common.Address, pageKey string) (*OwnedPage, error) {
	const op = "owned-tokens"
	q := url.Values{}
	q.Set("owner", owner.Hex())
	if contract != nil {
		q.Set("contract", contract.Hex())
	}
	if pageKey != "" {
		q.Set("pageKey", pageKey)
	}

	var resp ownedResponse
	if err := c.getJSON(ctx, op, c.endpoint+"/owned-tokens?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	page := &OwnedPage{PageKey: resp.PageKey, Tokens: make([]OwnedToken, 0, len(resp.OwnedNfts))}
	for _, n := range resp.OwnedNfts {
		addr, err := evm.ParseAddress(n.Contract.Address)
		if err != nil {
			return nil, apperr.Malformed(op, "token contract %q: %v", n.Contract.Address, err)
		}
		id, err := evm.ParseTokenID(n.ID.TokenID)
		if err != nil {
			return nil, apperr.Malformed(op, "token id %q: %v", n.ID.TokenID, err)
		}
		page.Tokens = append(page.Tokens, OwnedToken{Contract: addr, TokenID: id})
	}
	return page, nil
}

// TokenMetadata fetches indexed metadata for one token.
func (c *Client) TokenMetadata(ctx context.Context, contract common.Address, tokenID *big.Int) (*Metadata, error) {
	const op = "token-metadata"
	q := url.Values{}
	q.Set("contract", contract.Hex())
	q.Set("tokenId", tokenID.String())

	body, err := c.fetch(ctx, op, c.endpoint+"/token-metadata?"+q.Encode(), true)
	if err != nil {
		return nil, err
	}
	return ParseMetadata(body)
}

// FetchDocument fetches a metadata document from a token URI. ipfs:// URIs
// are rewritten to the configured gateway.
func (c *Client) FetchDocument(ctx context.Context, uri string) (*Metadata, error) {
	const op = "fetch-document"
	target, err := c.ResolveURI(uri)
	if err != nil {
		return nil, err
	}
	body, err := c.fetch(ctx, op, target, false)
	if err != nil {
		return nil, err
	}
	return ParseMetadata(body)
}

// ResolveURI turns a token or image URI into a fetchable http(s) URL.
func (c *Client) ResolveURI(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(uri, "ipfs://"):
		path := strings.TrimPrefix(uri, "ipfs://")
		path = strings.TrimPrefix(path, "ipfs/")
		if path == "" {
			return "", apperr.Malformed("resolve-uri", "empty ipfs uri")
		}
		return c.ipfsGateway + "/ipfs/" + path, nil
	case strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "http://"):
		return uri, nil
	default:
		return "", apperr.Malformed("resolve-uri", "unsupported uri %q", uri)
	}
}

func (c *Client) getJSON(ctx context.Context, op, target string, result any) error {
	body, err := c.fetch(ctx, op, target, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return apperr.Malformed(op, "decoding response: %v", err)
	}
	return nil
}

// fetch performs one throttled GET and classifies every failure.
func (c *Client) fetch(ctx context.Context, op, target string, authed bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, classifyTransportError(op, ctxErr)
			}
			// The wait would outlast the deadline.
			return nil, apperr.Transient(op, fmt.Errorf("%w: client throttle", apperr.ErrRateLimited))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperr.Malformed(op, "building request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if authed && c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.FromStatus(op, resp.StatusCode, errorMessage(body))
	}
	if len(body) > maxDocumentBytes {
		return nil, apperr.Malformed(op, "response exceeds %d bytes", maxDocumentBytes)
	}
	return body, nil
}

func classifyTransportError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.E(apperr.KindTransient, op, fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.E(apperr.KindTransient, op, fmt.Errorf("%w: %v", apperr.ErrTimeout, err))
	}
	return apperr.Transient(op, err)
}

// errorMessage extracts a short message from an error body.
func errorMessage(body []byte) string {
	var e struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch v := e.Error.(type) {
		case string:
			return v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				return m
			}
		}
		if e.Message != "" {
			return e.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
