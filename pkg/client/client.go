// Package client provides a Go client for the campusbridge API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a campusbridge API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithUserAgent sets the User-Agent header sent with every request
func WithUserAgent(ua string) Option {
	return func(client *Client) {
		client.userAgent = ua
	}
}

// New creates a new campusbridge client
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		// dispatch waits for confirmation, which can take minutes
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Info describes the deployment a bridge is bound to
type Info struct {
	Service      string `json:"service"`
	Version      string `json:"version"`
	ChainID      int64  `json:"chainId"`
	Registry     string `json:"registry"`
	Badge        string `json:"badge"`
	Account      string `json:"account,omitempty"`
	ContentStore string `json:"contentStore"`
}

// Project is a registry project
type Project struct {
	ID             uint64    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Expectations   string    `json:"expectations"`
	TechStack      string    `json:"techStack"`
	RepositoryLink string    `json:"repositoryLink"`
	Owner          string    `json:"owner"`
	Members        []string  `json:"members"`
	MaxMembers     uint64    `json:"maxMembers"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ProjectFields are the fields of a project to create
type ProjectFields struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Expectations   string `json:"expectations"`
	TechStack      string `json:"techStack"`
	RepositoryLink string `json:"repositoryLink"`
	MaxMembers     uint64 `json:"maxMembers"`
}

// ProjectQuery filters and pages a project listing
type ProjectQuery struct {
	Owner  string
	Limit  int
	Cursor string
}

// ProjectPage is one page of projects
type ProjectPage struct {
	Data       []Project  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Membership answers whether an address belongs to a project
type Membership struct {
	ProjectID uint64 `json:"projectId"`
	Address   string `json:"address"`
	Member    bool   `json:"member"`
	Owner     bool   `json:"owner"`
}

// TokenURI is a badge token's metadata URI
type TokenURI struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	URI      string `json:"uri"`
}

// Attribute is one badge trait
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Badge is the display form of one held token
type Badge struct {
	TokenID     json.Number `json:"tokenId"`
	Contract    string      `json:"contract"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	ImageURL    string      `json:"imageUrl"`
	Attributes  []Attribute `json:"attributes"`
}

// BadgeItem is one token's resolution outcome
type BadgeItem struct {
	Contract string      `json:"contract"`
	TokenID  json.Number `json:"tokenId"`
	Status   string      `json:"status"`
	Badge    *Badge      `json:"badge,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// Badges is an owner's resolved badges
type Badges struct {
	Owner     string `json:"owner"`
	Discovery struct {
		Status    string `json:"status"`
		Tokens    int    `json:"tokens"`
		Truncated bool   `json:"truncated,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"discovery"`
	Items []BadgeItem `json:"items"`
}

// Published is the outcome of a proposal publish
type Published struct {
	Reference string `json:"reference"`
	Digest    string `json:"digest"`
	Backend   string `json:"backend"`
	Size      int    `json:"size"`
	Existing  bool   `json:"existing"`
}

// Receipt is the ledger view of a dispatched operation
type Receipt struct {
	Token       string    `json:"token"`
	Action      string    `json:"action"`
	State       string    `json:"state"`
	Handle      string    `json:"handle,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submittedAt,omitzero"`
	FinishedAt  time.Time `json:"finishedAt,omitzero"`
}

// OperationQuery filters and pages a receipt listing
type OperationQuery struct {
	State  string
	Action string
	Limit  int
	Cursor string
}

// ReceiptPage is one page of receipts
type ReceiptPage struct {
	Data       []Receipt  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// DispatchRequest names an action and its parameters
type DispatchRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
}

// Pagination contains pagination info
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Info returns the bridge's deployment description
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var resp Info
	if err := c.get(ctx, "/api/v1/info", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListProjects lists registry projects
func (c *Client) ListProjects(ctx context.Context, q ProjectQuery) (*ProjectPage, error) {
	params := url.Values{}
	setParam(params, "owner", q.Owner)
	setParam(params, "cursor", q.Cursor)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var resp ProjectPage
	if err := c.get(ctx, withQuery("/api/v1/projects", params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProject gets a project by id
func (c *Client) GetProject(ctx context.Context, id uint64) (*Project, error) {
	var resp Project
	if err := c.get(ctx, "/api/v1/projects/"+strconv.FormatUint(id, 10), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Membership reports whether address belongs to project id
func (c *Client) Membership(ctx context.Context, id uint64, address string) (*Membership, error) {
	var resp Membership
	path := fmt.Sprintf("/api/v1/projects/%d/members/%s", id, url.PathEscape(address))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TokenURI gets a badge token's metadata URI
func (c *Client) TokenURI(ctx context.Context, contract, tokenID string) (*TokenURI, error) {
	var resp TokenURI
	path := fmt.Sprintf("/api/v1/tokens/%s/%s/uri", url.PathEscape(contract), url.PathEscape(tokenID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Badges resolves every badge owner holds, optionally from one contract
func (c *Client) Badges(ctx context.Context, owner, contract string) (*Badges, error) {
	params := url.Values{}
	setParam(params, "contract", contract)

	var resp Badges
	if err := c.get(ctx, withQuery("/api/v1/badges/"+url.PathEscape(owner), params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PublishProposal publishes a proposal document. doc is any value that
// encodes to the document's JSON object.
func (c *Client) PublishProposal(ctx context.Context, doc any) (*Published, error) {
	var resp Published
	if err := c.post(ctx, "/api/v1/proposals", doc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProposal fetches a published proposal document by reference
func (c *Client) GetProposal(ctx context.Context, ref string) (map[string]any, error) {
	var resp map[string]any
	if err := c.get(ctx, "/api/v1/proposals/"+url.PathEscape(ref), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Dispatch submits an operation. With wait unset the server returns as soon
// as the operation has a token; poll Receipt for the outcome.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest, wait bool) (*Receipt, error) {
	path := "/api/v1/operations"
	if !wait {
		path += "?wait=false"
	}
	var resp Receipt
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Receipt gets an operation's receipt by token
func (c *Client) Receipt(ctx context.Context, token string) (*Receipt, error) {
	var resp Receipt
	if err := c.get(ctx, "/api/v1/operations/"+url.PathEscape(token), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOperations lists ledger receipts
func (c *Client) ListOperations(ctx context.Context, q OperationQuery) (*ReceiptPage, error) {
	params := url.Values{}
	setParam(params, "state", q.State)
	setParam(params, "action", q.Action)
	setParam(params, "cursor", q.Cursor)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var resp ReceiptPage
	if err := c.get(ctx, withQuery("/api/v1/operations", params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks that the server is up
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

func setParam(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}

	if result != nil {
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		return dec.Decode(result)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) parseError(resp *http.Response) error {
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: resp.Status}
	}
	errResp.Error.Status = resp.StatusCode
	return &errResp.Error
}
