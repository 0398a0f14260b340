package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

// Pinata pins content to IPFS through the Pinata API and reads it back
// through a gateway.
type Pinata struct {
	jwt        string
	apiURL     string
	gateway    string
	maxBytes   int
	httpClient *http.Client
}

// PinataOption configures a Pinata store
type PinataOption func(*Pinata)

// WithAPIURL overrides the Pinata API base URL.
func WithAPIURL(u string) PinataOption {
	return func(p *Pinata) {
		if u != "" {
			p.apiURL = strings.TrimRight(u, "/")
		}
	}
}

// WithGateway overrides the IPFS gateway used for reads.
func WithGateway(u string) PinataOption {
	return func(p *Pinata) {
		if u != "" {
			p.gateway = strings.TrimRight(u, "/")
		}
	}
}

// WithPinataHTTPClient sets a custom HTTP client
func WithPinataHTTPClient(c *http.Client) PinataOption {
	return func(p *Pinata) {
		p.httpClient = c
	}
}

// NewPinata creates a Pinata store authenticating with a JWT.
func NewPinata(jwt string, maxBytes int, opts ...PinataOption) *Pinata {
	p := &Pinata{
		jwt:      jwt,
		apiURL:   "https://api.pinata.cloud",
		gateway:  "https://gateway.pinata.cloud",
		maxBytes: maxBytes,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pinata) Name() string  { return "pinata" }
func (p *Pinata) MaxBytes() int { return p.maxBytes }

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
	PinSize  int    `json:"PinSize"`
}

// Put uploads data with pinFileToIPFS and returns the CIDv0 Pinata
// computed. It differs from Reference because IPFS wraps file content.
func (p *Pinata) Put(ctx context.Context, data []byte) (string, error) {
	const op = "pinata-put"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "proposal.json")
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("writing form file: %w", err)
	}
	if err := mw.WriteField("pinataOptions", `{"cidVersion":0}`); err != nil {
		return "", fmt.Errorf("writing pin options: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.jwt)

	respBody, err := p.do(op, req)
	if err != nil {
		return "", err
	}

	var pin pinResponse
	if err := json.Unmarshal(respBody, &pin); err != nil {
		return "", apperr.Transient(op, fmt.Errorf("decoding pin response: %w", err))
	}
	if pin.IpfsHash == "" {
		return "", apperr.Transient(op, errors.New("pin response has no IpfsHash"))
	}
	return pin.IpfsHash, nil
}

// Get reads content from the gateway.
func (p *Pinata) Get(ctx context.Context, ref string) ([]byte, error) {
	const op = "pinata-get"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.gateway+"/ipfs/"+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return p.do(op, req)
}

func (p *Pinata) do(op string, req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	limit := int64(p.maxBytes)
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if int64(len(body)) > limit {
		return nil, apperr.Fatal(op, fmt.Errorf("%w: response over %d bytes", apperr.ErrTooLarge, limit))
	}
	return body, nil
}

func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperr.Timeout(op)
	}
	return apperr.Transient(op, err)
}
