package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

// Backend is the subset of ethclient.Client the bridge needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Client performs classified eth_call reads against one chain.
type Client struct {
	backend Backend
	closer  func()
}

// NewClient wraps an existing backend.
func NewClient(b Backend) *Client {
	return &Client{backend: b}
}

// Dial connects to the chain RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing chain RPC: %w", err)
	}
	return &Client{backend: c, closer: c.Close}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// CallContract executes a read-only call at the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, ClassifyCallError("eth_call", err)
	}
	return out, nil
}

// ChainID returns the connected chain's id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, ClassifyCallError("eth_chainId", err)
	}
	return id, nil
}

// FeeCaps returns EIP-1559 fee caps: the suggested tip and twice the latest
// base fee plus that tip.
func (c *Client) FeeCaps(ctx context.Context) (maxFee, maxPriority *big.Int, err error) {
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, ClassifyCallError("eth_maxPriorityFeePerGas", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, ClassifyCallError("eth_getBlockByNumber", err)
	}
	base := head.BaseFee
	if base == nil {
		base = new(big.Int)
	}
	maxFee = new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	return maxFee, tip, nil
}

// VerifyDeployment checks that contract code exists at addr, so a
// misconfigured address fails at startup instead of as NotFound reads.
func (c *Client) VerifyDeployment(ctx context.Context, addr common.Address) error {
	code, err := c.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return ClassifyCallError("eth_getCode", err)
	}
	if len(code) == 0 {
		return apperr.Fatal("verify deployment", fmt.Errorf("no contract code at %s", addr.Hex()))
	}
	return nil
}
