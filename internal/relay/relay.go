// Package relay submits operations through the bridge's smart account via an
// ERC-4337 bundler.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/chains/evm"
	"github.com/pendergraft/campusbridge/internal/retry"
)

const lightAccountABI = `[
  {"type":"function","name":"execute","stateMutability":"nonpayable",
   "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],
   "outputs":[]}
]`

const entryPointABI = `[
  {"type":"function","name":"getNonce","stateMutability":"view",
   "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
   "outputs":[{"name":"nonce","type":"uint256"}]}
]`

// dummySignature has the shape of a LightAccount owner signature so gas
// estimation runs signature validation at realistic cost.
var dummySignature = hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

var (
	parsedAccountABI    = mustParseABI(lightAccountABI)
	parsedEntryPointABI = mustParseABI(entryPointABI)
)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// RPCCaller is the JSON-RPC surface of the bundler.
type RPCCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// ChainReader reads the chain state needed to build an operation.
type ChainReader interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	FeeCaps(ctx context.Context) (maxFee, maxPriority *big.Int, err error)
}

// Config identifies the smart account and the EntryPoint it uses.
type Config struct {
	EntryPoint common.Address
	Account    common.Address
	// ChainID is read from the chain when nil.
	ChainID *big.Int
	Retry   retry.Policy
}

// State is the relay's view of a submitted operation.
type State string

const (
	StatePending  State = "pending"
	StateIncluded State = "included"
	StateFailed   State = "failed"
	StateNotFound State = "not_found"
)

// Status reports where a submitted operation stands.
type Status struct {
	State  State
	TxHash common.Hash
	Reason string
}

// Relay builds, signs, submits and tracks user operations.
type Relay struct {
	bundler RPCCaller
	chain   ChainReader
	signer  Signer
	cfg     Config
	logger  *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

// New creates a relay.
func New(bundler RPCCaller, chain ChainReader, signer Signer, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bundler: bundler,
		chain:   chain,
		signer:  signer,
		cfg:     cfg,
		logger:  logger,
		chainID: cfg.ChainID,
	}
}

// DialBundler connects to the bundler JSON-RPC endpoint.
func DialBundler(ctx context.Context, url string) (*rpc.Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing bundler: %w", err)
	}
	return c, nil
}

// Account returns the smart account address operations are sent from.
func (r *Relay) Account() common.Address { return r.cfg.Account }

// Build assembles and signs a user operation executing (target, value, data)
// from the smart account. It returns the operation and its hash.
func (r *Relay) Build(ctx context.Context, target common.Address, value *big.Int, data []byte) (*UserOperation, common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}
	callData, err := parsedAccountABI.Pack("execute", target, value, data)
	if err != nil {
		return nil, common.Hash{}, apperr.Fatal("build", fmt.Errorf("encoding execute: %w", err))
	}

	chainID, err := r.loadChainID(ctx)
	if err != nil {
		return nil, common.Hash{}, err
	}
	nonce, err := r.nonce(ctx)
	if err != nil {
		return nil, common.Hash{}, err
	}
	fees, err := retry.Do(ctx, r.cfg.Retry.Named("fee caps"), nil, func(ctx context.Context) ([2]*big.Int, error) {
		maxFee, tip, err := r.chain.FeeCaps(ctx)
		return [2]*big.Int{maxFee, tip}, err
	})
	if err != nil {
		return nil, common.Hash{}, err
	}

	op := &UserOperation{
		Sender:               r.cfg.Account,
		Nonce:                hexBig(nonce),
		InitCode:             hexutil.Bytes{},
		CallData:             callData,
		MaxFeePerGas:         hexBig(fees[0]),
		MaxPriorityFeePerGas: hexBig(fees[1]),
		PaymasterAndData:     hexutil.Bytes{},
		Signature:            dummySignature,
	}

	est, err := retry.Do(ctx, r.cfg.Retry.Named("eth_estimateUserOperationGas"), nil, func(ctx context.Context) (*GasEstimate, error) {
		var est GasEstimate
		err := r.bundler.CallContext(ctx, &est, "eth_estimateUserOperationGas", op, r.cfg.EntryPoint)
		return &est, evm.ClassifyCallError("eth_estimateUserOperationGas", err)
	})
	if err != nil {
		return nil, common.Hash{}, err
	}
	op.CallGasLimit = hexBig(bigOf(est.CallGasLimit))
	op.VerificationGasLimit = hexBig(bigOf(est.VerificationGasLimit))
	op.PreVerificationGas = hexBig(bigOf(est.PreVerificationGas))

	hash, err := op.Hash(r.cfg.EntryPoint, chainID)
	if err != nil {
		return nil, common.Hash{}, apperr.Fatal("build", err)
	}
	sig, err := r.signer.SignUserOpHash(ctx, hash)
	if err != nil {
		return nil, common.Hash{}, apperr.Fatal("sign", err)
	}
	op.Signature = sig
	return op, hash, nil
}

// Send submits op once. Errors are classified so callers can tell a request
// that never arrived (IsNotDelivered) from an explicit refusal (IsRejected)
// and from an ambiguous outcome.
func (r *Relay) Send(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var hash common.Hash
	if err := r.bundler.CallContext(ctx, &hash, "eth_sendUserOperation", op, r.cfg.EntryPoint); err != nil {
		return common.Hash{}, classifySendError(err)
	}
	return hash, nil
}

// Status looks up a submitted operation.
func (r *Relay) Status(ctx context.Context, hash common.Hash) (*Status, error) {
	var receipt *OperationReceipt
	if err := r.bundler.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, evm.ClassifyCallError("eth_getUserOperationReceipt", err)
	}
	if receipt != nil {
		if receipt.Success {
			return &Status{State: StateIncluded, TxHash: receipt.Receipt.TransactionHash}, nil
		}
		reason := receipt.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		return &Status{State: StateFailed, TxHash: receipt.Receipt.TransactionHash, Reason: reason}, nil
	}

	var pending json.RawMessage
	if err := r.bundler.CallContext(ctx, &pending, "eth_getUserOperationByHash", hash); err != nil {
		return nil, evm.ClassifyCallError("eth_getUserOperationByHash", err)
	}
	if len(pending) == 0 || string(pending) == "null" {
		return &Status{State: StateNotFound}, nil
	}
	return &Status{State: StatePending}, nil
}

func (r *Relay) nonce(ctx context.Context) (*big.Int, error) {
	data, err := parsedEntryPointABI.Pack("getNonce", r.cfg.Account, new(big.Int))
	if err != nil {
		return nil, apperr.Fatal("getNonce", err)
	}
	out, err := retry.Do(ctx, r.cfg.Retry.Named("getNonce"), nil, func(ctx context.Context) ([]byte, error) {
		return r.chain.CallContract(ctx, r.cfg.EntryPoint, data)
	})
	if err != nil {
		return nil, err
	}
	values, err := parsedEntryPointABI.Unpack("getNonce", out)
	if err != nil || len(values) != 1 {
		return nil, apperr.Fatal("getNonce", fmt.Errorf("decoding nonce: %v", err))
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, apperr.Fatal("getNonce", fmt.Errorf("nonce has type %T", values[0]))
	}
	return n, nil
}

func (r *Relay) loadChainID(ctx context.Context) (*big.Int, error) {
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	if r.chainID != nil {
		return r.chainID, nil
	}
	id, err := retry.Do(ctx, r.cfg.Retry.Named("eth_chainId"), nil, r.chain.ChainID)
	if err != nil {
		return nil, err
	}
	r.chainID = id
	return id, nil
}
