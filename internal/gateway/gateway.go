// Package gateway is the read/encode facade over the project registry and
// the badge collection contracts.
//
// Reads are retried on transient RPC failures; writes are only encoded here
// and handed to the operation dispatcher.
package gateway

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/chains"
	"github.com/pendergraft/campusbridge/internal/chains/evm"
	"github.com/pendergraft/campusbridge/internal/retry"
)

// Caller executes read-only contract calls. Errors must already be
// classified (see evm.ClassifyCallError).
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Config wires the gateway to its contracts.
type Config struct {
	Registry      common.Address
	Badge         common.Address
	RegistryABI   *chains.Binding
	BadgeABI      *chains.Binding
	Retry         retry.Policy
	MaxMembersCap uint64
}

// Gateway reads and encodes calls against the registry and badge contracts.
type Gateway struct {
	caller Caller
	cfg    Config
	logger *slog.Logger
}

// New creates a gateway. Both bindings are required.
func New(caller Caller, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.RegistryABI == nil || cfg.BadgeABI == nil {
		return nil, fmt.Errorf("gateway: registry and badge ABIs are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{caller: caller, cfg: cfg, logger: logger}, nil
}

// RegistryAddress returns the project registry contract address.
func (g *Gateway) RegistryAddress() common.Address { return g.cfg.Registry }

// BadgeAddress returns the badge collection contract address.
func (g *Gateway) BadgeAddress() common.Address { return g.cfg.Badge }

// call packs op, performs a retried eth_call and returns the raw output.
func (g *Gateway) call(ctx context.Context, b *chains.Binding, to common.Address, op string, args ...any) ([]byte, error) {
	data, err := b.Pack(op, args...)
	if err != nil {
		return nil, apperr.Fatal(op, fmt.Errorf("packing call: %w", err))
	}
	return retry.Do(ctx, g.cfg.Retry.Named(op), nil, func(ctx context.Context) ([]byte, error) {
		return g.caller.CallContract(ctx, to, data)
	})
}

// ReadProject fetches one project. A registry revert, a zero id or a zero
// owner in the answer is NotFound.
func (g *Gateway) ReadProject(ctx context.Context, id uint64) (*Project, error) {
	if id == 0 {
		return nil, apperr.Malformed(chains.OpReadProject, "project id must be at least 1")
	}

	out, err := g.call(ctx, g.cfg.RegistryABI, g.cfg.Registry, chains.OpReadProject, new(big.Int).SetUint64(id))
	if err != nil {
		if evm.IsRevert(err) {
			return nil, apperr.NotFound(chains.OpReadProject, "project %d", id)
		}
		return nil, err
	}

	m, err := g.cfg.RegistryABI.Method(chains.OpReadProject)
	if err != nil {
		return nil, apperr.Fatal(chains.OpReadProject, err)
	}
	p, err := decodeProject(m, out)
	if err != nil {
		return nil, apperr.Fatal(chains.OpReadProject, err)
	}
	if p.ID == 0 || p.Owner == (common.Address{}) {
		return nil, apperr.NotFound(chains.OpReadProject, "project %d", id)
	}
	if p.MaxMembers == 0 {
		return nil, apperr.Fatal(chains.OpReadProject, fmt.Errorf("project %d has no member cap", id))
	}
	if uint64(len(p.Members)) > p.MaxMembers {
		return nil, apperr.Fatal(chains.OpReadProject,
			fmt.Errorf("project %d has %d members, cap is %d", id, len(p.Members), p.MaxMembers))
	}
	return p, nil
}

// ListProjectsOwnedBy lazily yields the projects owned by owner. The id list
// is fetched when iteration starts, each project as it is yielded.
// Projects that no longer exist are skipped.
func (g *Gateway) ListProjectsOwnedBy(ctx context.Context, owner common.Address) iter.Seq2[*Project, error] {
	return func(yield func(*Project, error) bool) {
		out, err := g.call(ctx, g.cfg.RegistryABI, g.cfg.Registry, chains.OpProjectsOwnedBy, owner)
		if err != nil {
			yield(nil, err)
			return
		}
		values, err := g.cfg.RegistryABI.Unpack(chains.OpProjectsOwnedBy, out)
		if err != nil || len(values) != 1 {
			yield(nil, apperr.Fatal(chains.OpProjectsOwnedBy, fmt.Errorf("decoding id list: %v", err)))
			return
		}
		ids, ok := values[0].([]*big.Int)
		if !ok {
			yield(nil, apperr.Fatal(chains.OpProjectsOwnedBy, fmt.Errorf("id list has type %T", values[0])))
			return
		}

		for _, id := range ids {
			if !id.IsUint64() {
				continue
			}
			if !g.yieldProject(ctx, id.Uint64(), yield) {
				return
			}
		}
	}
}

// ListAllProjects lazily yields every project in id order, skipping ids
// whose project was deleted.
func (g *Gateway) ListAllProjects(ctx context.Context) iter.Seq2[*Project, error] {
	return func(yield func(*Project, error) bool) {
		out, err := g.call(ctx, g.cfg.RegistryABI, g.cfg.Registry, chains.OpProjectCount)
		if err != nil {
			yield(nil, err)
			return
		}
		values, err := g.cfg.RegistryABI.Unpack(chains.OpProjectCount, out)
		if err != nil || len(values) != 1 {
			yield(nil, apperr.Fatal(chains.OpProjectCount, fmt.Errorf("decoding count: %v", err)))
			return
		}
		count, ok := values[0].(*big.Int)
		if !ok || !count.IsUint64() {
			yield(nil, apperr.Fatal(chains.OpProjectCount, fmt.Errorf("unexpected count %v", values[0])))
			return
		}

		for id := uint64(1); id <= count.Uint64(); id++ {
			if !g.yieldProject(ctx, id, yield) {
				return
			}
		}
	}
}

// yieldProject reads id and yields it; it reports whether iteration continues.
func (g *Gateway) yieldProject(ctx context.Context, id uint64, yield func(*Project, error) bool) bool {
	if err := ctx.Err(); err != nil {
		yield(nil, err)
		return false
	}
	p, err := g.ReadProject(ctx, id)
	if apperr.KindOf(err) == apperr.KindNotFound {
		g.logger.Debug("skipping missing project", "id", id)
		return true
	}
	if err != nil {
		return yield(nil, err)
	}
	return yield(p, nil)
}

// ResolveTokenURI returns the metadata URI of a badge token.
func (g *Gateway) ResolveTokenURI(ctx context.Context, contract common.Address, tokenID *big.Int) (string, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return "", apperr.Malformed(chains.OpTokenURI, "invalid token id")
	}
	out, err := g.call(ctx, g.cfg.BadgeABI, contract, chains.OpTokenURI, tokenID)
	if err != nil {
		if evm.IsRevert(err) {
			return "", apperr.NotFound(chains.OpTokenURI, "token %s on %s", tokenID, contract.Hex())
		}
		return "", err
	}
	values, err := g.cfg.BadgeABI.Unpack(chains.OpTokenURI, out)
	if err != nil || len(values) != 1 {
		return "", apperr.Fatal(chains.OpTokenURI, fmt.Errorf("decoding token URI: %v", err))
	}
	uri, _ := values[0].(string)
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", apperr.NotFound(chains.OpTokenURI, "token %s on %s has no URI", tokenID, contract.Hex())
	}
	return uri, nil
}
