package gateway

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/chains"
	"github.com/pendergraft/campusbridge/internal/validation"
)

// EncodeCreateProject validates fields and encodes a createProject call.
func (g *Gateway) EncodeCreateProject(f ProjectFields) (*OperationRequest, error) {
	const op = chains.OpCreateProject
	f.Title = strings.TrimSpace(f.Title)
	f.RepositoryLink = strings.TrimSpace(f.RepositoryLink)

	if err := validation.ValidateTitle(f.Title); err != nil {
		return nil, apperr.E(apperr.KindMalformed, op, err)
	}
	for name, text := range map[string]string{
		"description":  f.Description,
		"expectations": f.Expectations,
		"techStack":    f.TechStack,
	} {
		if err := validation.ValidateDescription(name, text); err != nil {
			return nil, apperr.E(apperr.KindMalformed, op, err)
		}
	}
	if err := validation.ValidateMaxMembers(f.MaxMembers, g.cfg.MaxMembersCap); err != nil {
		return nil, apperr.E(apperr.KindMalformed, op, err)
	}
	if err := validation.ValidateRepositoryLink(f.RepositoryLink); err != nil {
		return nil, apperr.E(apperr.KindMalformed, op, err)
	}

	return g.encode(ActionCreateProject, op,
		f.Title, f.Description, f.Expectations, f.TechStack, f.RepositoryLink,
		new(big.Int).SetUint64(f.MaxMembers))
}

// EncodeCastVote encodes a yes/no vote on a proposal.
func (g *Gateway) EncodeCastVote(proposalID uint64, choice VoteChoice) (*OperationRequest, error) {
	const op = chains.OpCastVote
	if proposalID == 0 {
		return nil, apperr.Malformed(op, "proposal id must be at least 1")
	}
	var support bool
	switch choice {
	case VoteYes:
		support = true
	case VoteNo:
	default:
		return nil, apperr.Malformed(op, "invalid vote choice %q: must be yes or no", choice)
	}
	return g.encode(ActionCastVote, op, new(big.Int).SetUint64(proposalID), support)
}

// EncodeRequestJoin encodes a request to join a project.
func (g *Gateway) EncodeRequestJoin(projectID uint64) (*OperationRequest, error) {
	const op = chains.OpRequestJoin
	if projectID == 0 {
		return nil, apperr.Malformed(op, "project id must be at least 1")
	}
	return g.encode(ActionRequestJoin, op, new(big.Int).SetUint64(projectID))
}

// EncodeRegisterProposal encodes the on-chain registration of published
// proposal content.
func (g *Gateway) EncodeRegisterProposal(projectID uint64, ref string) (*OperationRequest, error) {
	const op = chains.OpRegisterProposal
	if projectID == 0 {
		return nil, apperr.Malformed(op, "project id must be at least 1")
	}
	if err := validation.ValidateContentReference(ref); err != nil {
		return nil, apperr.E(apperr.KindMalformed, op, err)
	}
	return g.encode(ActionRegisterProposal, op, new(big.Int).SetUint64(projectID), ref)
}

func (g *Gateway) encode(action Action, op string, args ...any) (*OperationRequest, error) {
	data, err := g.cfg.RegistryABI.Pack(op, args...)
	if err != nil {
		return nil, apperr.Fatal(op, fmt.Errorf("registry ABI %s: %w", g.cfg.RegistryABI.Version, err))
	}
	return &OperationRequest{
		Action:   action,
		Target:   g.cfg.Registry,
		CallData: data,
		Value:    new(big.Int),
	}, nil
}
