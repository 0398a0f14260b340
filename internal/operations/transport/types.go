package transport

import (
	"encoding/json"

	"github.com/pendergraft/campusbridge/internal/operations/domain"
)

// DispatchRequest is the body of POST /api/v1/operations.
type DispatchRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// CastVoteParams are the params of a cast-vote action.
type CastVoteParams struct {
	ProposalID uint64 `json:"proposalId"`
	Choice     string `json:"choice"`
}

// RequestJoinParams are the params of a request-join action.
type RequestJoinParams struct {
	ProjectID uint64 `json:"projectId"`
}

// RegisterProposalParams are the params of a register-proposal action.
type RegisterProposalParams struct {
	ProjectID uint64 `json:"projectId"`
	Reference string `json:"reference"`
}

// ListResponse is one page of receipts.
type ListResponse struct {
	Data       []domain.Receipt `json:"data"`
	Pagination Pagination       `json:"pagination"`
}

// Pagination describes the cursor state of a list response.
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}
