package gateway

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Project is one registry entry as seen by the dashboard.
type Project struct {
	ID             uint64           `json:"id"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Expectations   string           `json:"expectations"`
	TechStack      string           `json:"techStack"`
	RepositoryLink string           `json:"repositoryLink"`
	Owner          common.Address   `json:"owner"`
	Members        []common.Address `json:"members"`
	MaxMembers     uint64           `json:"maxMembers"`
	IsActive       bool             `json:"isActive"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// IsMember reports whether addr belongs to the project.
func (p *Project) IsMember(addr common.Address) bool {
	for _, m := range p.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// ProjectFields are the caller-supplied fields of a new project.
type ProjectFields struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Expectations   string `json:"expectations"`
	TechStack      string `json:"techStack"`
	RepositoryLink string `json:"repositoryLink"`
	MaxMembers     uint64 `json:"maxMembers"`
}

// VoteChoice is a yes/no vote.
type VoteChoice string

const (
	VoteYes VoteChoice = "yes"
	VoteNo  VoteChoice = "no"
)

// Action names a state-changing operation.
type Action string

const (
	ActionCreateProject    Action = "create-project"
	ActionCastVote         Action = "cast-vote"
	ActionRequestJoin      Action = "request-join"
	ActionRegisterProposal Action = "register-proposal"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreateProject, ActionCastVote, ActionRequestJoin, ActionRegisterProposal:
		return true
	}
	return false
}

// OperationRequest is an encoded, not yet submitted write.
type OperationRequest struct {
	Action   Action
	Target   common.Address
	CallData []byte
	Value    *big.Int
}
