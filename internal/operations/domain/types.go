package domain

import (
	"time"

	"github.com/pendergraft/campusbridge/internal/gateway"
)

// State is the lifecycle position of a dispatched operation.
type State string

const (
	StateBuilt      State = "built"
	StateSubmitting State = "submitting"
	StateConfirmed  State = "confirmed"
	StateRejected   State = "rejected"
	StateDropped    State = "dropped"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateRejected || s == StateDropped
}

// Pending reports whether the operation is still in progress.
func (s State) Pending() bool {
	return s == StateBuilt || s == StateSubmitting
}

// Receipt is the caller-visible record of one logical operation.
type Receipt struct {
	Token       string         `json:"token"`
	Action      gateway.Action `json:"action"`
	State       State          `json:"state"`
	Handle      string         `json:"handle,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Attempts    int            `json:"attempts"`
	SubmittedAt time.Time      `json:"submittedAt,omitzero"`
	FinishedAt  time.Time      `json:"finishedAt,omitzero"`
}

// ListFilter narrows a ledger listing.
type ListFilter struct {
	State  State
	Action gateway.Action
}

// PaginationParams holds cursor pagination input.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// ListResult is one page of receipts, newest first.
type ListResult struct {
	Receipts   []Receipt
	HasMore    bool
	NextCursor string
}
