package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/campusbridge/internal/indexer"
)

// DiscoveryStatus is the outcome of listing an owner's tokens.
type DiscoveryStatus string

const (
	DiscoveryFound  DiscoveryStatus = "found"
	DiscoveryEmpty  DiscoveryStatus = "empty"
	DiscoveryFailed DiscoveryStatus = "failed"
)

// ItemStatus is the outcome of resolving one token.
type ItemStatus string

const (
	ItemResolved ItemStatus = "resolved"
	ItemFailed   ItemStatus = "failed"
)

// Token identifies one held token.
type Token struct {
	Contract common.Address `json:"contract"`
	TokenID  *big.Int       `json:"tokenId"`
}

// Discovery is the result of listing an owner's tokens. A failed discovery
// carries the cause in Err and is never reported as empty.
type Discovery struct {
	Status DiscoveryStatus `json:"status"`
	Tokens []Token         `json:"tokens"`
	// Truncated is set when the indexer still had pages after the page
	// limit; Tokens then holds only what was read.
	Truncated bool  `json:"truncated,omitempty"`
	Err       error `json:"-"`
}

// Badge is the display form of one held token.
type Badge struct {
	TokenID     *big.Int            `json:"tokenId"`
	Contract    common.Address      `json:"contract"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	ImageURL    string              `json:"imageUrl"`
	Attributes  []indexer.Attribute `json:"attributes"`
}

// Item is one token's resolution: a Badge, or the reason it failed.
type Item struct {
	Token
	Status ItemStatus `json:"status"`
	Badge  *Badge     `json:"badge,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Resolution is a full pass over an owner's badges, in discovery order.
type Resolution struct {
	Owner     common.Address `json:"owner"`
	Discovery Discovery      `json:"discovery"`
	Items     []Item         `json:"items"`
}

// Resolved counts the items that resolved.
func (r *Resolution) Resolved() int {
	n := 0
	for _, it := range r.Items {
		if it.Status == ItemResolved {
			n++
		}
	}
	return n
}
