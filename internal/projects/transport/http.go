// Package transport exposes the contract gateway's read operations over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/chains/evm"
	"github.com/pendergraft/campusbridge/internal/gateway"
)

// Reader is the gateway's read surface.
type Reader interface {
	ReadProject(ctx context.Context, id uint64) (*gateway.Project, error)
	ListProjectsOwnedBy(ctx context.Context, owner common.Address) iter.Seq2[*gateway.Project, error]
	ListAllProjects(ctx context.Context) iter.Seq2[*gateway.Project, error]
	ResolveTokenURI(ctx context.Context, contract common.Address, tokenID *big.Int) (string, error)
}

// Handler handles HTTP requests for projects and token URIs.
type Handler struct {
	reader Reader
	logger *slog.Logger
}

// NewHandler creates a new projects HTTP handler.
func NewHandler(reader Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reader: reader, logger: logger}
}

// RegisterReadRoutes registers project reads.
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/members/{address}", h.handleMembership)
}

// RegisterTokenRoutes registers token URI lookups.
func (h *Handler) RegisterTokenRoutes(r chi.Router) {
	r.Get("/{contract}/{tokenId}/uri", h.handleTokenURI)
}

// ListResponse is a page of projects.
type ListResponse struct {
	Data       []*gateway.Project `json:"data"`
	Pagination Pagination         `json:"pagination"`
}

// Pagination describes the page returned.
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// MembershipResponse answers whether an address belongs to a project.
type MembershipResponse struct {
	ProjectID uint64 `json:"projectId"`
	Address   string `json:"address"`
	Member    bool   `json:"member"`
	Owner     bool   `json:"owner"`
}

// TokenURIResponse carries a badge token's metadata URI.
type TokenURIResponse struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	URI      string `json:"uri"`
}

// handleList pages through projects. The cursor is the last project id of
// the previous page; the gateway iterator is lazy, so only limit+1 projects
// past the cursor are read.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var after uint64
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "Invalid cursor")
			return
		}
		after = parsed
	}

	var seq iter.Seq2[*gateway.Project, error]
	if o := r.URL.Query().Get("owner"); o != "" {
		owner, err := evm.ParseAddress(o)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "Invalid owner address")
			return
		}
		seq = h.reader.ListProjectsOwnedBy(r.Context(), owner)
	} else {
		seq = h.reader.ListAllProjects(r.Context())
	}

	projects := make([]*gateway.Project, 0, limit)
	hasMore := false
	for p, err := range seq {
		if err != nil {
			writeAppError(w, err)
			return
		}
		if p.ID <= after {
			continue
		}
		if len(projects) == limit {
			hasMore = true
			break
		}
		projects = append(projects, p)
	}

	resp := ListResponse{
		Data:       projects,
		Pagination: Pagination{Limit: limit, HasMore: hasMore},
	}
	if hasMore {
		resp.Pagination.NextCursor = strconv.FormatUint(projects[len(projects)-1].ID, 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	p, err := h.reader.ReadProject(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleMembership(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	addr, err := evm.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "Invalid address")
		return
	}
	p, err := h.reader.ReadProject(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MembershipResponse{
		ProjectID: id,
		Address:   addr.Hex(),
		Member:    p.IsMember(addr),
		Owner:     p.Owner == addr,
	})
}

func (h *Handler) handleTokenURI(w http.ResponseWriter, r *http.Request) {
	contract, err := evm.ParseAddress(chi.URLParam(r, "contract"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "Invalid contract address")
		return
	}
	tokenID, err := evm.ParseTokenID(chi.URLParam(r, "tokenId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TOKEN_ID", "Invalid token id")
		return
	}
	uri, err := h.reader.ResolveTokenURI(r.Context(), contract, tokenID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenURIResponse{Contract: contract.Hex(), TokenID: tokenID.String(), URI: uri})
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Project id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func writeAppError(w http.ResponseWriter, err error) {
	status, code := apperr.HTTPStatus(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		msg = "Internal error"
	case http.StatusUnprocessableEntity:
		// Fatal read errors describe contract internals
		msg = "Registry returned an unexpected answer"
	}
	writeError(w, status, code, msg)
}
