// Package transport provides HTTP handlers for badge resolution.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/badges/domain"
	"github.com/pendergraft/campusbridge/internal/chains/evm"
)

// Handler handles HTTP requests for badges.
type Handler struct {
	svc    domain.Service
	logger *slog.Logger
}

// NewHandler creates a new badges HTTP handler.
func NewHandler(svc domain.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterReadRoutes registers badge lookups.
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/{owner}", h.handleResolve)
}

// DiscoveryResponse is the wire form of a discovery outcome.
type DiscoveryResponse struct {
	Status    string `json:"status"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResolveResponse is returned by GET /badges/{owner}.
type ResolveResponse struct {
	Owner     string            `json:"owner"`
	Discovery DiscoveryResponse `json:"discovery"`
	Items     []domain.Item     `json:"items"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	owner, err := evm.ParseAddress(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "Invalid owner address")
		return
	}
	contract, err := evm.ParseOptionalAddress(r.URL.Query().Get("contract"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", "Invalid contract address")
		return
	}

	res, err := h.svc.Resolve(r.Context(), owner, contract)
	if err != nil {
		if errors.Is(err, domain.ErrDiscoveryFailed) {
			status, code := apperr.HTTPStatus(err)
			if status == http.StatusInternalServerError {
				status, code = http.StatusBadGateway, "DISCOVERY_FAILED"
			}
			writeError(w, status, code, "Badge discovery failed: "+apperr.Reason(err))
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to resolve badges")
		return
	}

	resp := ResolveResponse{
		Owner: res.Owner.Hex(),
		Discovery: DiscoveryResponse{
			Status:    string(res.Discovery.Status),
			Tokens:    len(res.Discovery.Tokens),
			Truncated: res.Discovery.Truncated,
		},
		Items: res.Items,
	}
	writeJSON(w, http.StatusOK, resp)
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
