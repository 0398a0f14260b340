// Package transport provides HTTP handlers for the operation dispatcher.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/gateway"
	"github.com/pendergraft/campusbridge/internal/operations/domain"
)

// Encoder turns validated action parameters into operation requests.
type Encoder interface {
	EncodeCreateProject(f gateway.ProjectFields) (*gateway.OperationRequest, error)
	EncodeCastVote(proposalID uint64, choice gateway.VoteChoice) (*gateway.OperationRequest, error)
	EncodeRequestJoin(projectID uint64) (*gateway.OperationRequest, error)
	EncodeRegisterProposal(projectID uint64, ref string) (*gateway.OperationRequest, error)
}

// Handler handles HTTP requests for operations.
type Handler struct {
	svc     domain.Service
	encoder Encoder
	logger  *slog.Logger
}

// NewHandler creates a new operations HTTP handler.
func NewHandler(svc domain.Service, encoder Encoder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, encoder: encoder, logger: logger}
}

// RegisterReadRoutes registers receipt lookups.
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{token}", h.handleGet)
}

// RegisterWriteRoutes registers the dispatch route.
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/", h.handleDispatch)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}

	req, err := h.encode(body)
	if err != nil {
		writeAppError(w, err)
		return
	}

	// wait=false returns the token immediately and lets the dispatch finish
	// in the background; the caller polls GET /operations/{token}. An
	// operation that already settled is answered from the ledger.
	if r.URL.Query().Get("wait") == "false" {
		token, err := h.svc.Token(req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		accepted := &domain.Receipt{Token: token, Action: req.Action, State: domain.StateBuilt}
		if stored, err := h.svc.Receipt(r.Context(), token); err == nil {
			switch stored.State {
			case domain.StateConfirmed, domain.StateRejected:
				writeJSON(w, http.StatusOK, stored)
				return
			case domain.StateSubmitting:
				accepted = stored
			}
		}
		go func() {
			if _, err := h.svc.Dispatch(context.WithoutCancel(r.Context()), req); err != nil {
				h.logger.Warn("background dispatch failed", "token", token, "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, accepted)
		return
	}

	rec, err := h.svc.Dispatch(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) encode(body DispatchRequest) (*gateway.OperationRequest, error) {
	const op = "dispatch"
	action := gateway.Action(body.Action)
	if !action.Valid() {
		return nil, apperr.Malformed(op, "unknown action %q", body.Action)
	}
	if len(body.Params) == 0 {
		return nil, apperr.Malformed(op, "params are required")
	}

	switch action {
	case gateway.ActionCreateProject:
		var p gateway.ProjectFields
		if err := json.Unmarshal(body.Params, &p); err != nil {
			return nil, apperr.Malformed(op, "invalid create-project params: %v", err)
		}
		return h.encoder.EncodeCreateProject(p)
	case gateway.ActionCastVote:
		var p CastVoteParams
		if err := json.Unmarshal(body.Params, &p); err != nil {
			return nil, apperr.Malformed(op, "invalid cast-vote params: %v", err)
		}
		return h.encoder.EncodeCastVote(p.ProposalID, gateway.VoteChoice(p.Choice))
	case gateway.ActionRequestJoin:
		var p RequestJoinParams
		if err := json.Unmarshal(body.Params, &p); err != nil {
			return nil, apperr.Malformed(op, "invalid request-join params: %v", err)
		}
		return h.encoder.EncodeRequestJoin(p.ProjectID)
	default:
		var p RegisterProposalParams
		if err := json.Unmarshal(body.Params, &p); err != nil {
			return nil, apperr.Malformed(op, "invalid register-proposal params: %v", err)
		}
		return h.encoder.EncodeRegisterProposal(p.ProjectID, p.Reference)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Receipt(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	filter := domain.ListFilter{
		State:  domain.State(r.URL.Query().Get("state")),
		Action: gateway.Action(r.URL.Query().Get("action")),
	}
	if filter.Action != "" && !filter.Action.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown action filter")
		return
	}

	result, err := h.svc.List(r.Context(), filter, domain.PaginationParams{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list operations")
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{
		Data: result.Receipts,
		Pagination: Pagination{
			Limit:      limit,
			HasMore:    result.HasMore,
			NextCursor: result.NextCursor,
		},
	})
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
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	writeError(w, status, code, msg)
}
