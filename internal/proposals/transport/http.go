// Package transport provides HTTP handlers for proposal publishing.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/proposals/domain"
)

// Handler handles HTTP requests for proposals.
type Handler struct {
	svc    domain.Service
	logger *slog.Logger
}

// NewHandler creates a new proposals HTTP handler.
func NewHandler(svc domain.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterReadRoutes registers proposal reads.
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/{ref}", h.handleGet)
}

// RegisterWriteRoutes registers the publish route.
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/", h.handlePublish)
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var doc domain.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Proposal exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body")
		return
	}

	pub, err := h.svc.Publish(r.Context(), doc)
	if err != nil {
		writeAppError(w, err)
		return
	}

	status := http.StatusCreated
	if pub.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, pub)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
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
	switch {
	case status == http.StatusInternalServerError:
		msg = "Internal error"
	case errors.Is(err, domain.ErrUploadFailed):
		msg = "Content storage is unavailable, try again later"
	}
	writeError(w, status, code, msg)
}
