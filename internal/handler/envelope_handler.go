package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"metaregistry/internal/domain"
	"metaregistry/internal/service"
)

type EnvelopeHandler struct {
	envelopeService *service.EnvelopeService
}

func NewEnvelopeHandler(envelopeService *service.EnvelopeService) *EnvelopeHandler {
	return &EnvelopeHandler{envelopeService: envelopeService}
}

// Publish handles POST /v1/envelopes. With ?update_if_exists=true an
// occupied identifier is silently updated instead of conflicting.
func (h *EnvelopeHandler) Publish(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePublishRequest(w, r)
	if !ok {
		return
	}
	updateIfExists := r.URL.Query().Get("update_if_exists") == "true"

	view, created, err := h.envelopeService.Publish(r.Context(), req, updateIfExists)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, view)
}

// List handles GET /v1/envelopes.
func (h *EnvelopeHandler) List(w http.ResponseWriter, r *http.Request) {
	envelopes, err := h.envelopeService.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if envelopes == nil {
		envelopes = []domain.Envelope{}
	}
	respondJSON(w, http.StatusOK, envelopes)
}

// Retrieve handles GET /v1/envelopes/{envelopeID}.
func (h *EnvelopeHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	view, err := h.envelopeService.Find(r.Context(), chi.URLParam(r, "envelopeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Update handles PATCH /v1/envelopes/{envelopeID}.
func (h *EnvelopeHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePublishRequest(w, r)
	if !ok {
		return
	}

	view, err := h.envelopeService.Update(r.Context(), chi.URLParam(r, "envelopeID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Delete handles DELETE /v1/envelopes/{envelopeID}.
func (h *EnvelopeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDeleteRequest(w, r)
	if !ok {
		return
	}

	if err := h.envelopeService.Delete(r.Context(), chi.URLParam(r, "envelopeID"), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteByURL handles DELETE /v1/envelopes, resolving the target by the
// resource URL carried in the request body.
func (h *EnvelopeHandler) DeleteByURL(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDeleteRequest(w, r)
	if !ok {
		return
	}

	if err := h.envelopeService.DeleteByURL(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetrieveVersion handles GET /v1/envelopes/{envelopeID}/versions/{versionID},
// returning the envelope as captured at that version.
func (h *EnvelopeHandler) RetrieveVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.ParseInt(chi.URLParam(r, "versionID"), 10, 64)
	if err != nil {
		writeError(w, &domain.NotFoundError{Message: domain.MsgEnvelopeNotFound})
		return
	}

	view, err := h.envelopeService.FindVersion(r.Context(), chi.URLParam(r, "envelopeID"), versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func decodePublishRequest(w http.ResponseWriter, r *http.Request) (*domain.PublishRequest, bool) {
	var req domain.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrors(w, http.StatusBadRequest, []string{"request body is not valid JSON"})
		return nil, false
	}
	return &req, true
}

func decodeDeleteRequest(w http.ResponseWriter, r *http.Request) (*domain.DeleteRequest, bool) {
	var req domain.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrors(w, http.StatusBadRequest, []string{"request body is not valid JSON"})
		return nil, false
	}
	return &req, true
}

// writeError translates the error taxonomy onto status codes. Conflicts and
// signer mismatches both map to 422, matching the registry's public API.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		decodeErr     *domain.DecodeError
		notFoundErr   *domain.NotFoundError
		conflictErr   *domain.ConflictError
		authErr       *domain.AuthorizationError
	)

	switch {
	case errors.As(err, &validationErr):
		writeErrors(w, http.StatusBadRequest, validationErr.Errors)
	case errors.As(err, &decodeErr):
		writeErrors(w, http.StatusBadRequest, []string{decodeErr.Error()})
	case errors.As(err, &notFoundErr):
		writeErrors(w, http.StatusNotFound, []string{notFoundErr.Message})
	case errors.As(err, &conflictErr):
		writeErrors(w, http.StatusUnprocessableEntity, []string{conflictErr.Message})
	case errors.As(err, &authErr):
		writeErrors(w, http.StatusUnprocessableEntity, []string{authErr.Message})
	default:
		log.Printf("Internal error: %v", err)
		writeErrors(w, http.StatusInternalServerError, []string{"internal server error"})
	}
}

func writeErrors(w http.ResponseWriter, status int, messages []string) {
	respondJSON(w, status, map[string][]string{"errors": messages})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
