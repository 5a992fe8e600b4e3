package ai

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

type classifyRequest struct {
	Text         string        `json:"text"`
	ImageRef     string        `json:"image_ref"`
	Instructions *Instructions `json:"instructions"`
}

// Handler exposes the provider contract over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ai/language", h.handleLanguage)
	mux.HandleFunc("POST /ai/vision", h.handleVision)
	return mux
}

func (h *Handler) handleLanguage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing 'text' field in the request body")
		return
	}

	resp, err := h.service.ClassifyText(r.Context(), req.Text, *req.Instructions)
	h.respond(w, r, resp, err)
}

func (h *Handler) handleVision(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if req.ImageRef == "" {
		writeError(w, http.StatusBadRequest, "missing 'image_ref' field in the request body")
		return
	}

	resp, err := h.service.ClassifyImage(r.Context(), req.ImageRef, *req.Instructions)
	h.respond(w, r, resp, err)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (classifyRequest, bool) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return classifyRequest{}, false
	}
	if req.Instructions == nil {
		writeError(w, http.StatusBadRequest, "missing 'instructions' field in the request body")
		return classifyRequest{}, false
	}
	return req, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, resp Response, err error) {
	if errors.Is(err, ErrUpstream) {
		slog.ErrorContext(r.Context(), "Classification upstream failure", "error", err)
		writeError(w, http.StatusServiceUnavailable, "classification service unavailable")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Classification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
