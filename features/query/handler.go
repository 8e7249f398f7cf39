package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"scoutrag/backend/internal/middleware"
	"scoutrag/backend/internal/retrieval"
)

const maxBodyBytes = 64 << 10

type Request struct {
	Question   string `json:"question"`
	MaxResults int    `json:"max_results"`
}

type Answerer interface {
	Answer(ctx context.Context, question string, maxResults int) (*retrieval.Answer, error)
}

type Handler struct {
	service Answerer
}

func NewHandler(s Answerer) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(ctx, w, "INVALID_REQUEST", "request body must be JSON with a question", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "question is required", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "answering question", "max_results", req.MaxResults, "correlationId", correlationID)

	ans, err := h.service.Answer(ctx, req.Question, req.MaxResults)
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrEmptyQuestion):
			h.writeError(ctx, w, "VALIDATION_ERROR", "question is required", http.StatusBadRequest)
		case errors.Is(err, retrieval.ErrQueryFailed):
			h.writeError(ctx, w, "QUERY_FAILED", err.Error(), http.StatusBadGateway)
		default:
			slog.ErrorContext(ctx, "query failed", "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to answer question", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": ans}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
