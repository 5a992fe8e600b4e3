package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"finflow/internal/amqp"
	"finflow/internal/core"
	"finflow/internal/report"
	"finflow/internal/storage"
)

type createTransactionRequest struct {
	OwnerID     string  `json:"owner_id"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	OccurredAt  string  `json:"occurred_at"`
	InputKind   string  `json:"input_kind"`
	ImageRef    string  `json:"image_ref"`
	Source      string  `json:"source"`
}

type transactionResponse struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"owner_id"`
	Description string           `json:"description"`
	Amount      float64          `json:"amount"`
	OccurredAt  string           `json:"occurred_at"`
	Category    core.CategoryRef `json:"category"`
	Confidence  float64          `json:"confidence"`
	IsProcessed bool             `json:"is_processed"`
	InputKind   string           `json:"input_kind"`
	ImageRef    string           `json:"image_ref,omitempty"`
	Source      string           `json:"source"`
}

// handleCreateTransaction ingests one transaction: persist it unprocessed
// with the sentinel category, then enqueue it for the worker. The document is
// written before the message so the worker always finds the row.
func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.InputKind == "" {
		req.InputKind = string(core.InputText)
	}
	if req.Source == "" {
		req.Source = "manual_input"
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid occurred_at: must be RFC 3339")
			return
		}
		occurredAt = parsed.UTC()
	}

	txn := core.Transaction{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Description: req.Description,
		Amount:      core.MoneyFromFloat(req.Amount),
		OccurredAt:  occurredAt,
		Category:    core.Unclassified(),
		InputKind:   core.InputKind(req.InputKind),
		ImageRef:    req.ImageRef,
		Source:      req.Source,
	}

	if err := txn.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		slog.ErrorContext(ctx, "Failed to persist transaction", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create transaction")
		return
	}

	msg := amqp.NewTransactionCreatedMessage(txn)
	if err := s.publisher.PublishTransactionCreated(ctx, s.createdQueue, msg); err != nil {
		// The row exists but no message went out. Surface the failure so
		// the caller can re-submit; re-submission creates a new id.
		slog.ErrorContext(ctx, "Failed to enqueue transaction",
			"transaction_id", txn.ID,
			"error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue transaction for categorization")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     txn.ID,
		"status": "queued_for_categorization",
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	txn, err := s.store.GetTransaction(r.Context(), id)
	if errors.Is(err, core.ErrTransactionGone) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load transaction", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transaction")
		return
	}

	writeJSON(w, http.StatusOK, transactionResponse{
		ID:          txn.ID,
		OwnerID:     txn.OwnerID,
		Description: txn.Description,
		Amount:      txn.Amount.Float(),
		OccurredAt:  txn.OccurredAt.UTC().Format(time.RFC3339),
		Category:    txn.Category,
		Confidence:  txn.Confidence,
		IsProcessed: txn.IsProcessed,
		InputKind:   string(txn.InputKind),
		ImageRef:    txn.ImageRef,
		Source:      txn.Source,
	})
}

// handleGenerateReport runs the readiness gate and assembles the monthly
// report. While categorization is still in flight the caller gets 409 with
// the pending count, distinctly recoverable from a hard failure.
func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	ownerID, period, ok := ownerAndPeriod(w, r)
	if !ok {
		return
	}

	rep, err := s.reports.Generate(r.Context(), ownerID, period)

	var notReady *report.ErrNotReady
	if errors.As(err, &notReady) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":         "processing not yet complete",
			"pending_count": notReady.Pending,
		})
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Report generation failed",
			"owner_id", ownerID,
			"period", period.String(),
			"error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate report")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id":      rep.OwnerID,
		"period":        rep.Period,
		"report_type":   rep.ReportType,
		"total_income":  rep.Income.Float(),
		"total_expense": rep.Expense.Float(),
		"savings":       rep.Savings.Float(),
		"generated_at":  rep.GeneratedAt.Format(time.RFC3339),
	})
}

// handleGetRollingReport reads back the stored rolling report for the period.
// Rolling reports are refreshed by the categorized-event consumer, so this is
// a plain read with no readiness gate.
func (s *Server) handleGetRollingReport(w http.ResponseWriter, r *http.Request) {
	ownerID, period, ok := ownerAndPeriod(w, r)
	if !ok {
		return
	}

	rep, err := s.reportStore.GetReport(r.Context(), ownerID, period.String(), report.TypeRolling)
	if errors.Is(err, storage.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "no rolling report for this period yet")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load rolling report",
			"owner_id", ownerID,
			"period", period.String(),
			"error", err)
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id":      rep.OwnerID,
		"period":        rep.Period,
		"report_type":   rep.ReportType,
		"total_income":  rep.Income.Float(),
		"total_expense": rep.Expense.Float(),
		"savings":       rep.Savings.Float(),
		"generated_at":  rep.GeneratedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ownerID, period, ok := ownerAndPeriod(w, r)
	if !ok {
		return
	}

	ready, pending, err := s.reports.Readiness(r.Context(), ownerID, period)
	if err != nil {
		slog.ErrorContext(r.Context(), "Readiness check failed",
			"owner_id", ownerID,
			"period", period.String(),
			"error", err)
		writeError(w, http.StatusInternalServerError, "failed to check readiness")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ready":         ready,
		"pending_count": pending,
	})
}
