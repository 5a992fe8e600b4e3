// Package http exposes the ingestion and reporting API. Ingestion persists a
// transaction and enqueues it for categorization; reporting is gated on the
// categorization pipeline having drained for the requested owner and period.
package http

import (
	"context"
	"net/http"
	"time"

	"finflow/internal/amqp"
	"finflow/internal/core"
	"finflow/internal/report"
	"finflow/internal/storage"
)

// TransactionStore is the slice of the repository ingestion needs.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t core.Transaction) error
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
}

// QueuePublisher enqueues categorization work.
type QueuePublisher interface {
	PublishTransactionCreated(ctx context.Context, queueName string, msg *amqp.TransactionCreatedMessage) error
}

type Server struct {
	store        TransactionStore
	publisher    QueuePublisher
	reports      *report.Service
	reportStore  ReportStore
	createdQueue string
	limiter      *rateLimiter
	httpServer   *http.Server
}

// ReportStore reads persisted reports for the read-back endpoint.
type ReportStore interface {
	GetReport(ctx context.Context, ownerID, period, reportType string) (storage.Report, error)
}

func NewServer(port string, store TransactionStore, publisher QueuePublisher, reports *report.Service, reportStore ReportStore, createdQueue string, rateLimitPerMinute int) *Server {
	s := &Server{
		store:        store,
		publisher:    publisher,
		reports:      reports,
		reportStore:  reportStore,
		createdQueue: createdQueue,
		limiter:      newRateLimiter(rateLimitPerMinute),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/transactions", s.handleCreateTransaction)
	mux.HandleFunc("GET /api/transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("GET /api/reports", s.handleGenerateReport)
	mux.HandleFunc("GET /api/reports/rolling", s.handleGetRollingReport)
	mux.HandleFunc("GET /api/readiness", s.handleReadiness)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      withRequestLogging(withRateLimit(s.limiter, mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// ListenAndServe blocks serving requests until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// CleanExpired drops stale rate-limit windows.
func (s *Server) CleanExpired() int {
	return s.limiter.CleanExpired()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
