// Package report computes aggregate reports over categorized transactions and
// enforces the readiness gate: no report is assembled while any transaction
// of the requested owner and period is still unclassified.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"finflow/internal/core"
	"finflow/internal/storage"
)

const (
	// TypeMonthly is a gated, complete report for a closed period.
	TypeMonthly = "monthly"
	// TypeRolling is an ungated running aggregate, refreshed as categorized
	// events arrive.
	TypeRolling = "rolling"
)

// ErrNotReady is returned when categorization is still in flight for the
// requested owner and period. Callers should retry later; it is not a fault.
type ErrNotReady struct {
	OwnerID string
	Period  core.Period
	Pending int64
}

func (e *ErrNotReady) Error() string {
	return fmt.Sprintf("owner %s period %s not ready for report: %d transactions pending categorization",
		e.OwnerID, e.Period, e.Pending)
}

// Store is the slice of the repository the report service reads and writes.
type Store interface {
	CountPending(ctx context.Context, ownerID string, period core.Period) (int64, error)
	TotalsForPeriod(ctx context.Context, ownerID string, period core.Period) (storage.PeriodTotals, error)
	OwnersWithTransactions(ctx context.Context, period core.Period) ([]string, error)
	SaveReport(ctx context.Context, rep storage.Report) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Readiness reports whether every transaction of the owner in the period has
// been categorized, and how many are still pending. It queries the store each
// time; the result must not be cached because categorization may be in flight
// while a report is requested.
func (s *Service) Readiness(ctx context.Context, ownerID string, period core.Period) (bool, int64, error) {
	pending, err := s.store.CountPending(ctx, ownerID, period)
	if err != nil {
		return false, 0, fmt.Errorf("readiness check: %w", err)
	}
	return pending == 0, pending, nil
}

// Generate assembles and persists the monthly report for one owner and
// period. The readiness gate runs immediately before assembly; when it fails
// the report is not produced and *ErrNotReady is returned.
func (s *Service) Generate(ctx context.Context, ownerID string, period core.Period) (storage.Report, error) {
	ready, pending, err := s.Readiness(ctx, ownerID, period)
	if err != nil {
		return storage.Report{}, err
	}
	if !ready {
		return storage.Report{}, &ErrNotReady{OwnerID: ownerID, Period: period, Pending: pending}
	}

	rep, err := s.assemble(ctx, ownerID, period, TypeMonthly)
	if err != nil {
		return storage.Report{}, err
	}

	slog.InfoContext(ctx, "Monthly report generated",
		"owner_id", ownerID,
		"period", period.String(),
		"income_cents", rep.Income.Cents,
		"expense_cents", rep.Expense.Cents,
		"savings_cents", rep.Savings.Cents)

	return rep, nil
}

// Refresh upserts the rolling report for an owner and period without the
// gate. Only processed transactions are aggregated, so a rolling report is a
// lower bound that converges as categorization completes.
func (s *Service) Refresh(ctx context.Context, ownerID string, period core.Period) (storage.Report, error) {
	return s.assemble(ctx, ownerID, period, TypeRolling)
}

func (s *Service) assemble(ctx context.Context, ownerID string, period core.Period, reportType string) (storage.Report, error) {
	totals, err := s.store.TotalsForPeriod(ctx, ownerID, period)
	if err != nil {
		return storage.Report{}, fmt.Errorf("assemble report: %w", err)
	}

	rep := storage.Report{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Period:      period.String(),
		ReportType:  reportType,
		Income:      totals.Income,
		Expense:     totals.Expense,
		Savings:     core.Money{Cents: totals.Income.Cents - totals.Expense.Cents},
		GeneratedAt: time.Now().UTC(),
	}

	if err := s.store.SaveReport(ctx, rep); err != nil {
		return storage.Report{}, fmt.Errorf("persist report: %w", err)
	}

	return rep, nil
}

// GenerateForPeriod produces monthly reports for every owner with
// transactions in the period. Owners whose gate is not yet ready are skipped
// and picked up on the next scheduler pass.
func (s *Service) GenerateForPeriod(ctx context.Context, period core.Period) error {
	owners, err := s.store.OwnersWithTransactions(ctx, period)
	if err != nil {
		return fmt.Errorf("list owners for period %s: %w", period, err)
	}

	var notReady *ErrNotReady
	generated, skipped := 0, 0
	for _, owner := range owners {
		if _, err := s.Generate(ctx, owner, period); err != nil {
			if errors.As(err, &notReady) {
				slog.InfoContext(ctx, "Skipping owner, categorization still in flight",
					"owner_id", owner,
					"period", period.String(),
					"pending", notReady.Pending)
				skipped++
				continue
			}
			return fmt.Errorf("generate report for owner %s: %w", owner, err)
		}
		generated++
	}

	slog.InfoContext(ctx, "Period report pass completed",
		"period", period.String(),
		"owners", len(owners),
		"generated", generated,
		"skipped", skipped)

	return nil
}
