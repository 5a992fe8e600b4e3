package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"finflow/internal/core"
)

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func testTransaction(id, owner string, occurredAt time.Time) core.Transaction {
	return core.Transaction{
		ID:          id,
		OwnerID:     owner,
		Description: "coffee 4.50",
		Amount:      core.Money{Cents: 450},
		OccurredAt:  occurredAt,
		Category:    core.Unclassified(),
		InputKind:   core.InputText,
		Source:      "manual_input",
	}
}

func TestSQLiteRepository_CreateAndGetTransaction(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	occurred := time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)
	txn := testTransaction("txn-1", "user-1", occurred)

	if err := repo.CreateTransaction(ctx, txn); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	got, err := repo.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}

	if got.OwnerID != "user-1" {
		t.Errorf("OwnerID = %v, want user-1", got.OwnerID)
	}
	if got.Amount.Cents != 450 {
		t.Errorf("Amount.Cents = %v, want 450", got.Amount.Cents)
	}
	if !got.OccurredAt.Equal(occurred) {
		t.Errorf("OccurredAt = %v, want %v", got.OccurredAt, occurred)
	}
	if got.IsProcessed {
		t.Error("new transaction must start unprocessed")
	}
	if got.Category.ID != core.UnclassifiedID {
		t.Errorf("Category.ID = %v, want %v", got.Category.ID, core.UnclassifiedID)
	}
}

func TestSQLiteRepository_GetTransaction_NotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, core.ErrTransactionGone) {
		t.Errorf("GetTransaction() error = %v, want ErrTransactionGone", err)
	}
}

func TestSQLiteRepository_ApplyCategorization(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	occurred := time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)
	if err := repo.CreateTransaction(ctx, testTransaction("txn-1", "user-1", occurred)); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	patch := CategorizationPatch{
		TransactionID: "txn-1",
		Category:      core.CategoryRef{ID: "cat-1", Name: "Food & Drink", Kind: core.Expense},
		Confidence:    0.93,
		Amount:        core.Money{Cents: 2500000},
	}
	if err := repo.ApplyCategorization(ctx, patch); err != nil {
		t.Fatalf("ApplyCategorization() error = %v", err)
	}

	got, err := repo.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if !got.IsProcessed {
		t.Error("IsProcessed = false after categorization")
	}
	if got.Category.ID != "cat-1" || got.Category.Name != "Food & Drink" {
		t.Errorf("Category = %+v, want cat-1/Food & Drink", got.Category)
	}
	if got.Confidence != 0.93 {
		t.Errorf("Confidence = %v, want 0.93", got.Confidence)
	}
	if got.Amount.Cents != 2500000 {
		t.Errorf("Amount.Cents = %v, want corrected 2500000", got.Amount.Cents)
	}
	// Fields outside the patch survive.
	if got.Description != "coffee 4.50" {
		t.Errorf("Description = %v, want original preserved", got.Description)
	}
	if !got.OccurredAt.Equal(occurred) {
		t.Errorf("OccurredAt = %v, want original preserved", got.OccurredAt)
	}
}

func TestSQLiteRepository_ApplyCategorization_KeepsAmountWhenNotPositive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	occurred := time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)
	if err := repo.CreateTransaction(ctx, testTransaction("txn-1", "user-1", occurred)); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	// Provider extracted no amount; the ingested amount must survive.
	patch := CategorizationPatch{
		TransactionID: "txn-1",
		Category:      core.CategoryRef{ID: "cat-1", Name: "Food & Drink", Kind: core.Expense},
		Confidence:    0.6,
		Amount:        core.Money{},
	}
	if err := repo.ApplyCategorization(ctx, patch); err != nil {
		t.Fatalf("ApplyCategorization() error = %v", err)
	}

	got, err := repo.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Amount.Cents != 450 {
		t.Errorf("Amount.Cents = %v, want untouched 450", got.Amount.Cents)
	}
	if !got.IsProcessed {
		t.Error("IsProcessed = false, patch must still mark the row processed")
	}
}

func TestSQLiteRepository_ApplyCategorization_Redelivery(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	occurred := time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)
	if err := repo.CreateTransaction(ctx, testTransaction("txn-1", "user-1", occurred)); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	patch := CategorizationPatch{
		TransactionID: "txn-1",
		Category:      core.CategoryRef{ID: "cat-1", Name: "Food & Drink", Kind: core.Expense},
		Confidence:    0.93,
		Amount:        core.Money{Cents: 2500000},
	}

	// Apply twice, as a redelivered message would.
	for i := 0; i < 2; i++ {
		if err := repo.ApplyCategorization(ctx, patch); err != nil {
			t.Fatalf("ApplyCategorization() attempt %d error = %v", i+1, err)
		}
	}

	got, err := repo.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Amount.Cents != 2500000 || got.Category.ID != "cat-1" || !got.IsProcessed {
		t.Errorf("redelivered patch changed the outcome: %+v", got)
	}
}

func TestSQLiteRepository_ApplyCategorization_MissingTransaction(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.ApplyCategorization(context.Background(), CategorizationPatch{
		TransactionID: "missing",
		Category:      core.CategoryRef{ID: "cat-1", Name: "Food", Kind: core.Expense},
	})
	if !errors.Is(err, core.ErrTransactionGone) {
		t.Errorf("ApplyCategorization() error = %v, want ErrTransactionGone", err)
	}
}

func TestSQLiteRepository_CountPending(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	period := core.Period{Year: 2025, Month: time.January}
	base := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)

	// Ten transactions in the period, plus one in February and one for
	// another owner that must not count.
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("txn-%d", i)
		if err := repo.CreateTransaction(ctx, testTransaction(id, "user-1", base.AddDate(0, 0, i))); err != nil {
			t.Fatalf("CreateTransaction(%s) error = %v", id, err)
		}
	}
	if err := repo.CreateTransaction(ctx, testTransaction("txn-feb", "user-1", base.AddDate(0, 1, 0))); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if err := repo.CreateTransaction(ctx, testTransaction("txn-other", "user-2", base)); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	pending, err := repo.CountPending(ctx, "user-1", period)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if pending != 10 {
		t.Errorf("CountPending() = %v, want 10", pending)
	}

	// Process nine of them.
	for i := 0; i < 9; i++ {
		patch := CategorizationPatch{
			TransactionID: fmt.Sprintf("txn-%d", i),
			Category:      core.CategoryRef{ID: "cat-1", Name: "Food", Kind: core.Expense},
			Confidence:    0.9,
		}
		if err := repo.ApplyCategorization(ctx, patch); err != nil {
			t.Fatalf("ApplyCategorization() error = %v", err)
		}
	}

	pending, err = repo.CountPending(ctx, "user-1", period)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if pending != 1 {
		t.Errorf("CountPending() = %v, want 1", pending)
	}

	// Process the last one; the gate opens.
	if err := repo.ApplyCategorization(ctx, CategorizationPatch{
		TransactionID: "txn-9",
		Category:      core.CategoryRef{ID: "cat-1", Name: "Food", Kind: core.Expense},
		Confidence:    0.9,
	}); err != nil {
		t.Fatalf("ApplyCategorization() error = %v", err)
	}

	pending, err = repo.CountPending(ctx, "user-1", period)
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if pending != 0 {
		t.Errorf("CountPending() = %v, want 0", pending)
	}
}

func TestSQLiteRepository_CategoryUniqueIndex(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := core.Category{ID: "cat-1", OwnerScope: "user-1", Name: "Food & Drink", Kind: core.Expense}
	if err := repo.CreateCategory(ctx, first, "food & drink"); err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}

	// Same key, different id: the unique index must reject it.
	second := core.Category{ID: "cat-2", OwnerScope: "user-1", Name: "food & drink", Kind: core.Expense}
	err := repo.CreateCategory(ctx, second, "food & drink")
	if !errors.Is(err, ErrDuplicateCategory) {
		t.Fatalf("CreateCategory() error = %v, want ErrDuplicateCategory", err)
	}

	// Different kind is a different category.
	third := core.Category{ID: "cat-3", OwnerScope: "user-1", Name: "Food & Drink", Kind: core.Income}
	if err := repo.CreateCategory(ctx, third, "food & drink"); err != nil {
		t.Fatalf("CreateCategory() with different kind error = %v", err)
	}

	// Different scope is a different category.
	fourth := core.Category{ID: "cat-4", OwnerScope: "user-2", Name: "Food & Drink", Kind: core.Expense}
	if err := repo.CreateCategory(ctx, fourth, "food & drink"); err != nil {
		t.Fatalf("CreateCategory() with different scope error = %v", err)
	}

	got, err := repo.FindCategory(ctx, "user-1", "food & drink", core.Expense)
	if err != nil {
		t.Fatalf("FindCategory() error = %v", err)
	}
	if got.ID != "cat-1" {
		t.Errorf("FindCategory() id = %v, want the first insert to survive", got.ID)
	}
}

func TestSQLiteRepository_FindCategory_NotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.FindCategory(context.Background(), "user-1", "nothing", core.Expense)
	if !errors.Is(err, ErrCategoryNotFound) {
		t.Errorf("FindCategory() error = %v, want ErrCategoryNotFound", err)
	}
}

func TestSQLiteRepository_TotalsForPeriod(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	period := core.Period{Year: 2025, Month: time.January}

	seed := []struct {
		id    string
		cents int64
		kind  core.CategoryKind
		patch bool
	}{
		{"inc-1", 500000, core.Income, true},
		{"exp-1", 120000, core.Expense, true},
		{"exp-2", 80000, core.Expense, true},
		{"exp-pending", 999999, core.Expense, false},
	}

	for _, s := range seed {
		txn := testTransaction(s.id, "user-1", base)
		txn.Amount = core.Money{Cents: s.cents}
		if err := repo.CreateTransaction(ctx, txn); err != nil {
			t.Fatalf("CreateTransaction(%s) error = %v", s.id, err)
		}
		if s.patch {
			err := repo.ApplyCategorization(ctx, CategorizationPatch{
				TransactionID: s.id,
				Category:      core.CategoryRef{ID: "cat-" + string(s.kind), Name: string(s.kind), Kind: s.kind},
				Confidence:    0.9,
			})
			if err != nil {
				t.Fatalf("ApplyCategorization(%s) error = %v", s.id, err)
			}
		}
	}

	totals, err := repo.TotalsForPeriod(ctx, "user-1", period)
	if err != nil {
		t.Fatalf("TotalsForPeriod() error = %v", err)
	}
	if totals.Income.Cents != 500000 {
		t.Errorf("Income.Cents = %v, want 500000", totals.Income.Cents)
	}
	if totals.Expense.Cents != 200000 {
		t.Errorf("Expense.Cents = %v, want 200000; unprocessed rows must not count", totals.Expense.Cents)
	}
}

func TestSQLiteRepository_OwnersWithTransactions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	for i, owner := range []string{"user-b", "user-a", "user-b"} {
		id := fmt.Sprintf("txn-%d", i)
		if err := repo.CreateTransaction(ctx, testTransaction(id, owner, base)); err != nil {
			t.Fatalf("CreateTransaction(%s) error = %v", id, err)
		}
	}
	if err := repo.CreateTransaction(ctx, testTransaction("txn-feb", "user-c", base.AddDate(0, 1, 0))); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	owners, err := repo.OwnersWithTransactions(ctx, core.Period{Year: 2025, Month: time.January})
	if err != nil {
		t.Fatalf("OwnersWithTransactions() error = %v", err)
	}
	want := []string{"user-a", "user-b"}
	if len(owners) != len(want) {
		t.Fatalf("OwnersWithTransactions() = %v, want %v", owners, want)
	}
	for i := range want {
		if owners[i] != want[i] {
			t.Errorf("owners[%d] = %v, want %v", i, owners[i], want[i])
		}
	}
}

func TestSQLiteRepository_SaveAndGetReport(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rep := Report{
		ID:          "rep-1",
		OwnerID:     "user-1",
		Period:      "2025-01",
		ReportType:  "monthly",
		Income:      core.Money{Cents: 500000},
		Expense:     core.Money{Cents: 200000},
		Savings:     core.Money{Cents: 300000},
		GeneratedAt: time.Date(2025, time.February, 1, 3, 0, 0, 0, time.UTC),
	}
	if err := repo.SaveReport(ctx, rep); err != nil {
		t.Fatalf("SaveReport() error = %v", err)
	}

	// Regenerating upserts in place.
	rep.ID = "rep-2"
	rep.Expense = core.Money{Cents: 250000}
	rep.Savings = core.Money{Cents: 250000}
	if err := repo.SaveReport(ctx, rep); err != nil {
		t.Fatalf("SaveReport() second write error = %v", err)
	}

	got, err := repo.GetReport(ctx, "user-1", "2025-01", "monthly")
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if got.Expense.Cents != 250000 || got.Savings.Cents != 250000 {
		t.Errorf("GetReport() = %+v, want the second write to win", got)
	}
	if got.ID != "rep-1" {
		t.Errorf("GetReport() id = %v, want the original row id to survive the upsert", got.ID)
	}
}

func TestSQLiteRepository_GetReport_NotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetReport(context.Background(), "user-1", "2025-01", "monthly")
	if !errors.Is(err, ErrReportNotFound) {
		t.Errorf("GetReport() error = %v, want ErrReportNotFound", err)
	}
}
