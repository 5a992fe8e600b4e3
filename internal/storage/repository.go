package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"finflow/internal/core"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrCategoryNotFound is returned when no category matches a
	// (owner scope, normalized name, kind) key.
	ErrCategoryNotFound = errors.New("category not found")

	// ErrDuplicateCategory is returned when an insert loses a creation race:
	// another caller already created a category for the same key.
	ErrDuplicateCategory = errors.New("category already exists")

	// ErrReportNotFound is returned when no report has been generated yet for
	// the requested (owner, period, type).
	ErrReportNotFound = errors.New("report not found")
)

type SQLiteRepository struct {
	db *sql.DB
}

// dsn appends the pragmas every connection needs: WAL so readers do not block
// the writer, and a busy timeout so a briefly held write lock waits instead of
// failing with SQLITE_BUSY.
func dsn(dbPath string) string {
	return dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite allows one writer at a time. Serializing the pool lets the
	// worker's concurrent handlers share the repository without tripping
	// over each other's write locks.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CreateTransaction inserts a freshly ingested transaction. The row starts
// unprocessed with the sentinel category; only the worker mutates it afterwards.
func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, owner_id, description, amount_cents, occurred_at,
			 category_id, category_name, category_kind, confidence,
			 is_processed, input_kind, image_ref, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Description, t.Amount.Cents, t.OccurredAt.UTC().Format(time.RFC3339),
		t.Category.ID, t.Category.Name, string(t.Category.Kind), t.Confidence,
		string(t.InputKind), t.ImageRef, t.Source, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved",
		"id", t.ID,
		"owner_id", t.OwnerID,
		"input_kind", t.InputKind,
		"amount_cents", t.Amount.Cents)

	return nil
}

// GetTransaction retrieves a single transaction by id.
func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	var (
		t                     core.Transaction
		occurredAt, createdAt string
		inputKind, catKind    string
		isProcessed           int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, description, amount_cents, occurred_at,
		       category_id, category_name, category_kind, confidence,
		       is_processed, input_kind, image_ref, source, created_at
		FROM transactions WHERE id = ?`, id).Scan(
		&t.ID, &t.OwnerID, &t.Description, &t.Amount.Cents, &occurredAt,
		&t.Category.ID, &t.Category.Name, &catKind, &t.Confidence,
		&isProcessed, &inputKind, &t.ImageRef, &t.Source, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, fmt.Errorf("transaction %s: %w", id, core.ErrTransactionGone)
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}

	t.Category.Kind = core.CategoryKind(catKind)
	t.InputKind = core.InputKind(inputKind)
	t.IsProcessed = isProcessed != 0
	if ts, err := time.Parse(time.RFC3339, occurredAt); err == nil {
		t.OccurredAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		t.CreatedAt = ts
	}

	return t, nil
}

// CategorizationPatch is the worker's single terminal mutation of a
// transaction: the category snapshot, the confidence, the processed flag and,
// only when positive, a corrected amount.
type CategorizationPatch struct {
	TransactionID string
	Category      core.CategoryRef
	Confidence    float64
	Amount        core.Money
}

// ApplyCategorization merges the patch into the transaction row. It updates a
// fixed column list, never the whole row, so concurrent unrelated fields are
// preserved. The amount column keeps its prior value unless the correction is
// positive. Repeating the same patch is a no-op in effect, which makes
// redelivery safe.
func (r *SQLiteRepository) ApplyCategorization(ctx context.Context, p CategorizationPatch) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET
			category_id   = ?,
			category_name = ?,
			category_kind = ?,
			confidence    = ?,
			is_processed  = 1,
			amount_cents  = CASE WHEN ? > 0 THEN ? ELSE amount_cents END
		WHERE id = ?`,
		p.Category.ID, p.Category.Name, string(p.Category.Kind), p.Confidence,
		p.Amount.Cents, p.Amount.Cents, p.TransactionID,
	)
	if err != nil {
		return fmt.Errorf("apply categorization: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply categorization rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transaction %s: %w", p.TransactionID, core.ErrTransactionGone)
	}

	slog.InfoContext(ctx, "Transaction categorized",
		"id", p.TransactionID,
		"category_id", p.Category.ID,
		"category_name", p.Category.Name,
		"confidence", p.Confidence)

	return nil
}

// CountPending returns how many transactions for the owner and period are
// still unprocessed. The readiness gate is this count being zero.
func (r *SQLiteRepository) CountPending(ctx context.Context, ownerID string, period core.Period) (int64, error) {
	start, end := period.Bounds()

	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE owner_id = ? AND is_processed = 0
		  AND occurred_at >= ? AND occurred_at < ?`,
		ownerID, start.Format(time.RFC3339), end.Format(time.RFC3339),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending transactions: %w", err)
	}

	return count, nil
}

// FindCategory looks up a category by its deduplication key.
func (r *SQLiteRepository) FindCategory(ctx context.Context, ownerScope, normalizedName string, kind core.CategoryKind) (core.Category, error) {
	var (
		c         core.Category
		kindStr   string
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_scope, name, kind, created_at FROM categories
		WHERE owner_scope = ? AND normalized_name = ? AND kind = ?`,
		ownerScope, normalizedName, string(kind),
	).Scan(&c.ID, &c.OwnerScope, &c.Name, &kindStr, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Category{}, ErrCategoryNotFound
	}
	if err != nil {
		return core.Category{}, fmt.Errorf("find category: %w", err)
	}

	c.Kind = core.CategoryKind(kindStr)
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = ts
	}
	return c, nil
}

// CreateCategory inserts a new category. When another caller already created
// the same (owner scope, normalized name, kind) key, the unique index rejects
// the insert and ErrDuplicateCategory is returned so the resolver can re-query
// the winner.
func (r *SQLiteRepository) CreateCategory(ctx context.Context, c core.Category, normalizedName string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (id, owner_scope, name, normalized_name, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerScope, c.Name, normalizedName, string(c.Kind),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("category %q/%s in scope %q: %w", normalizedName, c.Kind, c.OwnerScope, ErrDuplicateCategory)
		}
		return fmt.Errorf("insert category: %w", err)
	}

	slog.InfoContext(ctx, "Category created",
		"id", c.ID,
		"owner_scope", c.OwnerScope,
		"name", c.Name,
		"kind", c.Kind)

	return nil
}

// isUniqueViolation reports whether err is a sqlite unique-constraint error.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// PeriodTotals aggregates processed transactions of an owner over a period.
type PeriodTotals struct {
	Income  core.Money
	Expense core.Money
}

// TotalsForPeriod sums processed income and expense amounts for the owner and
// period. Unprocessed rows are excluded; callers that need completeness run
// the readiness gate first.
func (r *SQLiteRepository) TotalsForPeriod(ctx context.Context, ownerID string, period core.Period) (PeriodTotals, error) {
	start, end := period.Bounds()

	var totals PeriodTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN category_kind = 'income' THEN amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN category_kind = 'expense' THEN amount_cents ELSE 0 END), 0)
		FROM transactions
		WHERE owner_id = ? AND is_processed = 1
		  AND occurred_at >= ? AND occurred_at < ?`,
		ownerID, start.Format(time.RFC3339), end.Format(time.RFC3339),
	).Scan(&totals.Income.Cents, &totals.Expense.Cents)
	if err != nil {
		return PeriodTotals{}, fmt.Errorf("sum period totals: %w", err)
	}

	return totals, nil
}

// OwnersWithTransactions lists the distinct owners that have at least one
// transaction in the period. Used by the monthly report scheduler.
func (r *SQLiteRepository) OwnersWithTransactions(ctx context.Context, period core.Period) ([]string, error) {
	start, end := period.Bounds()

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT owner_id FROM transactions
		WHERE occurred_at >= ? AND occurred_at < ?
		ORDER BY owner_id`,
		start.Format(time.RFC3339), end.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}

	return owners, nil
}

// Report is a persisted aggregate for one owner and period.
type Report struct {
	ID          string
	OwnerID     string
	Period      string
	ReportType  string
	Income      core.Money
	Expense     core.Money
	Savings     core.Money
	GeneratedAt time.Time
}

// SaveReport upserts a report. Reports are derived data, so last write wins
// per (owner, period, type).
func (r *SQLiteRepository) SaveReport(ctx context.Context, rep Report) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reports (id, owner_id, period, report_type,
			income_cents, expense_cents, savings_cents, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, period, report_type) DO UPDATE SET
			income_cents  = excluded.income_cents,
			expense_cents = excluded.expense_cents,
			savings_cents = excluded.savings_cents,
			generated_at  = excluded.generated_at`,
		rep.ID, rep.OwnerID, rep.Period, rep.ReportType,
		rep.Income.Cents, rep.Expense.Cents, rep.Savings.Cents,
		rep.GeneratedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	return nil
}

// GetReport retrieves a stored report.
func (r *SQLiteRepository) GetReport(ctx context.Context, ownerID, period, reportType string) (Report, error) {
	var (
		rep         Report
		generatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, period, report_type,
		       income_cents, expense_cents, savings_cents, generated_at
		FROM reports
		WHERE owner_id = ? AND period = ? AND report_type = ?`,
		ownerID, period, reportType,
	).Scan(&rep.ID, &rep.OwnerID, &rep.Period, &rep.ReportType,
		&rep.Income.Cents, &rep.Expense.Cents, &rep.Savings.Cents, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, fmt.Errorf("report %s/%s/%s: %w", ownerID, period, reportType, ErrReportNotFound)
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}

	if ts, err := time.Parse(time.RFC3339, generatedAt); err == nil {
		rep.GeneratedAt = ts
	}
	return rep, nil
}
