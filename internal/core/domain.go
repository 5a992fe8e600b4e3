package core

import (
	"errors"
	"time"
)

const (
	Income  CategoryKind = "income"
	Expense CategoryKind = "expense"

	InputText  InputKind = "text"
	InputImage InputKind = "image"

	// UnclassifiedID is the sentinel category id carried by transactions
	// that have not been through the categorization pipeline yet.
	UnclassifiedID = "unclassified"

	// FallbackCategoryName is assigned when the classification provider
	// returns output we cannot interpret.
	FallbackCategoryName = "Uncategorized"
)

type (
	CategoryKind string

	InputKind string

	// CategoryRef is the category snapshot embedded in a transaction.
	CategoryRef struct {
		ID   string       `json:"id"`
		Name string       `json:"name"`
		Kind CategoryKind `json:"kind"`
	}

	// Category is a deduplicated classification label scoped to an owner.
	// At most one category ever exists per (owner scope, normalized name, kind).
	Category struct {
		ID         string
		OwnerScope string
		Name       string
		Kind       CategoryKind
		CreatedAt  time.Time
	}

	// Transaction is one user-reported financial event. It is created once
	// by ingestion and mutated exactly once by the categorization worker.
	Transaction struct {
		ID          string
		OwnerID     string
		Description string
		Amount      Money
		OccurredAt  time.Time
		Category    CategoryRef
		Confidence  float64
		IsProcessed bool
		InputKind   InputKind
		ImageRef    string
		Source      string
		CreatedAt   time.Time
	}
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrEmptyOwner      = errors.New("empty owner id")
	ErrEmptyInput      = errors.New("empty description and image reference")
	ErrInvalidKind     = errors.New("invalid category kind")
	ErrInvalidInput    = errors.New("invalid input kind")
	ErrEmptyName       = errors.New("empty category name")
	ErrEmptyImageRef   = errors.New("image input requires an image reference")
	ErrEmptyScope      = errors.New("empty owner scope")
	ErrTransactionGone = errors.New("transaction not found")
)

// Unclassified returns the sentinel category snapshot assigned at ingestion.
func Unclassified() CategoryRef {
	return CategoryRef{ID: UnclassifiedID, Name: "Pending", Kind: Expense}
}

func (k CategoryKind) Valid() bool {
	return k == Income || k == Expense
}

func (k InputKind) Valid() bool {
	return k == InputText || k == InputImage
}

// Validate checks the invariants ingestion must hold before a transaction
// is persisted and enqueued.
func (t Transaction) Validate() error {
	if t.OwnerID == "" {
		return ErrEmptyOwner
	}
	if !t.InputKind.Valid() {
		return ErrInvalidInput
	}
	if t.InputKind == InputImage && t.ImageRef == "" {
		return ErrEmptyImageRef
	}
	if t.InputKind == InputText && t.Description == "" {
		return ErrEmptyInput
	}
	if t.Amount.Cents < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Period identifies a reporting month. The wire format is "YYYY-MM".
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a "YYYY-MM" period string.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, err
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing ts.
func PeriodOf(ts time.Time) Period {
	return Period{Year: ts.UTC().Year(), Month: ts.UTC().Month()}
}

func (p Period) String() string {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

// Bounds returns the half-open [start, end) UTC interval of the period.
func (p Period) Bounds() (time.Time, time.Time) {
	start := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Previous returns the preceding calendar month.
func (p Period) Previous() Period {
	start := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return Period{Year: start.Year(), Month: start.Month()}
}
