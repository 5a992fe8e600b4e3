// Package registry resolves classification results to stable, deduplicated
// category identifiers. For any (owner scope, normalized name, kind) key at
// most one category ever exists, no matter how many workers race on first
// creation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"finflow/internal/core"
	"finflow/internal/storage"
)

// Store is the slice of the repository the resolver needs.
type Store interface {
	FindCategory(ctx context.Context, ownerScope, normalizedName string, kind core.CategoryKind) (core.Category, error)
	CreateCategory(ctx context.Context, c core.Category, normalizedName string) error
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

var foldCaser = cases.Fold()

// Normalize produces the deduplication form of a category name: trimmed,
// case-folded, with internal whitespace collapsed to single spaces.
func Normalize(name string) string {
	return strings.Join(strings.Fields(foldCaser.String(name)), " ")
}

// displayName keeps the caller's casing but trims and collapses whitespace so
// the stored name matches what the key was derived from.
func displayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// Resolve returns the category for (ownerScope, name, kind), creating it
// exactly once if it does not exist yet. Losing a concurrent creation race is
// not an error: the resolver re-queries and returns the winner. A store
// failure is propagated untouched so the caller's redelivery mechanism can
// retry; no id is ever fabricated.
func (r *Resolver) Resolve(ctx context.Context, ownerScope, name string, kind core.CategoryKind) (core.Category, error) {
	if ownerScope == "" {
		return core.Category{}, core.ErrEmptyScope
	}
	if !kind.Valid() {
		return core.Category{}, fmt.Errorf("kind %q: %w", kind, core.ErrInvalidKind)
	}

	normalized := Normalize(name)
	if normalized == "" {
		return core.Category{}, core.ErrEmptyName
	}

	existing, err := r.store.FindCategory(ctx, ownerScope, normalized, kind)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrCategoryNotFound) {
		return core.Category{}, fmt.Errorf("lookup category: %w", err)
	}

	candidate := core.Category{
		ID:         uuid.NewString(),
		OwnerScope: ownerScope,
		Name:       displayName(name),
		Kind:       kind,
	}

	err = r.store.CreateCategory(ctx, candidate, normalized)
	if err == nil {
		return candidate, nil
	}
	if !errors.Is(err, storage.ErrDuplicateCategory) {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}

	// Lost the creation race: another worker inserted the same key first.
	// The surviving row is the truth.
	slog.InfoContext(ctx, "Category creation race reconciled",
		"owner_scope", ownerScope,
		"name", normalized,
		"kind", kind)

	winner, err := r.store.FindCategory(ctx, ownerScope, normalized, kind)
	if err != nil {
		return core.Category{}, fmt.Errorf("re-query category after conflict: %w", err)
	}

	return winner, nil
}
