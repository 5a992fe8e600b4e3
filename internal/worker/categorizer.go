// Package worker drives each transaction from its unprocessed state to a
// terminal classified state: classify, resolve the category, patch the
// store, publish the completion event. The queue's redelivery is the only
// retry loop; every step reports whether its failure is worth a redelivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"finflow/internal/amqp"
	"finflow/internal/classifier"
	"finflow/internal/core"
	"finflow/internal/storage"
)

// TransactionStore is the slice of the repository the categorizer mutates.
type TransactionStore interface {
	ApplyCategorization(ctx context.Context, p storage.CategorizationPatch) error
}

// CategoryResolver resolves a classification to a stable category id,
// creating the category exactly once under concurrent callers.
type CategoryResolver interface {
	Resolve(ctx context.Context, ownerScope, name string, kind core.CategoryKind) (core.Category, error)
}

// EventPublisher publishes the completion event for downstream consumers.
type EventPublisher interface {
	PublishTransactionCategorized(ctx context.Context, queueName string, msg *amqp.TransactionCategorizedMessage) error
}

// Categorizer consumes transaction-created messages and owns the pipeline's
// retry and failure policy.
type Categorizer struct {
	store            TransactionStore
	resolver         CategoryResolver
	provider         classifier.Provider
	publisher        EventPublisher
	categorizedQueue string

	// sharedScope, when non-empty, puts every owner's categories in one
	// namespace instead of scoping them per owner.
	sharedScope string
}

func NewCategorizer(store TransactionStore, resolver CategoryResolver, provider classifier.Provider, publisher EventPublisher, categorizedQueue, sharedScope string) *Categorizer {
	return &Categorizer{
		store:            store,
		resolver:         resolver,
		provider:         provider,
		publisher:        publisher,
		categorizedQueue: categorizedQueue,
		sharedScope:      sharedScope,
	}
}

func (c *Categorizer) scope(ownerID string) string {
	if c.sharedScope != "" {
		return c.sharedScope
	}
	return ownerID
}

// HandleCreated processes one transaction-created message. Errors wrapping
// amqp.ErrDiscard drop the message; all other errors put it back on the
// queue, and the whole cycle repeats on redelivery. Repetition is safe: the
// resolver is idempotent and the store patch is idempotent to repeat
// verbatim.
func (c *Categorizer) HandleCreated(ctx context.Context, body []byte) error {
	// Received: a payload we cannot even parse will not parse on redelivery
	// either.
	msg, err := amqp.TransactionCreatedFromJSON(body)
	if err != nil {
		return fmt.Errorf("unmarshal created message: %v: %w", err, amqp.ErrDiscard)
	}
	if msg.TransactionID == "" || msg.OwnerID == "" {
		return fmt.Errorf("created message missing transaction_id or owner_id: %w", amqp.ErrDiscard)
	}

	slog.InfoContext(ctx, "Processing transaction",
		"transaction_id", msg.TransactionID,
		"owner_id", msg.OwnerID,
		"input_kind", msg.InputKind)

	// Classifying: provider failures are retryable and leave the transaction
	// untouched. Malformed provider output never surfaces here; the provider
	// already degraded it to the fallback.
	result, err := c.provider.Classify(ctx, classifier.Request{
		Text:     msg.Description,
		ImageRef: msg.ImageRef,
	})
	if err != nil {
		return fmt.Errorf("classify transaction %s: %w", msg.TransactionID, err)
	}

	// Resolving: concurrency-safe, the registry reconciles creation races.
	category, err := c.resolver.Resolve(ctx, c.scope(msg.OwnerID), result.CategoryName, result.CategoryKind)
	if err != nil {
		return fmt.Errorf("resolve category for transaction %s: %w", msg.TransactionID, err)
	}

	ref := core.CategoryRef{ID: category.ID, Name: category.Name, Kind: category.Kind}

	// Patching: the single terminal mutation. A vanished transaction cannot
	// come back, so that one case is dropped rather than requeued.
	err = c.store.ApplyCategorization(ctx, storage.CategorizationPatch{
		TransactionID: msg.TransactionID,
		Category:      ref,
		Confidence:    result.Confidence,
		Amount:        result.Amount,
	})
	if errors.Is(err, core.ErrTransactionGone) {
		return fmt.Errorf("patch transaction: %v: %w", err, amqp.ErrDiscard)
	}
	if err != nil {
		return fmt.Errorf("patch transaction %s: %w", msg.TransactionID, err)
	}

	// Publishing: duplicates downstream are tolerated, so a publish failure
	// may repeat the whole cycle.
	finalAmount := core.MoneyFromFloat(msg.Amount)
	if result.Amount.Positive() {
		finalAmount = result.Amount
	}

	event := &amqp.TransactionCategorizedMessage{
		EventType:     amqp.EventTypeTransactionCategorized,
		TransactionID: msg.TransactionID,
		OwnerID:       msg.OwnerID,
		Category:      ref,
		Amount:        finalAmount.Float(),
		Description:   msg.Description,
		Timestamp:     time.Now(),
	}
	if err := c.publisher.PublishTransactionCategorized(ctx, c.categorizedQueue, event); err != nil {
		return fmt.Errorf("publish categorized event for %s: %w", msg.TransactionID, err)
	}

	slog.InfoContext(ctx, "Transaction categorization complete",
		"transaction_id", msg.TransactionID,
		"category_id", category.ID,
		"category_name", category.Name,
		"confidence", result.Confidence,
		"fallback", result.Fallback)

	return nil
}
