package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"finflow/internal/amqp"
	"finflow/internal/core"
)

// TransactionReader looks up the categorized transaction behind an event so
// the rolling report lands in the month the transaction occurred, not the
// month the event arrived.
type TransactionReader interface {
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
}

// Consumer refreshes rolling reports from transaction-categorized events.
// Redelivered events recompute the same aggregate, so duplicates are
// harmless.
type Consumer struct {
	service      *Service
	transactions TransactionReader
}

func NewConsumer(service *Service, transactions TransactionReader) *Consumer {
	return &Consumer{service: service, transactions: transactions}
}

// HandleCategorized processes one completion event from the queue.
func (c *Consumer) HandleCategorized(ctx context.Context, body []byte) error {
	msg, err := amqp.TransactionCategorizedFromJSON(body)
	if err != nil {
		return fmt.Errorf("unmarshal categorized event: %v: %w", err, amqp.ErrDiscard)
	}
	if msg.TransactionID == "" || msg.OwnerID == "" {
		return fmt.Errorf("categorized event missing transaction_id or owner_id: %w", amqp.ErrDiscard)
	}

	txn, err := c.transactions.GetTransaction(ctx, msg.TransactionID)
	if errors.Is(err, core.ErrTransactionGone) {
		return fmt.Errorf("load transaction for event: %v: %w", err, amqp.ErrDiscard)
	}
	if err != nil {
		return fmt.Errorf("load transaction %s: %w", msg.TransactionID, err)
	}

	period := core.PeriodOf(txn.OccurredAt)
	if _, err := c.service.Refresh(ctx, msg.OwnerID, period); err != nil {
		return fmt.Errorf("refresh rolling report for owner %s period %s: %w", msg.OwnerID, period, err)
	}

	slog.InfoContext(ctx, "Rolling report refreshed",
		"transaction_id", msg.TransactionID,
		"owner_id", msg.OwnerID,
		"period", period.String())

	return nil
}
