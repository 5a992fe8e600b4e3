package amqp

import (
	"encoding/json"
	"time"

	"finflow/internal/core"
)

// TransactionCreatedMessage asks the worker to categorize one transaction.
// Delivery is at-least-once, so consumers must stay idempotent per
// TransactionID.
type TransactionCreatedMessage struct {
	TransactionID string    `json:"transaction_id"`
	OwnerID       string    `json:"owner_id"`
	Description   string    `json:"description"`
	Amount        float64   `json:"amount"`
	InputKind     string    `json:"input_kind"`
	ImageRef      string    `json:"image_ref,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewTransactionCreatedMessage builds the queue envelope for a freshly
// ingested transaction.
func NewTransactionCreatedMessage(t core.Transaction) *TransactionCreatedMessage {
	return &TransactionCreatedMessage{
		TransactionID: t.ID,
		OwnerID:       t.OwnerID,
		Description:   t.Description,
		Amount:        t.Amount.Float(),
		InputKind:     string(t.InputKind),
		ImageRef:      t.ImageRef,
		Timestamp:     time.Now(),
	}
}

func (m *TransactionCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func TransactionCreatedFromJSON(data []byte) (*TransactionCreatedMessage, error) {
	var msg TransactionCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// TransactionCategorizedMessage is the completion event published after a
// transaction reached its terminal classified state. Downstream consumers
// tolerate duplicates.
type TransactionCategorizedMessage struct {
	EventType     string           `json:"event_type"`
	TransactionID string           `json:"transaction_id"`
	OwnerID       string           `json:"owner_id"`
	Category      core.CategoryRef `json:"category"`
	Amount        float64          `json:"amount"`
	Description   string           `json:"description"`
	Timestamp     time.Time        `json:"timestamp"`
}

// EventTypeTransactionCategorized is the event_type value carried by every
// completion event.
const EventTypeTransactionCategorized = "TransactionCategorized"

func NewTransactionCategorizedMessage(t core.Transaction) *TransactionCategorizedMessage {
	return &TransactionCategorizedMessage{
		EventType:     EventTypeTransactionCategorized,
		TransactionID: t.ID,
		OwnerID:       t.OwnerID,
		Category:      t.Category,
		Amount:        t.Amount.Float(),
		Description:   t.Description,
		Timestamp:     time.Now(),
	}
}

func (m *TransactionCategorizedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func TransactionCategorizedFromJSON(data []byte) (*TransactionCategorizedMessage, error) {
	var msg TransactionCategorizedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
