package events

import (
	"context"
	"log"
	"time"

	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
)

const TransfersExchange = "voice.transfers"

const (
	RoutingTransferInitiated = "transfer.initiated"
	RoutingTransferCompleted = "transfer.completed"
	RoutingTransferFailed    = "transfer.failed"
	RoutingTransferCancelled = "transfer.cancelled"
)

type TransferEvent struct {
	TransferID       string                `json:"transfer_id"`
	InstitutionID    string                `json:"institution_id"`
	AccountNumber    string                `json:"account_number"`
	RecipientName    string                `json:"recipient_name"`
	RecipientAccount string                `json:"recipient_account"`
	Amount           decimal.Decimal       `json:"amount"`
	Fee              decimal.Decimal       `json:"fee"`
	Status           models.TransferStatus `json:"status"`
	TransactionRef   string                `json:"transaction_ref,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	Timestamp        time.Time             `json:"timestamp"`
}

// TransferEvents publishes lifecycle events for voice transfers. Publish
// failures are logged and never fail the caller.
type TransferEvents struct {
	publisher Publisher
}

func NewTransferEvents(publisher Publisher) *TransferEvents {
	if publisher == nil {
		publisher = &EventProducerFallback{}
	}
	return &TransferEvents{publisher: publisher}
}

func (e *TransferEvents) Emit(ctx context.Context, event TransferEvent) {
	routingKey := routingKeyFor(event.Status)
	if routingKey == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := e.publisher.Publish(ctx, TransfersExchange, routingKey, event); err != nil {
		log.Printf("[EVENTS] Failed to publish %s for transfer %s: %v", routingKey, event.TransferID, err)
	}
}

func routingKeyFor(status models.TransferStatus) string {
	switch status {
	case models.TransferStatusPendingPin:
		return RoutingTransferInitiated
	case models.TransferStatusCompleted:
		return RoutingTransferCompleted
	case models.TransferStatusFailed:
		return RoutingTransferFailed
	case models.TransferStatusCancelled:
		return RoutingTransferCancelled
	}
	return ""
}
