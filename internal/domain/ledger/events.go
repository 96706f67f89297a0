package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentpay/agentpay-api/internal/pkg/events"
)

type committedEvent struct {
	OperationID    string        `json:"operation_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Type           OperationType `json:"type"`
	Amount         int64         `json:"amount"`
	Entries        []Entry       `json:"entries"`
	CommittedAt    time.Time     `json:"committed_at"`
}

// NewEventListener publishes every committed operation to the broker.
// Publishing is best effort: the ledger entries are the record of truth.
func NewEventListener(pub events.Publisher) CommitListener {
	return CommitListenerFunc(func(ctx context.Context, result *Result) {
		body := committedEvent{
			OperationID:    result.Operation.ID.String(),
			IdempotencyKey: result.Operation.IdempotencyKey,
			Type:           result.Operation.Type,
			Amount:         result.Operation.Amount,
			Entries:        result.Entries,
			CommittedAt:    result.Operation.CreatedAt,
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, events.KeyOperationCommitted, body); err != nil {
			log.Warn().Err(err).Str("idempotency_key", result.Operation.IdempotencyKey).Msg("Failed to publish ledger event")
		}
	})
}
