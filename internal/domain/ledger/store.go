package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ApplyRequest is one validated operation ready to commit.
type ApplyRequest struct {
	Op          Operation
	Fingerprint string
	Ceiling     Ceiling
	Now         time.Time
}

// Store persists accounts and the entry log. Apply must be atomic: either every
// leg of the operation is committed together with its idempotency record, or
// nothing is.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	ListAccounts(ctx context.Context, role Role, territory string, limit, offset int) ([]*Account, error)

	Apply(ctx context.Context, req ApplyRequest) (*Result, error)
	GetOperation(ctx context.Context, idempotencyKey string) (*Result, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error)

	AgentActivity(ctx context.Context, agentID uuid.UUID, from, to time.Time) (*Activity, error)
	CheckInvariants(ctx context.Context) (*InvariantReport, error)
}
