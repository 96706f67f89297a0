package ledger

import (
	"time"
	// Agent time zones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/google/uuid"
)

// Role of an account holder.
type Role string

const (
	RoleUser     Role = "user"
	RoleAgent    Role = "agent"
	RolePlatform Role = "platform"
)

// BalanceKind selects which balance of an account a leg moves.
type BalanceKind string

const (
	BalanceSpendable  BalanceKind = "spendable"
	BalanceCommission BalanceKind = "commission"
)

// Reason tags every ledger entry.
type Reason string

const (
	ReasonDeposit              Reason = "deposit"
	ReasonWithdrawal           Reason = "withdrawal"
	ReasonTransferOut          Reason = "transfer_out"
	ReasonTransferIn           Reason = "transfer_in"
	ReasonCommissionAccrual    Reason = "commission_accrual"
	ReasonCommissionSettlement Reason = "commission_settlement"
	ReasonPlatformFee          Reason = "platform_fee"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonDeposit, ReasonWithdrawal, ReasonTransferOut, ReasonTransferIn,
		ReasonCommissionAccrual, ReasonCommissionSettlement, ReasonPlatformFee:
		return true
	}
	return false
}

// OperationType names the business operation behind a set of legs.
type OperationType string

const (
	OpAgentDeposit         OperationType = "deposit"
	OpWithdrawal           OperationType = "withdrawal"
	OpTransfer             OperationType = "transfer"
	OpBillPayment          OperationType = "bill_payment"
	OpProviderTopUp        OperationType = "provider_topup"
	OpCommissionSettlement OperationType = "commission_settlement"
	OpCommissionRedeem     OperationType = "commission_redeem"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpAgentDeposit, OpWithdrawal, OpTransfer, OpBillPayment,
		OpProviderTopUp, OpCommissionSettlement, OpCommissionRedeem:
		return true
	}
	return false
}

// Account holds a party's balances. Amounts are in minor units.
//
// External accounts are platform clearing accounts mirroring money that sits
// outside the ledger (a provider float, the commission funding pool). They are
// the only accounts whose spendable balance may go negative.
type Account struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Role              Role      `db:"role" json:"role"`
	Balance           int64     `db:"balance" json:"balance"`
	CommissionBalance int64     `db:"commission_balance" json:"commission_balance"`
	Territory         string    `db:"territory" json:"territory,omitempty"`
	Timezone          string    `db:"timezone" json:"timezone"`
	External          bool      `db:"external" json:"external"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Location returns the account's time zone, UTC when unset or unknown.
func (a *Account) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (a *Account) balanceOf(kind BalanceKind) int64 {
	if kind == BalanceCommission {
		return a.CommissionBalance
	}
	return a.Balance
}

func (a *Account) setBalance(kind BalanceKind, v int64) {
	if kind == BalanceCommission {
		a.CommissionBalance = v
		return
	}
	a.Balance = v
}

// Entry is an immutable ledger row.
type Entry struct {
	ID                    uuid.UUID   `db:"id" json:"id"`
	Seq                   int64       `db:"seq" json:"seq"`
	OperationID           uuid.UUID   `db:"operation_id" json:"operation_id"`
	AccountID             uuid.UUID   `db:"account_id" json:"account_id"`
	Kind                  BalanceKind `db:"balance_kind" json:"balance_kind"`
	Delta                 int64       `db:"delta" json:"delta"`
	BalanceAfter          int64       `db:"balance_after" json:"balance_after"`
	Reason                Reason      `db:"reason" json:"reason"`
	IdempotencyKey        string      `db:"idempotency_key" json:"idempotency_key"`
	CounterpartyAccountID *uuid.UUID  `db:"counterparty_account_id" json:"counterparty_account_id,omitempty"`
	CreatedAt             time.Time   `db:"created_at" json:"created_at"`
}

// OperationRecord is the idempotency record of a committed operation.
type OperationRecord struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	IdempotencyKey string        `db:"idempotency_key" json:"idempotency_key"`
	Type           OperationType `db:"type" json:"type"`
	InitiatorID    *uuid.UUID    `db:"initiator_id" json:"initiator_id,omitempty"`
	Amount         int64         `db:"amount" json:"amount"`
	Fingerprint    string        `db:"fingerprint" json:"-"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// Result is what Execute returns, both on first commit and on replay.
type Result struct {
	Operation OperationRecord `json:"operation"`
	Entries   []Entry         `json:"entries"`
	Replayed  bool            `json:"replayed"`
}

// EntryFilter selects ledger history.
type EntryFilter struct {
	AccountID uuid.UUID
	Reason    Reason
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Activity is an agent's deposit and withdrawal volume over a window.
type Activity struct {
	DepositVolume    int64
	DepositCount     int
	WithdrawalVolume int64
	WithdrawalCount  int
}

// InvariantReport lists every account or operation breaking a ledger invariant.
type InvariantReport struct {
	NegativeAccounts     []uuid.UUID `json:"negative_accounts"`
	UnbalancedOperations []uuid.UUID `json:"unbalanced_operations"`
	DriftedAccounts      []uuid.UUID `json:"drifted_accounts"`
	CheckedAt            time.Time   `json:"checked_at"`
}

// OK reports whether no violation was found.
func (r *InvariantReport) OK() bool {
	return len(r.NegativeAccounts) == 0 && len(r.UnbalancedOperations) == 0 && len(r.DriftedAccounts) == 0
}
