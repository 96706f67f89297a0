package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Leg moves Delta on one balance of one account.
type Leg struct {
	AccountID      uuid.UUID
	Kind           BalanceKind
	Delta          int64
	Reason         Reason
	CounterpartyID *uuid.UUID
}

// LimitCheck asks the engine to enforce the rolling ceiling of Type on AccountID.
type LimitCheck struct {
	Type      OperationType
	Amount    int64
	AccountID uuid.UUID
}

// Operation is one atomic set of legs summing to zero.
type Operation struct {
	IdempotencyKey string
	Type           OperationType
	InitiatorID    uuid.UUID
	Amount         int64
	Legs           []Leg
	Limit          *LimitCheck
}

type legKey struct {
	account uuid.UUID
	kind    BalanceKind
}

func (op *Operation) normalize() {
	for i := range op.Legs {
		if op.Legs[i].Kind == "" {
			op.Legs[i].Kind = BalanceSpendable
		}
	}
}

// Validate checks the shape of the operation. It does not look at balances.
func (op *Operation) Validate() error {
	if strings.TrimSpace(op.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidOperation)
	}
	if len(op.IdempotencyKey) > 200 {
		return fmt.Errorf("%w: idempotency key too long", ErrInvalidOperation)
	}
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, op.Type)
	}
	if op.Amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidOperation)
	}
	if len(op.Legs) < 2 {
		return fmt.Errorf("%w: at least two legs are required", ErrInvalidOperation)
	}

	var sum int64
	seen := make(map[legKey]struct{}, len(op.Legs))
	for _, leg := range op.Legs {
		if leg.AccountID == uuid.Nil {
			return fmt.Errorf("%w: leg without account", ErrInvalidOperation)
		}
		if leg.Delta == 0 {
			return fmt.Errorf("%w: zero delta leg", ErrInvalidOperation)
		}
		if !leg.Reason.Valid() {
			return fmt.Errorf("%w: unknown reason %q", ErrInvalidOperation, leg.Reason)
		}
		if leg.Kind != BalanceSpendable && leg.Kind != BalanceCommission {
			return fmt.Errorf("%w: unknown balance kind %q", ErrInvalidOperation, leg.Kind)
		}
		k := legKey{leg.AccountID, leg.Kind}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate leg for account %s", ErrInvalidOperation, leg.AccountID)
		}
		seen[k] = struct{}{}
		sum += leg.Delta
	}
	if sum != 0 {
		return fmt.Errorf("%w: legs sum to %d, not zero", ErrInvalidOperation, sum)
	}

	if op.Limit != nil && op.Limit.AccountID == uuid.Nil {
		return fmt.Errorf("%w: limit check without account", ErrInvalidOperation)
	}
	return nil
}

// Fingerprint identifies the arguments of an operation independently of leg order.
// A replay with the same key must carry the same fingerprint.
func (op *Operation) Fingerprint() string {
	legs := make([]string, 0, len(op.Legs))
	for _, leg := range op.Legs {
		legs = append(legs, fmt.Sprintf("%s:%s:%d:%s", leg.AccountID, leg.Kind, leg.Delta, leg.Reason))
	}
	sort.Strings(legs)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", op.Type, op.InitiatorID, op.Amount)
	h.Write([]byte(strings.Join(legs, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// lockOrder returns every account the operation touches, ascending, so that
// concurrent operations acquire row locks in the same order.
func (op *Operation) lockOrder() []uuid.UUID {
	set := make(map[uuid.UUID]struct{}, len(op.Legs)+1)
	for _, leg := range op.Legs {
		set[leg.AccountID] = struct{}{}
	}
	if op.Limit != nil {
		set[op.Limit.AccountID] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return strings.Compare(ids[i].String(), ids[j].String()) < 0
	})
	return ids
}

func (op *Operation) initiator() *uuid.UUID {
	if op.InitiatorID == uuid.Nil {
		return nil
	}
	id := op.InitiatorID
	return &id
}

// postLegs applies the legs to the locked accounts in place and returns the
// entries to persist. Accounts are left untouched on error.
func postLegs(op Operation, record OperationRecord, accounts map[uuid.UUID]*Account) ([]Entry, error) {
	next := make(map[legKey]int64, len(op.Legs))
	for _, leg := range op.Legs {
		account, ok := accounts[leg.AccountID]
		if !ok {
			return nil, opError(op.IdempotencyKey, leg.AccountID, ErrAccountNotFound, "")
		}
		after := account.balanceOf(leg.Kind) + leg.Delta
		if after < 0 && (leg.Kind == BalanceCommission || !account.External) {
			return nil, opError(op.IdempotencyKey, leg.AccountID, ErrInsufficientFunds,
				fmt.Sprintf("%s balance %d, delta %d", leg.Kind, account.balanceOf(leg.Kind), leg.Delta))
		}
		next[legKey{leg.AccountID, leg.Kind}] = after
	}

	entries := make([]Entry, 0, len(op.Legs))
	for _, leg := range op.Legs {
		after := next[legKey{leg.AccountID, leg.Kind}]
		accounts[leg.AccountID].setBalance(leg.Kind, after)
		entries = append(entries, Entry{
			ID:                    uuid.New(),
			OperationID:           record.ID,
			AccountID:             leg.AccountID,
			Kind:                  leg.Kind,
			Delta:                 leg.Delta,
			BalanceAfter:          after,
			Reason:                leg.Reason,
			IdempotencyKey:        op.IdempotencyKey,
			CounterpartyAccountID: leg.CounterpartyID,
			CreatedAt:             record.CreatedAt,
		})
	}
	return entries, nil
}
