package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/pkg/apperr"
)

var (
	ErrInvalidOperation    = apperr.New(apperr.Permanent, "invalid operation")
	ErrInsufficientFunds   = apperr.New(apperr.Permanent, "insufficient funds")
	ErrLimitExceeded       = apperr.New(apperr.Permanent, "transaction limit exceeded")
	ErrAccountNotFound     = apperr.New(apperr.Permanent, "account not found")
	ErrAccountExists       = apperr.New(apperr.Permanent, "account already exists")
	ErrRoleMismatch        = apperr.New(apperr.Permanent, "account role not allowed for operation")
	ErrIdempotencyConflict = apperr.New(apperr.Permanent, "idempotency key already used for a different operation")
	ErrOperationNotFound   = apperr.New(apperr.Permanent, "operation not found")
	ErrReservedKey         = apperr.New(apperr.Permanent, "idempotency key uses a reserved prefix")
)

// Kind is the machine-readable failure category of an OperationError.
type Kind string

const (
	KindInvalid             Kind = "invalid_operation"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindLimitExceeded       Kind = "limit_exceeded"
	KindAccountNotFound     Kind = "account_not_found"
	KindRoleMismatch        Kind = "role_mismatch"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindInternal            Kind = "internal"
)

// OperationError carries the failure kind and the context it happened in.
type OperationError struct {
	IdempotencyKey string
	AccountID      uuid.UUID
	Detail         string
	Err            error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("ledger operation %q: %v", e.IdempotencyKey, e.Err)
	if e.AccountID != uuid.Nil {
		msg += " (account " + e.AccountID.String() + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// Kind maps the wrapped error to its category.
func (e *OperationError) Kind() Kind {
	switch {
	case errors.Is(e.Err, ErrInvalidOperation):
		return KindInvalid
	case errors.Is(e.Err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(e.Err, ErrLimitExceeded):
		return KindLimitExceeded
	case errors.Is(e.Err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(e.Err, ErrRoleMismatch):
		return KindRoleMismatch
	case errors.Is(e.Err, ErrIdempotencyConflict):
		return KindIdempotencyConflict
	default:
		return KindInternal
	}
}

// Class tells the caller whether to retry.
func (e *OperationError) Class() apperr.Class {
	return apperr.ClassOf(e.Err)
}

func opError(key string, account uuid.UUID, err error, detail string) *OperationError {
	return &OperationError{IdempotencyKey: key, AccountID: account, Err: err, Detail: detail}
}
