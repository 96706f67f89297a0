package payment

import "github.com/agentpay/agentpay-api/internal/pkg/apperr"

var (
	ErrSessionNotFound  = apperr.New(apperr.Retryable, "payment session not found")
	ErrInvalidSignature = apperr.New(apperr.Permanent, "invalid webhook signature")
	ErrMalformedPayload = apperr.New(apperr.Permanent, "malformed webhook payload")
	ErrUnknownProvider  = apperr.New(apperr.Permanent, "unknown payment provider")
	ErrInvalidAmount    = apperr.New(apperr.Permanent, "invalid amount")
	ErrPhoneRequired    = apperr.New(apperr.Permanent, "phone is required for this provider")
	ErrNotResolvable    = apperr.New(apperr.Permanent, "session is not awaiting reconciliation")
	ErrInvalidAction    = apperr.New(apperr.Permanent, "unknown resolution action")
	ErrCreditDeferred   = apperr.New(apperr.Retryable, "ledger credit could not be confirmed, retry later")
	ErrGatewayFailed    = apperr.New(apperr.Permanent, "payment provider refused the request")
	ErrNoAccount        = apperr.New(apperr.Permanent, "beneficiary has no ledger account")
)
