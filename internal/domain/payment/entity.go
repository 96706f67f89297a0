package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentpay/agentpay-api/internal/pkg/flutterwave"
	"github.com/agentpay/agentpay-api/internal/pkg/momo"
	"github.com/agentpay/agentpay-api/internal/pkg/orangemoney"
	"github.com/agentpay/agentpay-api/internal/pkg/wave"
)

// Status represents payment session status
type Status string

const (
	StatusPending      Status = "pending"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCreditFailed Status = "credit_failed"
)

// Terminal reports whether the session has left pending.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Provider names an external payment network.
type Provider string

const (
	ProviderMTNMoMo     Provider = momo.Name
	ProviderOrangeMoney Provider = orangemoney.Name
	ProviderWave        Provider = wave.Name
	ProviderFlutterwave Provider = flutterwave.Name
	ProviderUnknown     Provider = "unknown"
)

// Providers lists every supported network.
func Providers() []Provider {
	return []Provider{ProviderMTNMoMo, ProviderOrangeMoney, ProviderWave, ProviderFlutterwave}
}

// Session correlates an outbound payment with its provider callback.
type Session struct {
	ID                    uuid.UUID  `db:"id" json:"session_id"`
	UserID                uuid.UUID  `db:"user_id" json:"user_id"`
	Amount                int64      `db:"amount" json:"amount"`
	Provider              Provider   `db:"provider" json:"provider"`
	Status                Status     `db:"status" json:"status"`
	ProviderTransactionID *string    `db:"provider_transaction_id" json:"provider_transaction_id,omitempty"`
	CheckoutURL           *string    `db:"checkout_url" json:"checkout_url,omitempty"`
	USSDCode              *string    `db:"ussd_code" json:"ussd_code,omitempty"`
	Phone                 *string    `db:"phone" json:"-"`
	FailureReason         *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	ResolvedBy            *uuid.UUID `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote        *string    `db:"resolution_note" json:"resolution_note,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt           *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Transition is the change a Transition callback asks the repository to apply.
type Transition struct {
	Status                Status
	ProviderTransactionID string
	FailureReason         string
	ResolvedBy            uuid.UUID
	ResolutionNote        string
}

func (t *Transition) apply(s *Session, now time.Time) {
	s.Status = t.Status
	if t.ProviderTransactionID != "" {
		s.ProviderTransactionID = strPtr(t.ProviderTransactionID)
	}
	if t.FailureReason != "" {
		s.FailureReason = strPtr(t.FailureReason)
	}
	if t.ResolvedBy != uuid.Nil {
		id := t.ResolvedBy
		s.ResolvedBy = &id
	}
	if t.ResolutionNote != "" {
		s.ResolutionNote = strPtr(t.ResolutionNote)
	}
	if t.Status == StatusCompleted && s.CompletedAt == nil {
		s.CompletedAt = &now
	}
	s.UpdatedAt = now
}

// Failure reasons set by this service rather than by a provider.
const (
	FailureExpired               = "expired"
	FailureGatewayError          = "gateway_error"
	FailureCompletedAfterExpiry  = "completed_after_expiry"
	FailureCompletedAfterFailure = "completed_after_failure"
)

// Outcome values recorded on a callback.
const (
	OutcomeReceived        = "received"
	OutcomeMalformed       = "malformed"
	OutcomeInvalidSig      = "invalid_signature"
	OutcomeSessionNotFound = "session_not_found"
	OutcomeDuplicate       = "duplicate"
	OutcomePending         = "pending"
	OutcomeCompleted       = "completed"
	OutcomeFailed          = "failed"
	OutcomeCreditFailed    = "credit_failed"
	OutcomeDeferred        = "deferred"
)

// Callback is the audit row of one physical webhook delivery.
type Callback struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Provider   Provider   `db:"provider" json:"provider"`
	SessionID  *uuid.UUID `db:"session_id" json:"session_id,omitempty"`
	RawPayload []byte     `db:"raw_payload" json:"-"`
	Signature  string     `db:"signature" json:"-"`
	Verified   bool       `db:"verified" json:"verified"`
	Processed  bool       `db:"processed" json:"processed"`
	Outcome    string     `db:"outcome" json:"outcome"`
	ReceivedAt time.Time  `db:"received_at" json:"received_at"`
}

// SignalStatus is the provider verdict normalised across networks.
type SignalStatus string

const (
	SignalCompleted SignalStatus = "completed"
	SignalFailed    SignalStatus = "failed"
	SignalPending   SignalStatus = "pending"
)

// Signal is what an adapter extracts from a verified callback.
type Signal struct {
	SessionID    uuid.UUID
	Status       SignalStatus
	ProviderTxID string
	Amount       decimal.Decimal
	HasAmount    bool
	Reason       string
}

// SessionFilter selects sessions for listing.
type SessionFilter struct {
	UserID   uuid.UUID
	Status   Status
	Provider Provider
	Before   *time.Time
	Limit    int
	Offset   int
}

func strPtr(s string) *string {
	return &s
}
