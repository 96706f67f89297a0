package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/pkg/apperr"
	"github.com/agentpay/agentpay-api/internal/pkg/archive"
	"github.com/agentpay/agentpay-api/internal/pkg/events"
)

const defaultWebhookTimeout = 8 * time.Second

// Outcome describes what one webhook delivery did.
type Outcome struct {
	CallbackID uuid.UUID  `json:"callback_id"`
	Provider   Provider   `json:"provider"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	Result     string     `json:"outcome"`
	Status     Status     `json:"status,omitempty"`
}

// Reconciler turns verified provider callbacks into exactly one ledger credit
// per payment session.
type Reconciler struct {
	service  *Service
	repo     Repository
	adapters []WebhookAdapter
	archive  archive.Archive
	timeout  time.Duration
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewReconciler(service *Service, adapters []WebhookAdapter) *Reconciler {
	return &Reconciler{
		service:  service,
		repo:     service.repo,
		adapters: adapters,
		timeout:  defaultWebhookTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetArchive enables copying raw payloads to object storage.
func (r *Reconciler) SetArchive(a archive.Archive) {
	r.archive = a
}

func (r *Reconciler) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Wait blocks until pending archive uploads finish.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) detect(p *Payload, hint Provider) WebhookAdapter {
	for _, a := range r.adapters {
		if hint != "" && a.Provider() != hint {
			continue
		}
		if a.Detect(p) {
			return a
		}
	}
	return nil
}

// HandleCallback records a delivery and applies it to its session. hint,
// when set, restricts detection to that network. A nil error means the
// callback is durably recorded and the provider may stop retrying.
func (r *Reconciler) HandleCallback(ctx context.Context, raw []byte, signature string, hint Provider) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cb := &Callback{
		ID:         uuid.New(),
		Provider:   ProviderUnknown,
		RawPayload: raw,
		Signature:  signature,
		Outcome:    OutcomeReceived,
		ReceivedAt: r.now(),
	}
	out := &Outcome{CallbackID: cb.ID, Provider: ProviderUnknown}

	var adapter WebhookAdapter
	payload, err := ParsePayload(raw)
	if err == nil {
		adapter = r.detect(payload, hint)
	}
	if adapter == nil {
		cb.Outcome = OutcomeMalformed
		out.Result = OutcomeMalformed
		if err := r.record(ctx, cb); err != nil {
			return nil, err
		}
		log.Warn().Str("callback_id", cb.ID.String()).Str("hint", string(hint)).Msg("webhook payload matches no provider")
		return out, ErrMalformedPayload
	}

	cb.Provider = adapter.Provider()
	out.Provider = cb.Provider
	cb.Verified = adapter.Verify(payload, signature)
	if !cb.Verified {
		cb.Outcome = OutcomeInvalidSig
		out.Result = OutcomeInvalidSig
		if err := r.record(ctx, cb); err != nil {
			return nil, err
		}
		log.Warn().
			Str("callback_id", cb.ID.String()).
			Str("provider", string(cb.Provider)).
			Bool("security_event", true).
			Msg("webhook signature verification failed")
		return out, ErrInvalidSignature
	}

	if err := r.record(ctx, cb); err != nil {
		return nil, err
	}

	signal, err := adapter.Extract(payload)
	if err != nil {
		out.Result = OutcomeMalformed
		r.mark(ctx, cb.ID, nil, false, OutcomeMalformed)
		return out, err
	}
	out.SessionID = &signal.SessionID

	l := log.With().
		Str("callback_id", cb.ID.String()).
		Str("session_id", signal.SessionID.String()).
		Str("provider", string(cb.Provider)).
		Logger()

	session, result, creditErr, err := r.apply(ctx, cb.Provider, signal)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		out.Result = OutcomeSessionNotFound
		r.mark(ctx, cb.ID, &signal.SessionID, false, OutcomeSessionNotFound)
		l.Warn().Msg("callback for unknown payment session")
		return out, ErrSessionNotFound
	case errors.Is(err, ErrCreditDeferred):
		out.Result = OutcomeDeferred
		r.mark(ctx, cb.ID, &signal.SessionID, false, OutcomeDeferred)
		l.Warn().Err(err).Msg("ledger credit deferred, session left pending")
		return out, err
	case errors.Is(err, ErrMalformedPayload):
		out.Result = OutcomeMalformed
		r.mark(ctx, cb.ID, &signal.SessionID, false, OutcomeMalformed)
		l.Warn().Err(err).Msg("callback does not match its session")
		return out, err
	case err != nil:
		out.Result = OutcomeDeferred
		r.mark(ctx, cb.ID, &signal.SessionID, false, OutcomeDeferred)
		return out, err
	}

	out.Result = result
	out.Status = session.Status
	r.mark(ctx, cb.ID, &signal.SessionID, true, result)

	switch result {
	case OutcomeCompleted:
		l.Info().Int64("amount", session.Amount).Msg("payment session completed")
		r.service.publish(ctx, events.KeySessionCompleted, session)
	case OutcomeFailed:
		l.Info().Msg("payment session failed")
		r.service.publish(ctx, events.KeySessionFailed, session)
	case OutcomeCreditFailed:
		r.creditFailed(ctx, l, session, creditErr)
	case OutcomeDuplicate:
		l.Debug().Str("status", string(session.Status)).Msg("duplicate callback ignored")
	}
	return out, nil
}

// apply runs under the session row lock. The returned creditErr is the
// ledger failure behind a credit_failed outcome, if any.
func (r *Reconciler) apply(ctx context.Context, provider Provider, signal *Signal) (*Session, string, error, error) {
	var (
		result    string
		creditErr error
	)
	session, err := r.repo.Transition(ctx, signal.SessionID, func(cur *Session) (*Transition, error) {
		if cur.Provider != provider {
			return nil, fmt.Errorf("%w: session belongs to %s", ErrMalformedPayload, cur.Provider)
		}
		if cur.Status.Terminal() {
			if signal.Status == SignalCompleted {
				late, err := r.failedLocally(ctx, cur)
				if err != nil {
					return nil, err
				}
				if late {
					// The provider collected the money after we gave up on the
					// session. Hold it for an operator recredit.
					result = OutcomeCreditFailed
					creditErr = fmt.Errorf("provider confirmed payment after session failed with %q", *cur.FailureReason)
					return &Transition{
						Status:                StatusCreditFailed,
						ProviderTransactionID: signal.ProviderTxID,
						FailureReason:         lateCompletionReason(*cur.FailureReason),
					}, nil
				}
			}
			result = OutcomeDuplicate
			return nil, nil
		}

		switch signal.Status {
		case SignalPending:
			result = OutcomePending
			return nil, nil

		case SignalFailed:
			result = OutcomeFailed
			reason := signal.Reason
			if reason == "" {
				reason = "provider_failed"
			}
			return &Transition{Status: StatusFailed, ProviderTransactionID: signal.ProviderTxID, FailureReason: reason}, nil

		default:
			if signal.HasAmount && !signal.Amount.Equal(decimal.NewFromInt(cur.Amount)) {
				result = OutcomeCreditFailed
				creditErr = fmt.Errorf("provider reported %s, session amount %d", signal.Amount.String(), cur.Amount)
				return &Transition{Status: StatusCreditFailed, ProviderTransactionID: signal.ProviderTxID, FailureReason: "amount_mismatch"}, nil
			}

			if _, err := r.service.credit(ctx, cur); err != nil {
				if apperr.IsRetryable(err) {
					return nil, fmt.Errorf("%w: %v", ErrCreditDeferred, err)
				}
				result = OutcomeCreditFailed
				creditErr = err
				return &Transition{Status: StatusCreditFailed, ProviderTransactionID: signal.ProviderTxID, FailureReason: creditFailureReason(err)}, nil
			}
			result = OutcomeCompleted
			return &Transition{Status: StatusCompleted, ProviderTransactionID: signal.ProviderTxID}, nil
		}
	})
	if err != nil {
		return nil, "", nil, err
	}
	return session, result, creditErr, nil
}

// failedLocally reports whether a failed session was closed by this service
// (expiry or a gateway error on initiation) rather than by a provider verdict.
func (r *Reconciler) failedLocally(ctx context.Context, cur *Session) (bool, error) {
	if cur.Status != StatusFailed || cur.FailureReason == nil {
		return false, nil
	}
	if *cur.FailureReason != FailureExpired && *cur.FailureReason != FailureGatewayError {
		return false, nil
	}
	callbacks, err := r.repo.ListCallbacks(ctx, cur.ID)
	if err != nil {
		return false, err
	}
	for _, cb := range callbacks {
		if cb.Processed && cb.Outcome == OutcomeFailed {
			return false, nil
		}
	}
	return true, nil
}

func lateCompletionReason(failure string) string {
	if failure == FailureExpired {
		return FailureCompletedAfterExpiry
	}
	return FailureCompletedAfterFailure
}

func creditFailureReason(err error) string {
	var opErr *ledger.OperationError
	if errors.As(err, &opErr) {
		return string(opErr.Kind())
	}
	return "ledger_error"
}

func (r *Reconciler) creditFailed(ctx context.Context, l zerolog.Logger, session *Session, cause error) {
	l.Error().
		Err(cause).
		Bool("needs_operator", true).
		Int64("amount", session.Amount).
		Str("class", apperr.NeedsOperator.String()).
		Msg("provider confirmed payment but ledger credit did not apply")
	r.service.publish(ctx, events.KeyCreditFailed, session)
}

func (r *Reconciler) record(ctx context.Context, cb *Callback) error {
	if err := r.repo.RecordCallback(ctx, cb); err != nil {
		log.Error().Err(err).Str("callback_id", cb.ID.String()).Msg("failed to record webhook callback")
		return fmt.Errorf("record callback: %w", err)
	}
	r.archiveAsync(cb)
	return nil
}

func (r *Reconciler) mark(ctx context.Context, id uuid.UUID, sessionID *uuid.UUID, processed bool, outcome string) {
	if err := r.repo.MarkCallback(ctx, id, sessionID, processed, outcome); err != nil {
		log.Error().Err(err).Str("callback_id", id.String()).Str("outcome", outcome).Msg("failed to update webhook callback")
	}
}

func (r *Reconciler) archiveAsync(cb *Callback) {
	if r.archive == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		key := archive.CallbackKey(string(cb.Provider), cb.ID, cb.ReceivedAt)
		if err := r.archive.Put(ctx, key, cb.RawPayload, "application/json"); err != nil {
			log.Warn().Err(err).Str("callback_id", cb.ID.String()).Msg("failed to archive webhook payload")
		}
	}()
}
