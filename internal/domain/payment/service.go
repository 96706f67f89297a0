package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/pkg/events"
	"github.com/agentpay/agentpay-api/internal/pkg/retry"
)

// Crediter books a confirmed provider payment into the ledger.
// *ledger.Service satisfies it.
type Crediter interface {
	ProviderTopUp(ctx context.Context, sessionID uuid.UUID, provider string, userID uuid.UUID, amount int64) (*ledger.Result, error)
}

// Resolution actions an operator may take on a credit_failed session.
const (
	ActionRecredit = "recredit"
	ActionReject   = "reject"
)

const defaultSessionTTL = 30 * time.Minute

// Service handles payment business logic
type Service struct {
	repo       Repository
	crediter   Crediter
	publisher  events.Publisher
	gateways   map[Provider]Gateway
	policy     retry.Policy
	sessionTTL time.Duration
	now        func() time.Time
}

// NewService creates payment service
func NewService(repo Repository, crediter Crediter, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Fallback{}
	}
	return &Service{
		repo:       repo,
		crediter:   crediter,
		publisher:  publisher,
		gateways:   make(map[Provider]Gateway),
		policy:     retry.DefaultPolicy(),
		sessionTTL: defaultSessionTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterGateway enables payment initiation on g's network.
func (s *Service) RegisterGateway(g Gateway) {
	s.gateways[g.Provider()] = g
}

// SetRetryPolicy sets the policy applied to outbound provider calls.
func (s *Service) SetRetryPolicy(p retry.Policy) {
	s.policy = p
}

// SetSessionTTL sets how long a session may stay pending before it expires.
func (s *Service) SetSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
}

type InitiateRequest struct {
	Amount   int64    `json:"amount" validate:"required,gt=0"`
	Provider Provider `json:"provider" validate:"required,provider"`
	Phone    string   `json:"phone" validate:"omitempty,msisdn"`
}

type InitiateResponse struct {
	SessionID   uuid.UUID `json:"session_id"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	USSDCode    string    `json:"ussd_code,omitempty"`
	Provider    Provider  `json:"provider"`
	Amount      int64     `json:"amount"`
	Status      Status    `json:"status"`
}

// Initiate creates a pending session and asks the provider to collect the
// payment. If the provider cannot be reached the session is marked failed.
func (s *Service) Initiate(ctx context.Context, userID uuid.UUID, req InitiateRequest) (*InitiateResponse, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	gw, ok := s.gateways[req.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	phone := strings.TrimSpace(req.Phone)
	if gw.RequiresPhone() && phone == "" {
		return nil, ErrPhoneRequired
	}

	now := s.now()
	session := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    req.Amount,
		Provider:  req.Provider,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if phone != "" {
		session.Phone = strPtr(phone)
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}

	var result *GatewayResult
	err := s.policy.Do(ctx, "payment.initiate."+string(req.Provider), func(ctx context.Context) error {
		res, err := gw.Initiate(ctx, session, phone)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		log.Warn().Err(err).
			Str("session_id", session.ID.String()).
			Str("provider", string(req.Provider)).
			Msg("payment initiation failed")
		failed, terr := s.repo.Transition(ctx, session.ID, func(cur *Session) (*Transition, error) {
			if cur.Status.Terminal() {
				return nil, nil
			}
			return &Transition{Status: StatusFailed, FailureReason: FailureGatewayError}, nil
		})
		if terr != nil {
			log.Error().Err(terr).Str("session_id", session.ID.String()).Msg("failed to mark payment session failed")
		} else {
			s.publish(ctx, events.KeySessionFailed, failed)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayFailed, err)
	}

	if err := s.repo.SetGatewayDetails(ctx, session.ID, result.ProviderTxID, result.CheckoutURL, result.USSDCode); err != nil {
		return nil, fmt.Errorf("store gateway details: %w", err)
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("provider", string(req.Provider)).
		Int64("amount", req.Amount).
		Msg("payment session initiated")

	return &InitiateResponse{
		SessionID:   session.ID,
		CheckoutURL: result.CheckoutURL,
		USSDCode:    result.USSDCode,
		Provider:    session.Provider,
		Amount:      session.Amount,
		Status:      StatusPending,
	}, nil
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.repo.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	return s.repo.ListSessions(ctx, filter)
}

func (s *Service) ListCallbacks(ctx context.Context, sessionID uuid.UUID) ([]*Callback, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListCallbacks(ctx, sessionID)
}

// credit applies the top-up for a session. Replays of the same session key
// return the original result, so calling it again is safe.
func (s *Service) credit(ctx context.Context, session *Session) (*ledger.Result, error) {
	return s.crediter.ProviderTopUp(ctx, session.ID, string(session.Provider), session.UserID, session.Amount)
}

type ResolveRequest struct {
	Action string `json:"action" validate:"required,resolution_action"`
	Note   string `json:"note" validate:"max=500"`
}

// Resolve settles a credit_failed session by hand. recredit re-runs the
// idempotent credit and completes the session; reject records the decision
// and leaves the money out of the ledger.
func (s *Service) Resolve(ctx context.Context, id, operatorID uuid.UUID, req ResolveRequest) (*Session, error) {
	if req.Action != ActionRecredit && req.Action != ActionReject {
		return nil, ErrInvalidAction
	}

	session, err := s.repo.Transition(ctx, id, func(cur *Session) (*Transition, error) {
		if cur.Status != StatusCreditFailed || cur.ResolvedBy != nil {
			return nil, ErrNotResolvable
		}
		t := &Transition{Status: StatusCreditFailed, ResolvedBy: operatorID, ResolutionNote: req.Note}
		if req.Action == ActionRecredit {
			if _, err := s.credit(ctx, cur); err != nil {
				return nil, err
			}
			t.Status = StatusCompleted
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", id.String()).
		Str("operator_id", operatorID.String()).
		Str("action", req.Action).
		Msg("credit_failed session resolved")
	if session.Status == StatusCompleted {
		s.publish(ctx, events.KeySessionCompleted, session)
	}
	return session, nil
}

// ExpireStale fails sessions pending longer than the session TTL. Sessions
// that already received a verified callback are left for the reconciler.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.sessionTTL)
	stale, err := s.repo.ListSessions(ctx, SessionFilter{Status: StatusPending, Before: &cutoff, Limit: 500})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		changed := false
		session, err := s.repo.Transition(ctx, candidate.ID, func(cur *Session) (*Transition, error) {
			if cur.Status != StatusPending {
				return nil, nil
			}
			// Checked under the session lock so a callback applied between
			// the listing and now is seen.
			callbacks, err := s.repo.ListCallbacks(ctx, cur.ID)
			if err != nil {
				return nil, err
			}
			if hasVerified(callbacks) {
				return nil, nil
			}
			changed = true
			return &Transition{Status: StatusFailed, FailureReason: FailureExpired}, nil
		})
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
			s.publish(ctx, events.KeySessionFailed, session)
		}
	}
	return expired, nil
}

func hasVerified(callbacks []*Callback) bool {
	for _, cb := range callbacks {
		if cb.Verified {
			return true
		}
	}
	return false
}

type sessionEvent struct {
	SessionID     uuid.UUID `json:"session_id"`
	UserID        uuid.UUID `json:"user_id"`
	Provider      Provider  `json:"provider"`
	Amount        int64     `json:"amount"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (s *Service) publish(ctx context.Context, key string, session *Session) {
	ev := sessionEvent{
		SessionID:  session.ID,
		UserID:     session.UserID,
		Provider:   session.Provider,
		Amount:     session.Amount,
		Status:     session.Status,
		OccurredAt: s.now(),
	}
	if session.FailureReason != nil {
		ev.FailureReason = *session.FailureReason
	}
	if err := s.publisher.Publish(ctx, key, ev); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID.String()).Str("routing_key", key).Msg("failed to publish payment event")
	}
}
