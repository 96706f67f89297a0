package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var platformNamespace = uuid.MustParse("6f1c2a8e-4b7d-5e90-a3c1-2d4e6f8a0b1c")

// ClearingAccountID is the external platform account mirroring the float a
// provider holds on our behalf.
func ClearingAccountID(provider string) uuid.UUID {
	return uuid.NewSHA1(platformNamespace, []byte("clearing:"+provider))
}

// RevenueAccountID receives the platform share of fees.
func RevenueAccountID() uuid.UUID {
	return uuid.NewSHA1(platformNamespace, []byte("platform:revenue"))
}

// CommissionPoolAccountID funds monthly agent commission settlements.
func CommissionPoolAccountID() uuid.UUID {
	return uuid.NewSHA1(platformNamespace, []byte("platform:commission_pool"))
}

const (
	topUpKeyPrefix      = "payment-session:"
	settlementKeyPrefix = "commission-settlement:"
	clientKeyPrefix     = "client:"
)

// TopUpKey is the idempotency key of the ledger credit for a payment session.
func TopUpKey(sessionID uuid.UUID) string {
	return topUpKeyPrefix + sessionID.String()
}

// SettlementKey is the idempotency key of an agent's monthly commission payout.
func SettlementKey(agentID uuid.UUID, year int, month time.Month) string {
	return fmt.Sprintf("%s%s:%04d-%02d", settlementKeyPrefix, agentID, year, int(month))
}

// ReservedKey reports whether key belongs to a namespace the service derives
// itself. API callers may not submit such keys.
func ReservedKey(key string) bool {
	for _, prefix := range []string{topUpKeyPrefix, settlementKeyPrefix, clientKeyPrefix} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// ClientKey scopes a caller-supplied idempotency key to the caller, so two
// callers sending the same key never meet and neither can claim a system key.
func ClientKey(callerID uuid.UUID, key string) (string, error) {
	if ReservedKey(key) {
		return "", ErrReservedKey
	}
	return clientKeyPrefix + callerID.String() + ":" + key, nil
}

// FeeSchedule holds fees in basis points of the principal.
type FeeSchedule struct {
	WithdrawalBps int64
	TransferBps   int64
	BillPayBps    int64
	// AgentShareBps is the part of the withdrawal fee credited to the agent's
	// commission balance.
	AgentShareBps int64
}

var bpsDivisor = decimal.NewFromInt(10000)

// bps returns amount*rate/10000 rounded half-up to whole units.
func bps(amount, rate int64) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(rate)).
		Div(bpsDivisor).
		Round(0).
		IntPart()
}

// Service builds business operations on top of the Engine.
type Service struct {
	engine      *Engine
	fees        FeeSchedule
	defaultZone string
}

func NewService(engine *Engine, fees FeeSchedule) *Service {
	return &Service{engine: engine, fees: fees, defaultZone: "UTC"}
}

// SetDefaultTimezone sets the zone given to accounts opened without one.
func (s *Service) SetDefaultTimezone(tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidOperation, tz)
	}
	s.defaultZone = tz
	return nil
}

func (s *Service) Engine() *Engine {
	return s.engine
}

type OpenAccountRequest struct {
	ID        uuid.UUID
	Role      Role
	Territory string
	Timezone  string
}

func (s *Service) OpenAccount(ctx context.Context, req OpenAccountRequest) (*Account, error) {
	switch req.Role {
	case RoleUser, RoleAgent, RolePlatform:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidOperation, req.Role)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Timezone == "" {
		req.Timezone = s.defaultZone
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidOperation, req.Timezone)
	}

	now := s.engine.now()
	account := &Account{
		ID:        req.ID,
		Role:      req.Role,
		Territory: req.Territory,
		Timezone:  req.Timezone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.engine.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	log.Info().Str("account_id", account.ID.String()).Str("role", string(account.Role)).Msg("account opened")
	return account, nil
}

// EnsurePlatformAccounts creates the revenue, commission pool and per-provider
// clearing accounts if they do not exist yet.
func (s *Service) EnsurePlatformAccounts(ctx context.Context, providers []string) error {
	ensure := func(id uuid.UUID, external bool) error {
		now := s.engine.now()
		err := s.engine.store.CreateAccount(ctx, &Account{
			ID:        id,
			Role:      RolePlatform,
			Timezone:  "UTC",
			External:  external,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil && !errors.Is(err, ErrAccountExists) {
			return err
		}
		return nil
	}

	if err := ensure(RevenueAccountID(), false); err != nil {
		return fmt.Errorf("revenue account: %w", err)
	}
	if err := ensure(CommissionPoolAccountID(), true); err != nil {
		return fmt.Errorf("commission pool account: %w", err)
	}
	for _, p := range providers {
		if err := ensure(ClearingAccountID(p), true); err != nil {
			return fmt.Errorf("clearing account %s: %w", p, err)
		}
	}
	return nil
}

func (s *Service) requireRole(ctx context.Context, key string, id uuid.UUID, roles ...Role) error {
	account, err := s.engine.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return opError(key, id, ErrAccountNotFound, "")
		}
		return err
	}
	for _, r := range roles {
		if account.Role == r {
			return nil
		}
	}
	return opError(key, id, ErrRoleMismatch, fmt.Sprintf("role %s", account.Role))
}

func ref(id uuid.UUID) *uuid.UUID { return &id }

// AgentDeposit moves cash-in value from the agent's float to the user.
func (s *Service) AgentDeposit(ctx context.Context, key string, agentID, userID uuid.UUID, amount int64) (*Result, error) {
	if err := s.requireRole(ctx, key, agentID, RoleAgent); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, key, userID, RoleUser); err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, Operation{
		IdempotencyKey: key,
		Type:           OpAgentDeposit,
		InitiatorID:    agentID,
		Amount:         amount,
		Legs: []Leg{
			{AccountID: agentID, Delta: -amount, Reason: ReasonDeposit, CounterpartyID: ref(userID)},
			{AccountID: userID, Delta: amount, Reason: ReasonDeposit, CounterpartyID: ref(agentID)},
		},
		Limit: &LimitCheck{Type: OpAgentDeposit, Amount: amount, AccountID: agentID},
	})
}

// Withdraw pays a user out through an agent. The fee is split between the
// agent's commission balance and platform revenue.
func (s *Service) Withdraw(ctx context.Context, key string, userID, agentID uuid.UUID, amount int64) (*Result, error) {
	if err := s.requireRole(ctx, key, userID, RoleUser); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, key, agentID, RoleAgent); err != nil {
		return nil, err
	}

	fee := bps(amount, s.fees.WithdrawalBps)
	share := bps(fee, s.fees.AgentShareBps)
	legs := []Leg{
		{AccountID: userID, Delta: -(amount + fee), Reason: ReasonWithdrawal, CounterpartyID: ref(agentID)},
		{AccountID: agentID, Delta: amount, Reason: ReasonWithdrawal, CounterpartyID: ref(userID)},
	}
	if share > 0 {
		legs = append(legs, Leg{AccountID: agentID, Kind: BalanceCommission, Delta: share, Reason: ReasonCommissionAccrual, CounterpartyID: ref(userID)})
	}
	if fee-share > 0 {
		legs = append(legs, Leg{AccountID: RevenueAccountID(), Delta: fee - share, Reason: ReasonPlatformFee, CounterpartyID: ref(userID)})
	}

	return s.engine.Execute(ctx, Operation{
		IdempotencyKey: key,
		Type:           OpWithdrawal,
		InitiatorID:    userID,
		Amount:         amount,
		Legs:           legs,
		Limit:          &LimitCheck{Type: OpWithdrawal, Amount: amount, AccountID: userID},
	})
}

// Transfer sends value between two wallets; the sender pays the fee.
func (s *Service) Transfer(ctx context.Context, key string, fromID, toID uuid.UUID, amount int64) (*Result, error) {
	if fromID == toID {
		return nil, opError(key, fromID, ErrInvalidOperation, "cannot transfer to the same account")
	}
	if err := s.requireRole(ctx, key, fromID, RoleUser, RoleAgent); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, key, toID, RoleUser, RoleAgent); err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, s.payment(key, OpTransfer, fromID, toID, amount, bps(amount, s.fees.TransferBps)))
}

// PayBill pays a biller, which must be a platform account.
func (s *Service) PayBill(ctx context.Context, key string, payerID, billerID uuid.UUID, amount int64) (*Result, error) {
	if err := s.requireRole(ctx, key, payerID, RoleUser, RoleAgent); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, key, billerID, RolePlatform); err != nil {
		return nil, err
	}
	if billerID == RevenueAccountID() {
		return nil, opError(key, billerID, ErrRoleMismatch, "revenue account is not a biller")
	}
	return s.engine.Execute(ctx, s.payment(key, OpBillPayment, payerID, billerID, amount, bps(amount, s.fees.BillPayBps)))
}

func (s *Service) payment(key string, t OperationType, fromID, toID uuid.UUID, amount, fee int64) Operation {
	legs := []Leg{
		{AccountID: fromID, Delta: -(amount + fee), Reason: ReasonTransferOut, CounterpartyID: ref(toID)},
		{AccountID: toID, Delta: amount, Reason: ReasonTransferIn, CounterpartyID: ref(fromID)},
	}
	if fee > 0 {
		legs = append(legs, Leg{AccountID: RevenueAccountID(), Delta: fee, Reason: ReasonPlatformFee, CounterpartyID: ref(fromID)})
	}
	return Operation{
		IdempotencyKey: key,
		Type:           t,
		InitiatorID:    fromID,
		Amount:         amount,
		Legs:           legs,
		Limit:          &LimitCheck{Type: t, Amount: amount, AccountID: fromID},
	}
}

// ProviderTopUp credits a user for a payment the provider confirmed. The key
// is derived from the session so every retry of the same session converges.
func (s *Service) ProviderTopUp(ctx context.Context, sessionID uuid.UUID, provider string, userID uuid.UUID, amount int64) (*Result, error) {
	clearing := ClearingAccountID(provider)
	return s.engine.Execute(ctx, Operation{
		IdempotencyKey: TopUpKey(sessionID),
		Type:           OpProviderTopUp,
		InitiatorID:    userID,
		Amount:         amount,
		Legs: []Leg{
			{AccountID: clearing, Delta: -amount, Reason: ReasonDeposit, CounterpartyID: ref(userID)},
			{AccountID: userID, Delta: amount, Reason: ReasonDeposit, CounterpartyID: ref(clearing)},
		},
	})
}

// SettleCommission pays an agent's monthly earnings from the commission pool.
func (s *Service) SettleCommission(ctx context.Context, agentID uuid.UUID, year int, month time.Month, amount int64) (*Result, error) {
	pool := CommissionPoolAccountID()
	return s.engine.Execute(ctx, Operation{
		IdempotencyKey: SettlementKey(agentID, year, month),
		Type:           OpCommissionSettlement,
		Amount:         amount,
		Legs: []Leg{
			{AccountID: pool, Delta: -amount, Reason: ReasonCommissionSettlement, CounterpartyID: ref(agentID)},
			{AccountID: agentID, Kind: BalanceCommission, Delta: amount, Reason: ReasonCommissionSettlement, CounterpartyID: ref(pool)},
		},
	})
}

// RedeemCommission moves earned commission into the agent's spendable balance.
func (s *Service) RedeemCommission(ctx context.Context, key string, agentID uuid.UUID, amount int64) (*Result, error) {
	if err := s.requireRole(ctx, key, agentID, RoleAgent); err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, Operation{
		IdempotencyKey: key,
		Type:           OpCommissionRedeem,
		InitiatorID:    agentID,
		Amount:         amount,
		Legs: []Leg{
			{AccountID: agentID, Kind: BalanceCommission, Delta: -amount, Reason: ReasonCommissionSettlement},
			{AccountID: agentID, Kind: BalanceSpendable, Delta: amount, Reason: ReasonCommissionSettlement},
		},
	})
}
