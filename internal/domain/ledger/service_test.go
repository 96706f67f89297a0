package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBps(t *testing.T) {
	cases := []struct {
		amount, rate, want int64
	}{
		{10000, 150, 150},
		{333, 150, 5}, // 4.995 rounds up
		{100, 50, 1},  // 0.5 rounds up
		{99, 50, 0},   // 0.495 rounds down
		{10000, 0, 0},
		{0, 150, 0},
	}
	for _, tc := range cases {
		if got := bps(tc.amount, tc.rate); got != tc.want {
			t.Errorf("bps(%d, %d) = %d, want %d", tc.amount, tc.rate, got, tc.want)
		}
	}
}

func TestWithdrawSplitsFee(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{WithdrawalBps: 200, AgentShareBps: 4000})
	user := l.open(t, RoleUser)
	agent := l.open(t, RoleAgent)
	l.fund(t, user, 20000)

	result, err := l.svc.Withdraw(context.Background(), "w1", user, agent, 10000)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(result.Entries) != 4 {
		t.Fatalf("expected 4 legs, got %d", len(result.Entries))
	}

	// fee 200, agent share 80, platform 120
	if got := l.balance(t, user); got != 20000-10200 {
		t.Fatalf("user balance %d", got)
	}
	a, _ := l.store.GetAccount(context.Background(), agent)
	if a.Balance != 10000 || a.CommissionBalance != 80 {
		t.Fatalf("agent balances %d/%d, want 10000/80", a.Balance, a.CommissionBalance)
	}
	if got := l.balance(t, RevenueAccountID()); got != 120 {
		t.Fatalf("revenue %d, want 120", got)
	}
	assertInvariants(t, l.store)
}

func TestTransferFeeChargedToSender(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{TransferBps: 100})
	from := l.open(t, RoleUser)
	to := l.open(t, RoleUser)
	l.fund(t, from, 10100)

	if _, err := l.svc.Transfer(context.Background(), "t1", from, to, 10000); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if l.balance(t, from) != 0 || l.balance(t, to) != 10000 || l.balance(t, RevenueAccountID()) != 100 {
		t.Fatal("fee not charged to sender")
	}

	_, err := l.svc.Transfer(context.Background(), "t2", from, to, 1)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestTransferToSelfRejected(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{})
	u := l.open(t, RoleUser)
	l.fund(t, u, 100)
	if _, err := l.svc.Transfer(context.Background(), "t1", u, u, 10); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
}

func TestPayBillRequiresPlatformBiller(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{})
	payer := l.open(t, RoleUser)
	other := l.open(t, RoleUser)
	biller := l.open(t, RolePlatform)
	l.fund(t, payer, 5000)

	if _, err := l.svc.PayBill(context.Background(), "b1", payer, other, 1000); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected role mismatch, got %v", err)
	}
	if _, err := l.svc.PayBill(context.Background(), "b2", payer, RevenueAccountID(), 1000); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("revenue account must not be a biller, got %v", err)
	}
	if _, err := l.svc.PayBill(context.Background(), "b3", payer, biller, 1000); err != nil {
		t.Fatalf("pay bill: %v", err)
	}
	if l.balance(t, biller) != 1000 {
		t.Fatal("biller not credited")
	}
}

func TestDepositRoles(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{})
	user := l.open(t, RoleUser)
	other := l.open(t, RoleUser)
	l.fund(t, user, 5000)

	_, err := l.svc.AgentDeposit(context.Background(), "d1", user, other, 100)
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Kind() != KindRoleMismatch {
		t.Fatalf("a user cannot act as agent, got %v", err)
	}
}

func TestProviderTopUpDrawsOnClearingAccount(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{})
	user := l.open(t, RoleUser)
	session := uuid.New()

	first, err := l.svc.ProviderTopUp(context.Background(), session, "orange_money", user, 10000)
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	again, err := l.svc.ProviderTopUp(context.Background(), session, "orange_money", user, 10000)
	if err != nil || !again.Replayed {
		t.Fatalf("second top up must replay: %v", err)
	}
	if first.Operation.IdempotencyKey != TopUpKey(session) {
		t.Fatalf("unexpected key %s", first.Operation.IdempotencyKey)
	}
	if l.balance(t, user) != 10000 {
		t.Fatal("user not credited exactly once")
	}
	if l.balance(t, ClearingAccountID("orange_money")) != -10000 {
		t.Fatal("clearing account must mirror the provider float")
	}
	assertInvariants(t, l.store)
}

func TestProviderTopUpUnknownProvider(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{})
	user := l.open(t, RoleUser)
	_, err := l.svc.ProviderTopUp(context.Background(), uuid.New(), "paypal", user, 100)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found for missing clearing account, got %v", err)
	}
}

func TestSettleAndRedeemCommission(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{})
	agent := l.open(t, RoleAgent)

	if _, err := l.svc.SettleCommission(context.Background(), agent, 2026, time.February, 7500); err != nil {
		t.Fatalf("settle: %v", err)
	}
	again, err := l.svc.SettleCommission(context.Background(), agent, 2026, time.February, 7500)
	if err != nil || !again.Replayed {
		t.Fatalf("settlement must be idempotent per month: %v", err)
	}
	if again.Operation.IdempotencyKey != "commission-settlement:"+agent.String()+":2026-02" {
		t.Fatalf("unexpected key %s", again.Operation.IdempotencyKey)
	}

	if _, err := l.svc.RedeemCommission(context.Background(), "r1", agent, 8000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("cannot redeem more than earned, got %v", err)
	}
	if _, err := l.svc.RedeemCommission(context.Background(), "r2", agent, 5000); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	a, _ := l.store.GetAccount(context.Background(), agent)
	if a.CommissionBalance != 2500 || a.Balance != 5000 {
		t.Fatalf("agent balances %d/%d, want 5000/2500", a.Balance, a.CommissionBalance)
	}
	assertInvariants(t, l.store)
}

func TestAgentActivity(t *testing.T) {
	l := newTestLedger(t, nil, FeeSchedule{})
	agent := l.open(t, RoleAgent)
	user := l.open(t, RoleUser)
	l.fund(t, agent, 100000)

	now := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)
	l.eng.now = func() time.Time { return now }
	for i, amt := range []int64{1000, 2000, 3000} {
		if _, err := l.svc.AgentDeposit(context.Background(), "d"+string(rune('a'+i)), agent, user, amt); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	if _, err := l.svc.Withdraw(context.Background(), "w1", user, agent, 2500); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	act, err := l.eng.AgentActivity(context.Background(), agent, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if act.DepositVolume != 6000 || act.DepositCount != 3 || act.WithdrawalVolume != 2500 || act.WithdrawalCount != 1 {
		t.Fatalf("unexpected activity %+v", act)
	}
}
