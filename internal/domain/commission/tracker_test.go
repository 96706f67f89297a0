package commission

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
)

func TestTrackerFollowsCommittedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, f.agent, 2_000_000)

	tracker := NewTracker(f.svc, 2, 4)
	f.ledger.Engine().Subscribe(tracker)
	tracker.Start()

	deposit := f.deposit(t, f.agent, f.user, 600_000)
	f.withdraw(t, f.user, f.agent, 50_000)
	// a replay is not delivered again
	if _, err := f.ledger.AgentDeposit(ctx, deposit.Operation.IdempotencyKey, f.agent, f.user, 600_000); err != nil {
		t.Fatalf("replay deposit: %v", err)
	}

	f.ledger.Engine().Wait()
	tracker.Stop()

	date := deposit.Operation.CreatedAt.In(f.loc).Format(DateLayout)
	q, err := f.svc.DailyQuota(ctx, f.agent, date)
	if err != nil {
		t.Fatalf("daily quota: %v", err)
	}
	if q.TotalDeposits != 600_000 || q.DepositCount != 1 || !q.QuotaAchieved {
		t.Fatalf("unexpected quota: %+v", q)
	}
	if q.QuotaReachedAt == nil || !q.QuotaReachedAt.Equal(deposit.Operation.CreatedAt) {
		t.Fatalf("expected reached-at at commit time, got %v", q.QuotaReachedAt)
	}

	local := deposit.Operation.CreatedAt.In(f.loc)
	p, err := f.svc.Performance(ctx, f.agent, local.Year(), int(local.Month()))
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if p.TotalVolume != 650_000 || p.TotalTransactions != 2 {
		t.Fatalf("unexpected statement: %+v", p)
	}
	if p.QuotaBonus != f.svc.Policy().DailyCommission(q, f.loc) {
		t.Fatalf("quota bonus %d does not match daily commission", p.QuotaBonus)
	}
}

func TestTrackerIgnoresUnrelatedOperations(t *testing.T) {
	f := newFixture(t)
	f.fund(t, f.user, 10_000)
	other := f.open(t, ledger.RoleUser, "")

	r, err := f.ledger.Transfer(context.Background(), uuid.NewString(), f.user, other, 1000)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, ok := agentOf(r); ok {
		t.Fatal("transfer must not be tracked")
	}
}

func TestAgentOfFindsAgentLeg(t *testing.T) {
	f := newFixture(t)
	f.fund(t, f.agent, 100_000)

	deposit := f.deposit(t, f.agent, f.user, 40_000)
	if id, ok := agentOf(deposit); !ok || id != f.agent {
		t.Fatalf("deposit: expected agent %s, got %s (%v)", f.agent, id, ok)
	}
	withdrawal := f.withdraw(t, f.user, f.agent, 10_000)
	if id, ok := agentOf(withdrawal); !ok || id != f.agent {
		t.Fatalf("withdrawal: expected agent %s, got %s (%v)", f.agent, id, ok)
	}
}

func TestTrackerStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tracker := NewTracker(f.svc, 1, 1)
	tracker.Start()
	tracker.Stop()
	tracker.Stop()

	// after stop OnCommit returns instead of blocking
	f.fund(t, f.agent, 10_000)
	r := f.deposit(t, f.agent, f.user, 1000)
	tracker.OnCommit(context.Background(), r)
	tracker.OnCommit(context.Background(), r)
}
