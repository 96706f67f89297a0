package commission

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/pkg/retry"
)

// Africa/Lagos is UTC+1 all year, which keeps local-hour assertions stable.
const agentZone = "Africa/Lagos"

type fixture struct {
	repo   *MemoryRepository
	ledger *ledger.Service
	svc    *Service
	agent  uuid.UUID
	user   uuid.UUID
	loc    *time.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	lsvc := ledger.NewService(ledger.NewEngine(ledger.NewMemoryStore(), nil), ledger.FeeSchedule{})
	if err := lsvc.EnsurePlatformAccounts(ctx, []string{"orange_money"}); err != nil {
		t.Fatalf("platform accounts: %v", err)
	}

	repo := NewMemoryRepository()
	svc := NewService(repo, lsvc, nil, nil)
	svc.SetRetryPolicy(retry.NoRetry())

	loc, err := time.LoadLocation(agentZone)
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	f := &fixture{repo: repo, ledger: lsvc, svc: svc, loc: loc}
	f.agent = f.open(t, ledger.RoleAgent, "dakar")
	f.user = f.open(t, ledger.RoleUser, "")
	return f
}

func (f *fixture) open(t *testing.T, role ledger.Role, territory string) uuid.UUID {
	t.Helper()
	a, err := f.ledger.OpenAccount(context.Background(), ledger.OpenAccountRequest{
		Role:      role,
		Territory: territory,
		Timezone:  agentZone,
	})
	if err != nil {
		t.Fatalf("open %s account: %v", role, err)
	}
	return a.ID
}

func (f *fixture) fund(t *testing.T, id uuid.UUID, amount int64) {
	t.Helper()
	if _, err := f.ledger.ProviderTopUp(context.Background(), uuid.New(), "orange_money", id, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) deposit(t *testing.T, agent, user uuid.UUID, amount int64) *ledger.Result {
	t.Helper()
	r, err := f.ledger.AgentDeposit(context.Background(), uuid.NewString(), agent, user, amount)
	if err != nil {
		t.Fatalf("agent deposit: %v", err)
	}
	return r
}

func (f *fixture) withdraw(t *testing.T, user, agent uuid.UUID, amount int64) *ledger.Result {
	t.Helper()
	r, err := f.ledger.Withdraw(context.Background(), uuid.NewString(), user, agent, amount)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	return r
}

// local builds a time on 2026-03-10 in the agent's zone.
func (f *fixture) local(hour, min int) time.Time {
	return time.Date(2026, time.March, 10, hour, min, 0, 0, f.loc)
}

// thisMonth is the current month in the agent's zone.
func (f *fixture) thisMonth() (int, int) {
	now := time.Now().In(f.loc)
	return now.Year(), int(now.Month())
}

func (f *fixture) commissionBalance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	a, err := f.ledger.Engine().Account(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.CommissionBalance
}

// withoutQuota raises the daily threshold out of reach so statements carry
// only the volume commission.
func (f *fixture) withoutQuota() {
	p := f.svc.Policy()
	p.QuotaThreshold = math.MaxInt64
	f.svc.SetPolicy(p)
}
