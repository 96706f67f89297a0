package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/pkg/events"
	"github.com/agentpay/agentpay-api/internal/pkg/lock"
	"github.com/agentpay/agentpay-api/internal/pkg/retry"
)

// SettlementLockKey serialises settlement runs across instances.
const SettlementLockKey = "lock:commission:settlement"

const (
	settlementLockTTL = 15 * time.Minute
	recomputeWorkers  = 8
	agentPageSize     = 200
	replayPageSize    = 500
)

// Service handles quota and commission business logic
type Service struct {
	repo      Repository
	ledger    *ledger.Service
	locker    *lock.Locker
	publisher events.Publisher
	policy    Policy
	retry     retry.Policy
	now       func() time.Time

	// months holds one *sync.Mutex per monthKey so statements of the same
	// agent month are computed one at a time.
	months sync.Map
}

// NewService creates commission service
func NewService(repo Repository, ledgerSvc *ledger.Service, locker *lock.Locker, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Fallback{}
	}
	return &Service{
		repo:      repo,
		ledger:    ledgerSvc,
		locker:    locker,
		publisher: publisher,
		policy:    DefaultPolicy(),
		retry:     retry.DefaultPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPolicy replaces the commission constants.
func (s *Service) SetPolicy(p Policy) {
	s.policy = p
}

// SetRetryPolicy sets the policy used for ledger writes and tracker updates.
func (s *Service) SetRetryPolicy(p retry.Policy) {
	s.retry = p
}

// Policy returns the active commission constants.
func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) agent(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	account, err := s.ledger.Engine().Account(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.Role != ledger.RoleAgent {
		return nil, ErrNotAgent
	}
	return account, nil
}

func validPeriod(year, month int) error {
	if year < 2000 || year > 9999 || month < 1 || month > 12 {
		return ErrInvalidPeriod
	}
	return nil
}

func (s *Service) decorate(q *DailyQuota, loc *time.Location) *DailyQuota {
	q.Threshold = s.policy.QuotaThreshold
	q.CommissionRate = s.policy.DailyRate(q, loc)
	q.Commission = s.policy.DailyCommission(q, loc)
	return q
}

// RecordDeposit counts a committed agent deposit towards the agent's quota for
// the local day of at. Recording the same operation twice has no effect.
func (s *Service) RecordDeposit(ctx context.Context, agentID, operationID uuid.UUID, amount int64, at time.Time) (*DailyQuota, error) {
	account, err := s.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	loc := account.Location()
	date := at.In(loc).Format(DateLayout)

	q, recorded, err := s.repo.RecordDeposit(ctx, agentID, operationID, date, amount, at, s.policy.QuotaThreshold)
	if err != nil {
		return nil, fmt.Errorf("record deposit: %w", err)
	}
	if recorded && q.QuotaReachedAt != nil && q.QuotaReachedAt.Equal(at) {
		log.Info().
			Str("agent_id", agentID.String()).
			Str("date", date).
			Int64("total_deposits", q.TotalDeposits).
			Msg("Agent reached daily quota")
	}
	return s.decorate(q, loc), nil
}

// DailyQuota returns the quota for date (YYYY-MM-DD), today in the agent's
// time zone when date is empty.
func (s *Service) DailyQuota(ctx context.Context, agentID uuid.UUID, date string) (*DailyQuota, error) {
	account, err := s.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	loc := account.Location()
	date = strings.TrimSpace(date)
	if date == "" {
		date = s.now().In(loc).Format(DateLayout)
	} else if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, ErrInvalidPeriod
	}

	q, err := s.repo.GetDailyQuota(ctx, agentID, date)
	if err != nil {
		return nil, err
	}
	return s.decorate(q, loc), nil
}

// Quotas lists the agent's daily quotas of one month.
func (s *Service) Quotas(ctx context.Context, agentID uuid.UUID, year, month int) ([]*DailyQuota, error) {
	if err := validPeriod(year, month); err != nil {
		return nil, err
	}
	account, err := s.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	loc := account.Location()
	from, to := monthWindow(year, time.Month(month), loc)

	quotas, err := s.repo.ListDailyQuotas(ctx, agentID, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return nil, err
	}
	for _, q := range quotas {
		s.decorate(q, loc)
	}
	return quotas, nil
}

// Recompute rebuilds the agent's statement for one month from the ledger,
// the daily quotas and the complaints, replacing any previous row. Settled
// months are frozen and return ErrMonthSettled.
func (s *Service) Recompute(ctx context.Context, agentID uuid.UUID, year, month int) (*MonthlyPerformance, error) {
	if err := validPeriod(year, month); err != nil {
		return nil, err
	}
	account, err := s.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.rebuild(ctx, account, year, month)
}

// rebuild replays the month's deposits into the daily quotas before
// recomputing, so the statement does not depend on the tracker having seen
// every commit.
func (s *Service) rebuild(ctx context.Context, account *ledger.Account, year, month int) (*MonthlyPerformance, error) {
	from, to := monthWindow(year, time.Month(month), account.Location())
	if err := s.replayDeposits(ctx, account, from, to); err != nil {
		return nil, err
	}
	return s.recompute(ctx, account, year, month)
}

// replayDeposits counts every agent deposit the ledger holds in [from, to)
// towards its daily quota. Operations already counted are ignored.
func (s *Service) replayDeposits(ctx context.Context, account *ledger.Account, from, to time.Time) error {
	var entries []ledger.Entry
	for offset := 0; ; offset += replayPageSize {
		page, _, err := s.ledger.Engine().History(ctx, ledger.EntryFilter{
			AccountID: account.ID,
			Reason:    ledger.ReasonDeposit,
			From:      &from,
			To:        &to,
			Limit:     replayPageSize,
			Offset:    offset,
		})
		if err != nil {
			return fmt.Errorf("deposit history: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < replayPageSize {
			break
		}
	}

	// History is newest first. Oldest first keeps quota_reached_at on the
	// deposit that crossed the threshold.
	loc := account.Location()
	replayed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Kind != ledger.BalanceSpendable || e.Delta >= 0 {
			continue
		}
		date := e.CreatedAt.In(loc).Format(DateLayout)
		_, recorded, err := s.repo.RecordDeposit(ctx, account.ID, e.OperationID, date, -e.Delta, e.CreatedAt, s.policy.QuotaThreshold)
		if err != nil {
			return fmt.Errorf("replay deposit: %w", err)
		}
		if recorded {
			replayed++
		}
	}
	if replayed > 0 {
		log.Warn().
			Str("agent_id", account.ID.String()).
			Int("replayed", replayed).
			Msg("Deposits missing from daily quotas were replayed from the ledger")
	}
	return nil
}

func (s *Service) monthLock(agentID uuid.UUID, year, month int) *sync.Mutex {
	mu, _ := s.months.LoadOrStore(monthKey{agent: agentID, year: year, month: month}, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) recompute(ctx context.Context, account *ledger.Account, year, month int) (*MonthlyPerformance, error) {
	mu := s.monthLock(account.ID, year, month)
	mu.Lock()
	defer mu.Unlock()

	loc := account.Location()
	from, to := monthWindow(year, time.Month(month), loc)
	// Stamped before the reads. The repository keeps the row with the latest
	// stamp, across instances too.
	computedAt := s.now()

	activity, err := s.ledger.Engine().AgentActivity(ctx, account.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("agent activity: %w", err)
	}
	quotas, err := s.repo.ListDailyQuotas(ctx, account.ID, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return nil, fmt.Errorf("daily quotas: %w", err)
	}
	complaints, err := s.repo.CountComplaints(ctx, account.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("count complaints: %w", err)
	}

	p := s.statement(account, year, month, activity, quotas, complaints)
	p.ComputedAt = computedAt
	err = s.repo.UpsertPerformance(ctx, p)
	if errors.Is(err, ErrStaleStatement) {
		log.Debug().
			Str("agent_id", account.ID.String()).
			Int("year", year).
			Int("month", month).
			Msg("Newer statement already stored")
		return s.repo.GetPerformance(ctx, account.ID, year, month)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("agent_id", account.ID.String()).
		Int("year", year).
		Int("month", month).
		Int64("total_volume", p.TotalVolume).
		Int64("total_earnings", p.TotalEarnings).
		Msg("Commission recomputed")
	return p, nil
}

// statement is the pure commission math of one month.
func (s *Service) statement(account *ledger.Account, year, month int, activity *ledger.Activity, quotas []*DailyQuota, complaints int) *MonthlyPerformance {
	loc := account.Location()
	volume := activity.DepositVolume + activity.WithdrawalVolume
	transactions := activity.DepositCount + activity.WithdrawalCount
	rate := s.policy.MonthlyRate(volume, complaints)

	var quotaBonus int64
	for _, q := range quotas {
		quotaBonus += s.policy.DailyCommission(q, loc)
	}

	p := &MonthlyPerformance{
		AgentID:           account.ID,
		Year:              year,
		Month:             month,
		Territory:         account.Territory,
		TotalVolume:       volume,
		TotalTransactions: transactions,
		DepositVolume:     activity.DepositVolume,
		WithdrawalVolume:  activity.WithdrawalVolume,
		ComplaintsCount:   complaints,
		CommissionRate:    rate,
		BaseCommission:    applyRate(volume, rate),
		QuotaBonus:        quotaBonus,
		FlatBonus:         s.policy.Flat(transactions, complaints),
		ComputedAt:        s.now(),
	}
	p.TotalEarnings = p.BaseCommission + p.QuotaBonus + p.FlatBonus
	return p
}

// Performance returns the stored statement of one month.
func (s *Service) Performance(ctx context.Context, agentID uuid.UUID, year, month int) (*MonthlyPerformance, error) {
	if err := validPeriod(year, month); err != nil {
		return nil, err
	}
	return s.repo.GetPerformance(ctx, agentID, year, month)
}

// Leaderboard ranks agents of a month by volume, optionally in one territory.
func (s *Service) Leaderboard(ctx context.Context, year, month int, territory string, limit int) ([]*MonthlyPerformance, error) {
	if err := validPeriod(year, month); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.Leaderboard(ctx, year, month, territory, limit)
}

type FileComplaintRequest struct {
	AgentID uuid.UUID `json:"agent_id" validate:"required"`
	Reason  string    `json:"reason" validate:"required,max=1000"`
}

// FileComplaint records a customer complaint against an agent and recomputes
// the agent's month.
func (s *Service) FileComplaint(ctx context.Context, filedBy uuid.UUID, req FileComplaintRequest) (*Complaint, error) {
	account, err := s.agent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	c := &Complaint{
		ID:      uuid.New(),
		AgentID: req.AgentID,
		FiledBy: filedBy,
		Reason:  strings.TrimSpace(req.Reason),
		Status:  ComplaintOpen,
		FiledAt: s.now(),
	}
	if err := s.repo.CreateComplaint(ctx, c); err != nil {
		return nil, fmt.Errorf("create complaint: %w", err)
	}
	s.recomputeAt(ctx, account, c.FiledAt)
	return c, nil
}

type ResolveComplaintRequest struct {
	Status ComplaintStatus `json:"status" validate:"required,complaint_status"`
}

// ResolveComplaint closes an open complaint as upheld or dismissed and
// recomputes the month it was filed in.
func (s *Service) ResolveComplaint(ctx context.Context, id uuid.UUID, status ComplaintStatus) (*Complaint, error) {
	if status != ComplaintUpheld && status != ComplaintDismissed {
		return nil, ErrInvalidStatus
	}
	c, err := s.repo.ResolveComplaint(ctx, id, status, s.now())
	if err != nil {
		return nil, err
	}
	account, err := s.agent(ctx, c.AgentID)
	if err != nil {
		return nil, err
	}
	s.recomputeAt(ctx, account, c.FiledAt)
	return c, nil
}

// recomputeAt refreshes the month containing t. Failures are logged; the
// scheduled recalculation repairs them.
func (s *Service) recomputeAt(ctx context.Context, account *ledger.Account, t time.Time) {
	local := t.In(account.Location())
	_, err := s.rebuild(ctx, account, local.Year(), int(local.Month()))
	if err != nil && !errors.Is(err, ErrMonthSettled) {
		log.Warn().Err(err).Str("agent_id", account.ID.String()).Msg("Commission recompute failed")
	}
}

// RecomputeRecent recomputes the current and previous month of every agent.
func (s *Service) RecomputeRecent(ctx context.Context) (int, error) {
	now := s.now()
	count := 0
	for offset := 0; ; offset += agentPageSize {
		agents, err := s.ledger.Engine().Accounts(ctx, ledger.RoleAgent, "", agentPageSize, offset)
		if err != nil {
			return count, fmt.Errorf("list agents: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(recomputeWorkers)
		for _, a := range agents {
			account := a
			g.Go(func() error {
				local := now.In(account.Location())
				prev := local.AddDate(0, 0, -local.Day()+1).AddDate(0, -1, 0)
				for _, t := range []time.Time{prev, local} {
					_, err := s.rebuild(gctx, account, t.Year(), int(t.Month()))
					if err != nil && !errors.Is(err, ErrMonthSettled) {
						return fmt.Errorf("agent %s: %w", account.ID, err)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return count, err
		}
		count += len(agents)

		if len(agents) < agentPageSize {
			return count, nil
		}
	}
}

type settledEvent struct {
	AgentID     string    `json:"agent_id"`
	Year        int       `json:"year"`
	Month       int       `json:"month"`
	Amount      int64     `json:"amount"`
	OperationID string    `json:"operation_id"`
	SettledAt   time.Time `json:"settled_at"`
}

// Settle pays every unsettled month that has closed in the agent's time zone
// into the agent's commission balance. Each month is paid under its own
// idempotency key, so a rerun after a crash never pays twice.
func (s *Service) Settle(ctx context.Context) (*SettlementReport, error) {
	lk, err := s.locker.TryAcquire(ctx, SettlementLockKey, settlementLockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		return nil, ErrSettlementInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	defer func() {
		if err := lk.Release(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to release settlement lock")
		}
	}()

	start := time.Now()
	now := s.now()
	rows, err := s.repo.ListUnsettled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unsettled: %w", err)
	}

	report := &SettlementReport{}
	accounts := make(map[uuid.UUID]*ledger.Account)
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		account, ok := accounts[row.AgentID]
		if !ok {
			account, err = s.agent(ctx, row.AgentID)
			if err != nil {
				log.Error().Err(err).Str("agent_id", row.AgentID.String()).Msg("Settlement skipped, agent unavailable")
				report.Failed++
				continue
			}
			accounts[row.AgentID] = account
		}

		local := now.In(account.Location())
		if row.Year > local.Year() || (row.Year == local.Year() && row.Month >= int(local.Month())) {
			report.Skipped++
			continue
		}

		paid, settled, err := s.settleMonth(ctx, account, row.Year, row.Month)
		switch {
		case err != nil:
			log.Error().Err(err).
				Str("agent_id", row.AgentID.String()).
				Int("year", row.Year).
				Int("month", row.Month).
				Msg("Commission settlement failed")
			report.Failed++
		case !settled:
			report.Skipped++
		default:
			report.Settled++
			report.Paid += paid
		}
	}
	report.Duration = time.Since(start).Milliseconds()

	log.Info().
		Int("settled", report.Settled).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int64("paid", report.Paid).
		Msg("Commission settlement finished")
	return report, ctx.Err()
}

// settleMonth pays one closed month. It returns the amount credited by this
// call and whether the month is now settled. A payment already in the ledger
// is only marked.
func (s *Service) settleMonth(ctx context.Context, account *ledger.Account, year, month int) (int64, bool, error) {
	key := ledger.SettlementKey(account.ID, year, time.Month(month))

	existing, err := s.ledger.Engine().Operation(ctx, key)
	switch {
	case err == nil:
		if err := s.repo.MarkSettled(ctx, account.ID, year, month, key, existing.Operation.CreatedAt); err != nil {
			return 0, false, fmt.Errorf("mark settled: %w", err)
		}
		return 0, true, nil
	case !errors.Is(err, ledger.ErrOperationNotFound):
		return 0, false, err
	}

	// Final recompute so late events are included before the month freezes.
	p, err := s.rebuild(ctx, account, year, month)
	if err != nil {
		return 0, false, err
	}
	if p.TotalEarnings <= 0 {
		return 0, false, nil
	}

	var result *ledger.Result
	err = s.retry.Do(ctx, "commission.settle", func(ctx context.Context) error {
		r, err := s.ledger.SettleCommission(ctx, account.ID, year, time.Month(month), p.TotalEarnings)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if err := s.repo.MarkSettled(ctx, account.ID, year, month, key, result.Operation.CreatedAt); err != nil {
		return 0, false, fmt.Errorf("mark settled: %w", err)
	}

	event := settledEvent{
		AgentID:     account.ID.String(),
		Year:        year,
		Month:       month,
		Amount:      p.TotalEarnings,
		OperationID: result.Operation.ID.String(),
		SettledAt:   result.Operation.CreatedAt,
	}
	if err := s.publisher.Publish(ctx, events.KeyCommissionSettled, event); err != nil {
		log.Warn().Err(err).Str("agent_id", account.ID.String()).Msg("Failed to publish settlement event")
	}

	log.Info().
		Str("agent_id", account.ID.String()).
		Int("year", year).
		Int("month", month).
		Int64("amount", p.TotalEarnings).
		Msg("Commission settled")
	return p.TotalEarnings, true, nil
}
