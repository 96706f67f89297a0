package commission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type quotaKey struct {
	agent uuid.UUID
	date  string
}

type monthKey struct {
	agent uuid.UUID
	year  int
	month int
}

// MemoryRepository keeps commission state in process. It backs tests and
// DB-less development runs.
type MemoryRepository struct {
	mu          sync.Mutex
	quotas      map[quotaKey]*DailyQuota
	deposits    map[uuid.UUID]struct{}
	performance map[monthKey]*MonthlyPerformance
	complaints  map[uuid.UUID]*Complaint
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		quotas:      make(map[quotaKey]*DailyQuota),
		deposits:    make(map[uuid.UUID]struct{}),
		performance: make(map[monthKey]*MonthlyPerformance),
		complaints:  make(map[uuid.UUID]*Complaint),
	}
}

func (r *MemoryRepository) RecordDeposit(_ context.Context, agentID, operationID uuid.UUID, date string, amount int64, at time.Time, threshold int64) (*DailyQuota, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := quotaKey{agent: agentID, date: date}
	q, ok := r.quotas[key]
	if !ok {
		q = &DailyQuota{AgentID: agentID, Date: date}
		r.quotas[key] = q
	}
	if _, seen := r.deposits[operationID]; seen {
		c := *q
		return &c, false, nil
	}
	r.deposits[operationID] = struct{}{}

	q.TotalDeposits += amount
	q.DepositCount++
	q.UpdatedAt = time.Now().UTC()
	if q.TotalDeposits >= threshold {
		q.QuotaAchieved = true
		if q.QuotaReachedAt == nil {
			stamp := at
			q.QuotaReachedAt = &stamp
		}
	}
	c := *q
	return &c, true, nil
}

func (r *MemoryRepository) GetDailyQuota(_ context.Context, agentID uuid.UUID, date string) (*DailyQuota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.quotas[quotaKey{agent: agentID, date: date}]; ok {
		c := *q
		return &c, nil
	}
	return &DailyQuota{AgentID: agentID, Date: date}, nil
}

func (r *MemoryRepository) ListDailyQuotas(_ context.Context, agentID uuid.UUID, from, to string) ([]*DailyQuota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var quotas []*DailyQuota
	for k, q := range r.quotas {
		// YYYY-MM-DD sorts lexically
		if k.agent != agentID || k.date < from || k.date >= to {
			continue
		}
		c := *q
		quotas = append(quotas, &c)
	}
	sort.Slice(quotas, func(i, j int) bool { return quotas[i].Date < quotas[j].Date })
	return quotas, nil
}

func (r *MemoryRepository) UpsertPerformance(_ context.Context, p *MonthlyPerformance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := monthKey{agent: p.AgentID, year: p.Year, month: p.Month}
	if cur, ok := r.performance[key]; ok {
		if cur.Settled() {
			return ErrMonthSettled
		}
		if cur.ComputedAt.After(p.ComputedAt) {
			return ErrStaleStatement
		}
	}
	c := *p
	c.SettledAt = nil
	c.SettlementKey = nil
	r.performance[key] = &c
	return nil
}

func (r *MemoryRepository) GetPerformance(_ context.Context, agentID uuid.UUID, year, month int) (*MonthlyPerformance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.performance[monthKey{agent: agentID, year: year, month: month}]
	if !ok {
		return nil, ErrPerformanceNotFound
	}
	c := *p
	return &c, nil
}

func (r *MemoryRepository) Leaderboard(_ context.Context, year, month int, territory string, limit int) ([]*MonthlyPerformance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []*MonthlyPerformance
	for k, p := range r.performance {
		if k.year != year || k.month != month {
			continue
		}
		if territory != "" && p.Territory != territory {
			continue
		}
		c := *p
		rows = append(rows, &c)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalVolume != rows[j].TotalVolume {
			return rows[i].TotalVolume > rows[j].TotalVolume
		}
		return rows[i].AgentID.String() < rows[j].AgentID.String()
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *MemoryRepository) ListUnsettled(_ context.Context) ([]*MonthlyPerformance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []*MonthlyPerformance
	for _, p := range r.performance {
		if p.Settled() || p.TotalEarnings <= 0 {
			continue
		}
		c := *p
		rows = append(rows, &c)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		return a.AgentID.String() < b.AgentID.String()
	})
	return rows, nil
}

func (r *MemoryRepository) MarkSettled(_ context.Context, agentID uuid.UUID, year, month int, key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.performance[monthKey{agent: agentID, year: year, month: month}]
	if !ok || p.Settled() {
		return nil
	}
	stamp := at
	p.SettledAt = &stamp
	p.SettlementKey = &key
	return nil
}

func (r *MemoryRepository) CreateComplaint(_ context.Context, c *Complaint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.complaints[c.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetComplaint(_ context.Context, id uuid.UUID) (*Complaint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.complaints[id]
	if !ok {
		return nil, ErrComplaintNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) ResolveComplaint(_ context.Context, id uuid.UUID, status ComplaintStatus, at time.Time) (*Complaint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.complaints[id]
	if !ok {
		return nil, ErrComplaintNotFound
	}
	if c.Status != ComplaintOpen {
		return nil, ErrComplaintResolved
	}
	stamp := at
	c.Status = status
	c.ResolvedAt = &stamp
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) CountComplaints(_ context.Context, agentID uuid.UUID, from, to time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.complaints {
		if c.AgentID != agentID || c.Status == ComplaintDismissed {
			continue
		}
		if c.FiledAt.Before(from) || !c.FiledAt.Before(to) {
			continue
		}
		n++
	}
	return n, nil
}
