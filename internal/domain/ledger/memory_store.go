package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. One mutex serializes every Apply, which
// gives the same guarantees as the row locks of PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
	ops      map[string]*Result
	entries  []Entry
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*Account),
		ops:      make(map[string]*Result),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return ErrAccountExists
	}
	stored := *account
	stored.Balance = 0
	stored.CommissionBalance = 0
	s.accounts[account.ID] = &stored
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := *account
	return &out, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, role Role, territory string, limit, offset int) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Account
	for _, a := range s.accounts {
		if role != "" && a.Role != role {
			continue
		}
		if territory != "" && a.Territory != territory {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return page(out, limit, offset), nil
}

func (s *MemoryStore) Apply(_ context.Context, req ApplyRequest) (*Result, error) {
	op := req.Op
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ops[op.IdempotencyKey]; ok {
		if existing.Operation.Fingerprint != req.Fingerprint {
			return nil, opError(op.IdempotencyKey, uuid.Nil, ErrIdempotencyConflict, "")
		}
		return copyResult(existing, true), nil
	}

	working := make(map[uuid.UUID]*Account)
	for _, id := range op.lockOrder() {
		account, ok := s.accounts[id]
		if !ok {
			return nil, opError(op.IdempotencyKey, id, ErrAccountNotFound, "")
		}
		cp := *account
		working[id] = &cp
	}

	if op.Limit != nil {
		if window, over := req.Ceiling.exceeds(s.usage(op.Limit, req.Now)); over {
			return nil, opError(op.IdempotencyKey, op.Limit.AccountID, ErrLimitExceeded, window+" ceiling reached")
		}
	}

	record := OperationRecord{
		ID:             uuid.New(),
		IdempotencyKey: op.IdempotencyKey,
		Type:           op.Type,
		InitiatorID:    op.initiator(),
		Amount:         op.Amount,
		Fingerprint:    req.Fingerprint,
		CreatedAt:      req.Now,
	}
	entries, err := postLegs(op, record, working)
	if err != nil {
		return nil, err
	}

	for id, a := range working {
		a.UpdatedAt = req.Now
		s.accounts[id] = a
	}
	for i := range entries {
		s.seq++
		entries[i].Seq = s.seq
	}
	s.entries = append(s.entries, entries...)

	result := &Result{Operation: record, Entries: entries}
	s.ops[op.IdempotencyKey] = result
	return copyResult(result, false), nil
}

// usage sums the initiator's committed volume of the checked type inside the
// current day and month windows. Must be called with mu held.
func (s *MemoryStore) usage(check *LimitCheck, now time.Time) (daily, monthly, amount int64) {
	dayStart, monthStart := limitWindows(now)
	for _, r := range s.ops {
		rec := r.Operation
		if rec.Type != check.Type || rec.InitiatorID == nil || *rec.InitiatorID != check.AccountID {
			continue
		}
		if rec.CreatedAt.Before(monthStart) {
			continue
		}
		monthly += rec.Amount
		if !rec.CreatedAt.Before(dayStart) {
			daily += rec.Amount
		}
	}
	return daily, monthly, check.Amount
}

func (s *MemoryStore) GetOperation(_ context.Context, idempotencyKey string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.ops[idempotencyKey]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return copyResult(r, false), nil
}

func (s *MemoryStore) ListEntries(_ context.Context, filter EntryFilter) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.AccountID != filter.AccountID {
			continue
		}
		if filter.Reason != "" && e.Reason != filter.Reason {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !e.CreatedAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, e)
	}
	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *MemoryStore) AgentActivity(_ context.Context, agentID uuid.UUID, from, to time.Time) (*Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a Activity
	for _, e := range s.entries {
		if e.AccountID != agentID || e.Kind != BalanceSpendable {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		switch {
		case e.Reason == ReasonDeposit && e.Delta < 0:
			a.DepositVolume += -e.Delta
			a.DepositCount++
		case e.Reason == ReasonWithdrawal && e.Delta > 0:
			a.WithdrawalVolume += e.Delta
			a.WithdrawalCount++
		}
	}
	return &a, nil
}

func (s *MemoryStore) CheckInvariants(_ context.Context) (*InvariantReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &InvariantReport{CheckedAt: time.Now().UTC()}

	opSums := make(map[uuid.UUID]int64)
	sums := make(map[legKey]int64)
	for _, e := range s.entries {
		opSums[e.OperationID] += e.Delta
		sums[legKey{e.AccountID, e.Kind}] += e.Delta
	}
	for id, sum := range opSums {
		if sum != 0 {
			report.UnbalancedOperations = append(report.UnbalancedOperations, id)
		}
	}

	for id, a := range s.accounts {
		if (a.Balance < 0 && !a.External) || a.CommissionBalance < 0 {
			report.NegativeAccounts = append(report.NegativeAccounts, id)
		}
		if a.Balance != sums[legKey{id, BalanceSpendable}] || a.CommissionBalance != sums[legKey{id, BalanceCommission}] {
			report.DriftedAccounts = append(report.DriftedAccounts, id)
		}
	}
	sortIDs(report.NegativeAccounts)
	sortIDs(report.UnbalancedOperations)
	sortIDs(report.DriftedAccounts)
	return report, nil
}

func copyResult(r *Result, replayed bool) *Result {
	out := &Result{Operation: r.Operation, Replayed: replayed}
	out.Entries = append([]Entry(nil), r.Entries...)
	return out
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
