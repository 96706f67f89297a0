package commission

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the format of quota dates, always in the agent's time zone.
const DateLayout = "2006-01-02"

// DailyQuota tracks one agent's deposit volume for one local calendar day.
type DailyQuota struct {
	AgentID        uuid.UUID  `db:"agent_id" json:"agent_id"`
	Date           string     `db:"quota_date" json:"date"`
	TotalDeposits  int64      `db:"total_deposits" json:"total_deposits"`
	DepositCount   int        `db:"deposit_count" json:"deposit_count"`
	QuotaAchieved  bool       `db:"quota_achieved" json:"quota_achieved"`
	QuotaReachedAt *time.Time `db:"quota_reached_at" json:"quota_reached_at,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`

	// Derived, not stored.
	Threshold      int64           `db:"-" json:"threshold"`
	CommissionRate decimal.Decimal `db:"-" json:"commission_rate"`
	Commission     int64           `db:"-" json:"commission"`
}

// MonthlyPerformance is the recomputed commission statement of one agent month.
type MonthlyPerformance struct {
	AgentID           uuid.UUID       `db:"agent_id" json:"agent_id"`
	Year              int             `db:"year" json:"year"`
	Month             int             `db:"month" json:"month"`
	Territory         string          `db:"territory" json:"territory"`
	TotalVolume       int64           `db:"total_volume" json:"total_volume"`
	TotalTransactions int             `db:"total_transactions" json:"total_transactions"`
	DepositVolume     int64           `db:"deposit_volume" json:"deposit_volume"`
	WithdrawalVolume  int64           `db:"withdrawal_volume" json:"withdrawal_volume"`
	ComplaintsCount   int             `db:"complaints_count" json:"complaints_count"`
	CommissionRate    decimal.Decimal `db:"commission_rate" json:"commission_rate"`
	BaseCommission    int64           `db:"base_commission" json:"base_commission"`
	QuotaBonus        int64           `db:"quota_bonus" json:"quota_bonus"`
	FlatBonus         int64           `db:"flat_bonus" json:"flat_bonus"`
	TotalEarnings     int64           `db:"total_earnings" json:"total_earnings"`
	SettledAt         *time.Time      `db:"settled_at" json:"settled_at,omitempty"`
	SettlementKey     *string         `db:"settlement_key" json:"settlement_key,omitempty"`
	ComputedAt        time.Time       `db:"computed_at" json:"computed_at"`
}

// Settled reports whether the month was paid out and is frozen.
func (p *MonthlyPerformance) Settled() bool {
	return p.SettledAt != nil
}

// ComplaintStatus represents complaint status
type ComplaintStatus string

const (
	ComplaintOpen      ComplaintStatus = "open"
	ComplaintUpheld    ComplaintStatus = "upheld"
	ComplaintDismissed ComplaintStatus = "dismissed"
)

// Complaint is filed by a customer against an agent. Dismissed complaints do
// not count against the agent's rate.
type Complaint struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	AgentID    uuid.UUID       `db:"agent_id" json:"agent_id"`
	FiledBy    uuid.UUID       `db:"filed_by" json:"filed_by"`
	Reason     string          `db:"reason" json:"reason"`
	Status     ComplaintStatus `db:"status" json:"status"`
	FiledAt    time.Time       `db:"filed_at" json:"filed_at"`
	ResolvedAt *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
}

// SettlementReport summarises one settlement run.
type SettlementReport struct {
	Settled  int   `json:"settled"`
	Skipped  int   `json:"skipped"`
	Failed   int   `json:"failed"`
	Paid     int64 `json:"paid"`
	Duration int64 `json:"duration_ms"`
}

// monthWindow returns the [start, end) bounds of year/month in loc.
func monthWindow(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}
