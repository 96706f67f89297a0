package commission

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Tier applies Rate to monthly volume at or above MinVolume.
type Tier struct {
	MinVolume int64
	Rate      decimal.Decimal
}

// Policy holds every constant the commission math depends on.
type Policy struct {
	QuotaThreshold int64
	CutoffHour     int
	HighRate       decimal.Decimal
	LowRate        decimal.Decimal

	Tiers            []Tier
	ComplaintPenalty decimal.Decimal

	FlatBonus                int64
	FlatBonusMinTransactions int
}

// DefaultPolicy returns the production tier table and quota settings.
func DefaultPolicy() Policy {
	return Policy{
		QuotaThreshold: 500_000,
		CutoffHour:     19,
		HighRate:       decimal.RequireFromString("0.01"),
		LowRate:        decimal.RequireFromString("0.005"),
		Tiers: []Tier{
			{MinVolume: 0, Rate: decimal.RequireFromString("0.005")},
			{MinVolume: 1_000_000, Rate: decimal.RequireFromString("0.0075")},
			{MinVolume: 5_000_000, Rate: decimal.RequireFromString("0.01")},
			{MinVolume: 15_000_000, Rate: decimal.RequireFromString("0.0125")},
		},
		ComplaintPenalty:         decimal.RequireFromString("0.0005"),
		FlatBonus:                10_000,
		FlatBonusMinTransactions: 500,
	}
}

// DailyRate is a step function of the local hour the quota was reached:
// strictly before the cutoff earns the high rate, otherwise the low rate.
func (p Policy) DailyRate(q *DailyQuota, loc *time.Location) decimal.Decimal {
	if q == nil || !q.QuotaAchieved || q.QuotaReachedAt == nil {
		return p.LowRate
	}
	if q.QuotaReachedAt.In(loc).Hour() < p.CutoffHour {
		return p.HighRate
	}
	return p.LowRate
}

// DailyCommission is the quota-linked commission earned on q's volume.
// Days where the quota was not achieved earn nothing.
func (p Policy) DailyCommission(q *DailyQuota, loc *time.Location) int64 {
	if q == nil || !q.QuotaAchieved {
		return 0
	}
	return applyRate(q.TotalDeposits, p.DailyRate(q, loc))
}

// TierRate returns the rate of the highest tier volume reaches.
func (p Policy) TierRate(volume int64) decimal.Decimal {
	tiers := append([]Tier(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinVolume < tiers[j].MinVolume })

	rate := decimal.Zero
	for _, t := range tiers {
		if volume >= t.MinVolume {
			rate = t.Rate
		}
	}
	return rate
}

// MonthlyRate is the tier rate less the complaint penalty, floored at zero.
// It never increases with complaints.
func (p Policy) MonthlyRate(volume int64, complaints int) decimal.Decimal {
	if complaints < 0 {
		complaints = 0
	}
	rate := p.TierRate(volume).Sub(p.ComplaintPenalty.Mul(decimal.NewFromInt(int64(complaints))))
	if rate.IsNegative() {
		return decimal.Zero
	}
	return rate
}

// Flat returns the flat bonus for a month.
func (p Policy) Flat(transactions, complaints int) int64 {
	if p.FlatBonus > 0 && transactions >= p.FlatBonusMinTransactions && complaints == 0 {
		return p.FlatBonus
	}
	return 0
}

// applyRate multiplies amount by rate, rounding half up to whole units.
func applyRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}
