package ledger

import "time"

// Ceiling bounds the rolling volume of one operation type. Zero means unlimited.
type Ceiling struct {
	Daily   int64
	Monthly int64
}

// LimitPolicy maps operation types to ceilings.
type LimitPolicy map[OperationType]Ceiling

// For returns the ceiling of t.
func (p LimitPolicy) For(t OperationType) Ceiling {
	if p == nil {
		return Ceiling{}
	}
	return p[t]
}

// limitWindows returns the UTC day and month starts containing now.
func limitWindows(now time.Time) (dayStart, monthStart time.Time) {
	u := now.UTC()
	dayStart = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	monthStart = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return dayStart, monthStart
}

// exceeds reports which window, if any, amount would push past the ceiling.
func (c Ceiling) exceeds(daily, monthly, amount int64) (string, bool) {
	if c.Daily > 0 && daily+amount > c.Daily {
		return "daily", true
	}
	if c.Monthly > 0 && monthly+amount > c.Monthly {
		return "monthly", true
	}
	return "", false
}
