package commission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository defines commission data access
type Repository interface {
	// RecordDeposit adds amount to the agent's quota for date once per
	// operation. recorded is false when the operation was already counted.
	RecordDeposit(ctx context.Context, agentID, operationID uuid.UUID, date string, amount int64, at time.Time, threshold int64) (q *DailyQuota, recorded bool, err error)
	GetDailyQuota(ctx context.Context, agentID uuid.UUID, date string) (*DailyQuota, error)
	ListDailyQuotas(ctx context.Context, agentID uuid.UUID, from, to string) ([]*DailyQuota, error)

	// UpsertPerformance fully replaces the month unless it is settled
	// (ErrMonthSettled) or the stored row was computed later (ErrStaleStatement).
	UpsertPerformance(ctx context.Context, p *MonthlyPerformance) error
	GetPerformance(ctx context.Context, agentID uuid.UUID, year, month int) (*MonthlyPerformance, error)
	Leaderboard(ctx context.Context, year, month int, territory string, limit int) ([]*MonthlyPerformance, error)
	ListUnsettled(ctx context.Context) ([]*MonthlyPerformance, error)
	MarkSettled(ctx context.Context, agentID uuid.UUID, year, month int, key string, at time.Time) error

	CreateComplaint(ctx context.Context, c *Complaint) error
	GetComplaint(ctx context.Context, id uuid.UUID) (*Complaint, error)
	ResolveComplaint(ctx context.Context, id uuid.UUID, status ComplaintStatus, at time.Time) (*Complaint, error)
	CountComplaints(ctx context.Context, agentID uuid.UUID, from, to time.Time) (int, error)
}

const quotaColumns = `agent_id, to_char(quota_date, 'YYYY-MM-DD') AS quota_date, total_deposits, deposit_count,
	quota_achieved, quota_reached_at, updated_at`

const performanceColumns = `agent_id, year, month, territory, total_volume, total_transactions, deposit_volume,
	withdrawal_volume, complaints_count, commission_rate, base_commission, quota_bonus, flat_bonus,
	total_earnings, settled_at, settlement_key, computed_at`

type repository struct {
	db *sqlx.DB
}

// NewRepository creates commission repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) RecordDeposit(ctx context.Context, agentID, operationID uuid.UUID, date string, amount int64, at time.Time, threshold int64) (*DailyQuota, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO agent_quota_deposits (operation_id, agent_id, quota_date, amount, recorded_at)
		VALUES ($1, $2, $3::date, $4, $5)
		ON CONFLICT (operation_id) DO NOTHING
	`, operationID, agentID, date, amount, at)
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		q, err := r.GetDailyQuota(ctx, agentID, date)
		return q, false, err
	}

	// quota_reached_at is written only by the update that first crosses the
	// threshold; COALESCE keeps it once set.
	var q DailyQuota
	err = tx.GetContext(ctx, &q, `
		INSERT INTO agent_daily_quotas AS d (agent_id, quota_date, total_deposits, deposit_count, quota_achieved, quota_reached_at, updated_at)
		VALUES ($1, $2::date, $3::bigint, 1, $3::bigint >= $4::bigint,
			CASE WHEN $3::bigint >= $4::bigint THEN $5::timestamptz END, now())
		ON CONFLICT (agent_id, quota_date) DO UPDATE SET
			total_deposits = d.total_deposits + EXCLUDED.total_deposits,
			deposit_count = d.deposit_count + 1,
			quota_achieved = d.quota_achieved OR d.total_deposits + EXCLUDED.total_deposits >= $4::bigint,
			quota_reached_at = COALESCE(d.quota_reached_at,
				CASE WHEN d.total_deposits + EXCLUDED.total_deposits >= $4::bigint THEN $5::timestamptz END),
			updated_at = now()
		RETURNING `+quotaColumns+`
	`, agentID, date, amount, threshold, at)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &q, true, nil
}

func (r *repository) GetDailyQuota(ctx context.Context, agentID uuid.UUID, date string) (*DailyQuota, error) {
	var q DailyQuota
	err := r.db.GetContext(ctx, &q, `
		SELECT `+quotaColumns+` FROM agent_daily_quotas WHERE agent_id = $1 AND quota_date = $2::date
	`, agentID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return &DailyQuota{AgentID: agentID, Date: date}, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *repository) ListDailyQuotas(ctx context.Context, agentID uuid.UUID, from, to string) ([]*DailyQuota, error) {
	var quotas []*DailyQuota
	err := r.db.SelectContext(ctx, &quotas, `
		SELECT `+quotaColumns+`
		FROM agent_daily_quotas
		WHERE agent_id = $1 AND quota_date >= $2::date AND quota_date < $3::date
		ORDER BY quota_date
	`, agentID, from, to)
	return quotas, err
}

func (r *repository) UpsertPerformance(ctx context.Context, p *MonthlyPerformance) error {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agent_monthly_performance (
			agent_id, year, month, territory, total_volume, total_transactions, deposit_volume,
			withdrawal_volume, complaints_count, commission_rate, base_commission, quota_bonus,
			flat_bonus, total_earnings, computed_at
		) VALUES (
			:agent_id, :year, :month, :territory, :total_volume, :total_transactions, :deposit_volume,
			:withdrawal_volume, :complaints_count, :commission_rate, :base_commission, :quota_bonus,
			:flat_bonus, :total_earnings, :computed_at
		)
		ON CONFLICT (agent_id, year, month) DO UPDATE SET
			territory = EXCLUDED.territory,
			total_volume = EXCLUDED.total_volume,
			total_transactions = EXCLUDED.total_transactions,
			deposit_volume = EXCLUDED.deposit_volume,
			withdrawal_volume = EXCLUDED.withdrawal_volume,
			complaints_count = EXCLUDED.complaints_count,
			commission_rate = EXCLUDED.commission_rate,
			base_commission = EXCLUDED.base_commission,
			quota_bonus = EXCLUDED.quota_bonus,
			flat_bonus = EXCLUDED.flat_bonus,
			total_earnings = EXCLUDED.total_earnings,
			computed_at = EXCLUDED.computed_at
		WHERE agent_monthly_performance.settled_at IS NULL
			AND agent_monthly_performance.computed_at <= EXCLUDED.computed_at
	`, p)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var settled bool
	if err := r.db.GetContext(ctx, &settled, `
		SELECT settled_at IS NOT NULL FROM agent_monthly_performance
		WHERE agent_id = $1 AND year = $2 AND month = $3
	`, p.AgentID, p.Year, p.Month); err != nil {
		return err
	}
	if settled {
		return ErrMonthSettled
	}
	return ErrStaleStatement
}

func (r *repository) GetPerformance(ctx context.Context, agentID uuid.UUID, year, month int) (*MonthlyPerformance, error) {
	var p MonthlyPerformance
	err := r.db.GetContext(ctx, &p, `
		SELECT `+performanceColumns+` FROM agent_monthly_performance
		WHERE agent_id = $1 AND year = $2 AND month = $3
	`, agentID, year, month)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPerformanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) Leaderboard(ctx context.Context, year, month int, territory string, limit int) ([]*MonthlyPerformance, error) {
	var rows []*MonthlyPerformance
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+performanceColumns+`
		FROM agent_monthly_performance
		WHERE year = $1 AND month = $2 AND ($3 = '' OR territory = $3)
		ORDER BY total_volume DESC, agent_id
		LIMIT $4
	`, year, month, territory, limit)
	return rows, err
}

func (r *repository) ListUnsettled(ctx context.Context) ([]*MonthlyPerformance, error) {
	var rows []*MonthlyPerformance
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+performanceColumns+`
		FROM agent_monthly_performance
		WHERE settled_at IS NULL AND total_earnings > 0
		ORDER BY year, month, agent_id
	`)
	return rows, err
}

func (r *repository) MarkSettled(ctx context.Context, agentID uuid.UUID, year, month int, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_monthly_performance
		SET settled_at = $4, settlement_key = $5
		WHERE agent_id = $1 AND year = $2 AND month = $3 AND settled_at IS NULL
	`, agentID, year, month, at, key)
	return err
}

func (r *repository) CreateComplaint(ctx context.Context, c *Complaint) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agent_complaints (id, agent_id, filed_by, reason, status, filed_at)
		VALUES (:id, :agent_id, :filed_by, :reason, :status, :filed_at)
	`, c)
	return err
}

func (r *repository) GetComplaint(ctx context.Context, id uuid.UUID) (*Complaint, error) {
	var c Complaint
	err := r.db.GetContext(ctx, &c, `SELECT * FROM agent_complaints WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrComplaintNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) ResolveComplaint(ctx context.Context, id uuid.UUID, status ComplaintStatus, at time.Time) (*Complaint, error) {
	var c Complaint
	err := r.db.GetContext(ctx, &c, `
		UPDATE agent_complaints SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'open'
		RETURNING *
	`, id, status, at)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := r.GetComplaint(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrComplaintResolved
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) CountComplaints(ctx context.Context, agentID uuid.UUID, from, to time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM agent_complaints
		WHERE agent_id = $1 AND status <> 'dismissed' AND filed_at >= $2 AND filed_at < $3
	`, agentID, from, to)
	return n, err
}
