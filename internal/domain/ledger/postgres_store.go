package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const accountColumns = `id, role, balance, commission_balance, territory, timezone, external, created_at, updated_at`

const entryColumns = `id, seq, operation_id, account_id, balance_kind, delta, balance_after, reason,
	idempotency_key, counterparty_account_id, created_at`

// PostgresStore keeps the ledger in Postgres. Every Apply runs in one
// READ COMMITTED transaction holding row locks on the touched accounts.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO accounts (id, role, balance, commission_balance, territory, timezone, external, created_at, updated_at)
		VALUES (:id, :role, 0, 0, :territory, :timezone, :external, :created_at, :updated_at)
	`, account)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAccountExists
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var account Account
	err := s.db.GetContext(ctx, &account, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, role Role, territory string, limit, offset int) ([]*Account, error) {
	var accounts []*Account
	err := s.db.SelectContext(ctx, &accounts, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE ($1 = '' OR role = $1) AND ($2 = '' OR territory = $2)
		ORDER BY created_at, id
		LIMIT $3 OFFSET $4
	`, string(role), territory, limit, offset)
	return accounts, err
}

func (s *PostgresStore) beginTx(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (s *PostgresStore) Apply(ctx context.Context, req ApplyRequest) (*Result, error) {
	op := req.Op
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := s.operationByKey(ctx, tx, op.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.replay(ctx, tx, existing, req.Fingerprint)
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

	// A concurrent caller with the same key blocks here until it finishes.
	// If it committed we get no row back and serve its result instead.
	rows, err := sqlx.NamedQueryContext(ctx, tx, `
		INSERT INTO ledger_operations (id, idempotency_key, type, initiator_id, amount, fingerprint, created_at)
		VALUES (:id, :idempotency_key, :type, :initiator_id, :amount, :fingerprint, :created_at)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, &record)
	if err != nil {
		return nil, err
	}
	inserted := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !inserted {
		tx.Rollback()
		return s.replayByKey(ctx, op.IdempotencyKey, req.Fingerprint)
	}

	accounts := make(map[uuid.UUID]*Account)
	for _, id := range op.lockOrder() {
		account, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return nil, opError(op.IdempotencyKey, id, ErrAccountNotFound, "")
			}
			return nil, err
		}
		accounts[id] = account
	}

	if op.Limit != nil {
		if err := s.checkLimit(ctx, tx, record.ID, op.Limit, req.Ceiling, req.Now); err != nil {
			return nil, opError(op.IdempotencyKey, op.Limit.AccountID, ErrLimitExceeded, err.Error())
		}
	}

	entries, err := postLegs(op, record, accounts)
	if err != nil {
		return nil, err
	}

	for _, id := range op.lockOrder() {
		a := accounts[id]
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = $2, commission_balance = $3, updated_at = $4 WHERE id = $1
		`, a.ID, a.Balance, a.CommissionBalance, req.Now); err != nil {
			if isCheckViolation(err) {
				return nil, opError(op.IdempotencyKey, a.ID, ErrInsufficientFunds, "")
			}
			return nil, err
		}
	}

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO ledger_entries (id, operation_id, account_id, balance_kind, delta, balance_after, reason,
			idempotency_key, counterparty_account_id, created_at)
		VALUES (:id, :operation_id, :account_id, :balance_kind, :delta, :balance_after, :reason,
			:idempotency_key, :counterparty_account_id, :created_at)
		RETURNING seq
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for i := range entries {
		if err := stmt.QueryRowxContext(ctx, &entries[i]).Scan(&entries[i].Seq); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Result{Operation: record, Entries: entries}, nil
}

func (s *PostgresStore) operationByKey(ctx context.Context, q sqlx.QueryerContext, key string) (*OperationRecord, error) {
	var record OperationRecord
	err := sqlx.GetContext(ctx, q, &record, `
		SELECT id, idempotency_key, type, initiator_id, amount, fingerprint, created_at
		FROM ledger_operations
		WHERE idempotency_key = $1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *PostgresStore) entriesOf(ctx context.Context, q sqlx.QueryerContext, operationID uuid.UUID) ([]Entry, error) {
	var entries []Entry
	err := sqlx.SelectContext(ctx, q, &entries, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE operation_id = $1
		ORDER BY seq
	`, operationID)
	return entries, err
}

func (s *PostgresStore) replay(ctx context.Context, q sqlx.QueryerContext, record *OperationRecord, fingerprint string) (*Result, error) {
	if record.Fingerprint != fingerprint {
		return nil, opError(record.IdempotencyKey, uuid.Nil, ErrIdempotencyConflict, "")
	}
	entries, err := s.entriesOf(ctx, q, record.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Operation: *record, Entries: entries, Replayed: true}, nil
}

func (s *PostgresStore) replayByKey(ctx context.Context, key, fingerprint string) (*Result, error) {
	record, err := s.operationByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("operation %q vanished after conflict", key)
	}
	return s.replay(ctx, s.db, record, fingerprint)
}

func (s *PostgresStore) lockAccount(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Account, error) {
	var account Account
	err := tx.GetContext(ctx, &account, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *PostgresStore) checkLimit(ctx context.Context, tx *sqlx.Tx, opID uuid.UUID, check *LimitCheck, ceiling Ceiling, now time.Time) error {
	if ceiling.Daily <= 0 && ceiling.Monthly <= 0 {
		return nil
	}
	dayStart, monthStart := limitWindows(now)

	var usage struct {
		Daily   int64 `db:"daily"`
		Monthly int64 `db:"monthly"`
	}
	err := tx.GetContext(ctx, &usage, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE created_at >= $3), 0) AS daily,
			COALESCE(SUM(amount), 0) AS monthly
		FROM ledger_operations
		WHERE initiator_id = $1 AND type = $2 AND created_at >= $4 AND id <> $5
	`, check.AccountID, string(check.Type), dayStart, monthStart, opID)
	if err != nil {
		return err
	}
	if window, over := ceiling.exceeds(usage.Daily, usage.Monthly, check.Amount); over {
		return fmt.Errorf("%s ceiling reached", window)
	}
	return nil
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

func (s *PostgresStore) GetOperation(ctx context.Context, idempotencyKey string) (*Result, error) {
	record, err := s.operationByKey(ctx, s.db, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrOperationNotFound
	}
	entries, err := s.entriesOf(ctx, s.db, record.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Operation: *record, Entries: entries}, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, int, error) {
	where := `WHERE account_id = $1 AND ($2 = '' OR reason = $2)
		AND ($3::timestamptz IS NULL OR created_at >= $3)
		AND ($4::timestamptz IS NULL OR created_at < $4)`
	args := []interface{}{filter.AccountID, string(filter.Reason), filter.From, filter.To}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM ledger_entries `+where, args...); err != nil {
		return nil, 0, err
	}

	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM ledger_entries `+where+`
		ORDER BY seq DESC
		LIMIT $5 OFFSET $6
	`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PostgresStore) AgentActivity(ctx context.Context, agentID uuid.UUID, from, to time.Time) (*Activity, error) {
	var activity Activity
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(-delta) FILTER (WHERE reason = 'deposit' AND delta < 0), 0),
			COUNT(*) FILTER (WHERE reason = 'deposit' AND delta < 0),
			COALESCE(SUM(delta) FILTER (WHERE reason = 'withdrawal' AND delta > 0), 0),
			COUNT(*) FILTER (WHERE reason = 'withdrawal' AND delta > 0)
		FROM ledger_entries
		WHERE account_id = $1 AND balance_kind = 'spendable' AND created_at >= $2 AND created_at < $3
	`, agentID, from, to).Scan(&activity.DepositVolume, &activity.DepositCount, &activity.WithdrawalVolume, &activity.WithdrawalCount)
	if err != nil {
		return nil, err
	}
	return &activity, nil
}

func (s *PostgresStore) CheckInvariants(ctx context.Context) (*InvariantReport, error) {
	report := &InvariantReport{CheckedAt: time.Now().UTC()}

	if err := s.db.SelectContext(ctx, &report.NegativeAccounts, `
		SELECT id FROM accounts
		WHERE (balance < 0 AND NOT external) OR commission_balance < 0
		ORDER BY id
	`); err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &report.UnbalancedOperations, `
		SELECT operation_id FROM ledger_entries
		GROUP BY operation_id
		HAVING SUM(delta) <> 0
		ORDER BY operation_id
	`); err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &report.DriftedAccounts, `
		SELECT a.id
		FROM accounts a
		LEFT JOIN (
			SELECT account_id,
				COALESCE(SUM(delta) FILTER (WHERE balance_kind = 'spendable'), 0) AS spendable,
				COALESCE(SUM(delta) FILTER (WHERE balance_kind = 'commission'), 0) AS commission
			FROM ledger_entries
			GROUP BY account_id
		) e ON e.account_id = a.id
		WHERE a.balance <> COALESCE(e.spendable, 0) OR a.commission_balance <> COALESCE(e.commission, 0)
		ORDER BY a.id
	`); err != nil {
		return nil, err
	}
	return report, nil
}
