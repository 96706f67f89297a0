package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// TransitionFunc inspects a locked session and returns the change to apply,
// or nil to leave it as is. Returning an error aborts without changes.
type TransitionFunc func(s *Session) (*Transition, error)

// Repository defines payment data access
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	// Transition serializes every state change of one session.
	Transition(ctx context.Context, id uuid.UUID, fn TransitionFunc) (*Session, error)
	// SetGatewayDetails stores what the provider returned on initiation.
	SetGatewayDetails(ctx context.Context, id uuid.UUID, providerTxID, checkoutURL, ussdCode string) error

	RecordCallback(ctx context.Context, cb *Callback) error
	MarkCallback(ctx context.Context, id uuid.UUID, sessionID *uuid.UUID, processed bool, outcome string) error
	ListCallbacks(ctx context.Context, sessionID uuid.UUID) ([]*Callback, error)
}

const sessionColumns = `id, user_id, amount, provider, status, provider_transaction_id, checkout_url, ussd_code,
	phone, failure_reason, resolved_by, resolution_note, created_at, updated_at, completed_at`

type repository struct {
	db *sqlx.DB
}

// NewRepository creates payment repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO payment_sessions (id, user_id, amount, provider, status, phone, created_at, updated_at)
		VALUES (:id, :user_id, :amount, :provider, :status, :phone, :created_at, :updated_at)
	`, s)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNoAccount
	}
	return err
}

func (r *repository) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var s Session
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repository) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	var userID interface{}
	if f.UserID != uuid.Nil {
		userID = f.UserID
	}
	var sessions []*Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE ($1::uuid IS NULL OR user_id = $1)
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR provider = $3)
			AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`, userID, string(f.Status), string(f.Provider), f.Before, f.Limit, f.Offset)
	return sessions, err
}

func (r *repository) Transition(ctx context.Context, id uuid.UUID, fn TransitionFunc) (*Session, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var s Session
	err = tx.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	t, err := fn(&s)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return &s, tx.Commit()
	}

	t.apply(&s, time.Now().UTC())
	if _, err := tx.NamedExecContext(ctx, `
		UPDATE payment_sessions
		SET status = :status,
			provider_transaction_id = :provider_transaction_id,
			failure_reason = :failure_reason,
			resolved_by = :resolved_by,
			resolution_note = :resolution_note,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id
	`, &s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repository) SetGatewayDetails(ctx context.Context, id uuid.UUID, providerTxID, checkoutURL, ussdCode string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET provider_transaction_id = COALESCE(NULLIF($2, ''), provider_transaction_id),
			checkout_url = NULLIF($3, ''),
			ussd_code = NULLIF($4, ''),
			updated_at = now()
		WHERE id = $1
	`, id, providerTxID, checkoutURL, ussdCode)
	return err
}

func (r *repository) RecordCallback(ctx context.Context, cb *Callback) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO payment_callbacks (id, provider, session_id, raw_payload, signature, verified, processed, outcome, received_at)
		VALUES (:id, :provider, :session_id, :raw_payload, :signature, :verified, :processed, :outcome, :received_at)
	`, cb)
	return err
}

func (r *repository) MarkCallback(ctx context.Context, id uuid.UUID, sessionID *uuid.UUID, processed bool, outcome string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_callbacks
		SET session_id = COALESCE($2, session_id), processed = $3, outcome = $4
		WHERE id = $1
	`, id, sessionID, processed, outcome)
	return err
}

func (r *repository) ListCallbacks(ctx context.Context, sessionID uuid.UUID) ([]*Callback, error) {
	var callbacks []*Callback
	err := r.db.SelectContext(ctx, &callbacks, `
		SELECT id, provider, session_id, raw_payload, signature, verified, processed, outcome, received_at
		FROM payment_callbacks
		WHERE session_id = $1
		ORDER BY received_at
	`, sessionID)
	return callbacks, err
}
