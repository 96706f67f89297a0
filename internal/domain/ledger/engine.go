package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CommitListener is told about every operation after it commits. Replays are
// not delivered again.
type CommitListener interface {
	OnCommit(ctx context.Context, result *Result)
}

// CommitListenerFunc adapts a function to CommitListener.
type CommitListenerFunc func(ctx context.Context, result *Result)

func (f CommitListenerFunc) OnCommit(ctx context.Context, result *Result) { f(ctx, result) }

// Engine validates operations and hands them to the store. It is the only
// writer of balances.
type Engine struct {
	store  Store
	limits LimitPolicy
	now    func() time.Time

	mu        sync.RWMutex
	listeners []CommitListener
	pending   sync.WaitGroup
}

func NewEngine(store Store, limits LimitPolicy) *Engine {
	return &Engine{
		store:  store,
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a listener for committed operations.
func (e *Engine) Subscribe(l CommitListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// Wait blocks until every dispatched commit notification has been delivered.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Execute commits op exactly once per idempotency key. A repeat with the same
// key and arguments returns the stored result with Replayed set; a repeat with
// different arguments fails with ErrIdempotencyConflict.
func (e *Engine) Execute(ctx context.Context, op Operation) (*Result, error) {
	op.normalize()
	if err := op.Validate(); err != nil {
		return nil, &OperationError{IdempotencyKey: op.IdempotencyKey, Err: err}
	}

	req := ApplyRequest{
		Op:          op,
		Fingerprint: op.Fingerprint(),
		Now:         e.now(),
	}
	if op.Limit != nil {
		req.Ceiling = e.limits.For(op.Limit.Type)
	}

	result, err := e.store.Apply(ctx, req)
	if err != nil {
		var opErr *OperationError
		if errors.As(err, &opErr) {
			log.Debug().
				Str("idempotency_key", op.IdempotencyKey).
				Str("kind", string(opErr.Kind())).
				Err(err).
				Msg("Ledger operation rejected")
			return nil, opErr
		}
		log.Error().Err(err).Str("idempotency_key", op.IdempotencyKey).Msg("Ledger operation failed")
		return nil, &OperationError{IdempotencyKey: op.IdempotencyKey, Err: err}
	}

	if result.Replayed {
		log.Info().
			Str("idempotency_key", op.IdempotencyKey).
			Str("operation_id", result.Operation.ID.String()).
			Msg("Ledger operation replayed")
		return result, nil
	}

	log.Info().
		Str("idempotency_key", op.IdempotencyKey).
		Str("operation_id", result.Operation.ID.String()).
		Str("type", string(op.Type)).
		Int64("amount", op.Amount).
		Msg("Ledger operation committed")

	e.notify(result)
	return result, nil
}

func (e *Engine) notify(result *Result) {
	e.mu.RLock()
	listeners := append([]CommitListener(nil), e.listeners...)
	e.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Commit listener panicked")
			}
		}()
		for _, l := range listeners {
			l.OnCommit(context.Background(), copyResult(result, false))
		}
	}()
}

func (e *Engine) Account(ctx context.Context, id uuid.UUID) (*Account, error) {
	return e.store.GetAccount(ctx, id)
}

func (e *Engine) Accounts(ctx context.Context, role Role, territory string, limit, offset int) ([]*Account, error) {
	return e.store.ListAccounts(ctx, role, territory, limit, offset)
}

func (e *Engine) Operation(ctx context.Context, idempotencyKey string) (*Result, error) {
	return e.store.GetOperation(ctx, idempotencyKey)
}

func (e *Engine) History(ctx context.Context, filter EntryFilter) ([]Entry, int, error) {
	return e.store.ListEntries(ctx, filter)
}

func (e *Engine) AgentActivity(ctx context.Context, agentID uuid.UUID, from, to time.Time) (*Activity, error) {
	return e.store.AgentActivity(ctx, agentID, from, to)
}

func (e *Engine) CheckInvariants(ctx context.Context) (*InvariantReport, error) {
	return e.store.CheckInvariants(ctx)
}
