package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps sessions in process. Transition holds a per-session
// mutex for the duration of fn, like the row lock of the Postgres repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*Session
	locks     map[uuid.UUID]*sync.Mutex
	callbacks []*Callback
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[uuid.UUID]*Session),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	r.locks[s.ID] = &sync.Mutex{}
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, f SessionFilter) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if f.UserID != uuid.Nil && s.UserID != f.UserID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Provider != "" && s.Provider != f.Provider {
			continue
		}
		if f.Before != nil && !s.CreatedAt.Before(*f.Before) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset >= len(out) {
		return []*Session{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id uuid.UUID, fn TransitionFunc) (*Session, error) {
	r.mu.RLock()
	lock, ok := r.locks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	cp := *r.sessions[id]
	r.mu.RUnlock()

	t, err := fn(&cp)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return &cp, nil
	}
	t.apply(&cp, time.Now().UTC())

	r.mu.Lock()
	stored := cp
	r.sessions[id] = &stored
	r.mu.Unlock()
	return &cp, nil
}

func (r *MemoryRepository) SetGatewayDetails(_ context.Context, id uuid.UUID, providerTxID, checkoutURL, ussdCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if providerTxID != "" {
		s.ProviderTransactionID = strPtr(providerTxID)
	}
	if checkoutURL != "" {
		s.CheckoutURL = strPtr(checkoutURL)
	}
	if ussdCode != "" {
		s.USSDCode = strPtr(ussdCode)
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) RecordCallback(_ context.Context, cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cb
	r.callbacks = append(r.callbacks, &cp)
	return nil
}

func (r *MemoryRepository) MarkCallback(_ context.Context, id uuid.UUID, sessionID *uuid.UUID, processed bool, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.callbacks {
		if cb.ID == id {
			if sessionID != nil {
				sid := *sessionID
				cb.SessionID = &sid
			}
			cb.Processed = processed
			cb.Outcome = outcome
			return nil
		}
	}
	return nil
}

func (r *MemoryRepository) ListCallbacks(_ context.Context, sessionID uuid.UUID) ([]*Callback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Callback
	for _, cb := range r.callbacks {
		if cb.SessionID != nil && *cb.SessionID == sessionID {
			cp := *cb
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AllCallbacks returns every recorded delivery, including unmatched ones.
func (r *MemoryRepository) AllCallbacks() []*Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Callback, 0, len(r.callbacks))
	for _, cb := range r.callbacks {
		cp := *cb
		out = append(out, &cp)
	}
	return out
}
