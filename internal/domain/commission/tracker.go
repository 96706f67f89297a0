package commission

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
)

const (
	defaultTrackerWorkers = 4
	defaultTrackerQueue   = 256
	trackerTaskTimeout    = 30 * time.Second
)

type trackTask struct {
	agentID uuid.UUID
	result  *ledger.Result
}

// Tracker follows committed ledger operations and keeps quotas and monthly
// statements current outside the write path. Work is sharded by agent so one
// agent's updates are applied in commit order.
type Tracker struct {
	service *Service
	queues  []chan trackTask
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewTracker creates a tracker with workers goroutines, each owning a queue of
// queueSize pending operations.
func NewTracker(service *Service, workers, queueSize int) *Tracker {
	if workers <= 0 {
		workers = defaultTrackerWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultTrackerQueue
	}
	t := &Tracker{
		service: service,
		queues:  make([]chan trackTask, workers),
		stopCh:  make(chan struct{}),
	}
	for i := range t.queues {
		t.queues[i] = make(chan trackTask, queueSize)
	}
	return t
}

// Start launches the workers
func (t *Tracker) Start() {
	log.Info().Int("workers", len(t.queues)).Msg("Starting commission tracker...")
	for _, q := range t.queues {
		t.wg.Add(1)
		go t.run(q)
	}
}

// Stop stops accepting operations, drains the queues and waits for workers.
func (t *Tracker) Stop() {
	t.once.Do(func() {
		log.Info().Msg("Stopping commission tracker...")
		close(t.stopCh)
	})
	t.wg.Wait()
}

// OnCommit implements ledger.CommitListener. It blocks while the agent's
// queue is full, which only delays the notifier, never the ledger write.
func (t *Tracker) OnCommit(ctx context.Context, result *ledger.Result) {
	agentID, ok := agentOf(result)
	if !ok {
		return
	}
	task := trackTask{agentID: agentID, result: result}
	q := t.queues[binary.BigEndian.Uint32(agentID[:4])%uint32(len(t.queues))]

	select {
	case q <- task:
	case <-t.stopCh:
		log.Warn().
			Str("operation_id", result.Operation.ID.String()).
			Msg("Commission tracker stopped, operation left to scheduled recalculation")
	case <-ctx.Done():
	}
}

// agentOf returns the agent whose quota or statement result affects.
func agentOf(result *ledger.Result) (uuid.UUID, bool) {
	var reason ledger.Reason
	switch result.Operation.Type {
	case ledger.OpAgentDeposit:
		reason = ledger.ReasonDeposit
	case ledger.OpWithdrawal:
		reason = ledger.ReasonWithdrawal
	default:
		return uuid.Nil, false
	}
	for _, e := range result.Entries {
		if e.Kind != ledger.BalanceSpendable || e.Reason != reason {
			continue
		}
		// the agent gives float on a deposit and takes cash in on a withdrawal
		if (reason == ledger.ReasonDeposit && e.Delta < 0) || (reason == ledger.ReasonWithdrawal && e.Delta > 0) {
			return e.AccountID, true
		}
	}
	return uuid.Nil, false
}

func (t *Tracker) run(q chan trackTask) {
	defer t.wg.Done()
	for {
		select {
		case task := <-q:
			t.handle(task)
		case <-t.stopCh:
			for {
				select {
				case task := <-q:
					t.handle(task)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) handle(task trackTask) {
	ctx, cancel := context.WithTimeout(context.Background(), trackerTaskTimeout)
	defer cancel()

	if err := t.Process(ctx, task.agentID, task.result); err != nil {
		log.Error().Err(err).
			Str("agent_id", task.agentID.String()).
			Str("operation_id", task.result.Operation.ID.String()).
			Msg("Commission tracking failed")
	}
}

// Process applies one committed operation: deposits count towards the daily
// quota, then the operation's month is recomputed.
func (t *Tracker) Process(ctx context.Context, agentID uuid.UUID, result *ledger.Result) error {
	s := t.service
	op := result.Operation

	return s.retry.Do(ctx, "commission.track", func(ctx context.Context) error {
		account, err := s.agent(ctx, agentID)
		if err != nil {
			return err
		}
		if op.Type == ledger.OpAgentDeposit {
			if _, err := s.RecordDeposit(ctx, agentID, op.ID, op.Amount, op.CreatedAt); err != nil {
				return err
			}
		}

		local := op.CreatedAt.In(account.Location())
		_, err = s.recompute(ctx, account, local.Year(), int(local.Month()))
		if errors.Is(err, ErrMonthSettled) {
			log.Warn().
				Str("agent_id", agentID.String()).
				Str("operation_id", op.ID.String()).
				Msg("Operation landed in a settled month, statement left frozen")
			return nil
		}
		return err
	})
}
