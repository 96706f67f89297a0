package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/pkg/apperr"
)

func TestDuplicateCompletedWebhookCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, ProviderOrangeMoney, f.user, 10000)

	raw, sig := orangeNotification(t, s.ID, "SUCCESS", 10000)

	first, err := f.rec.HandleCallback(ctx, raw, sig, "")
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Result != OutcomeCompleted || first.Provider != ProviderOrangeMoney {
		t.Fatalf("first outcome = %+v", first)
	}

	second, err := f.rec.HandleCallback(ctx, raw, sig, "")
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Result != OutcomeDuplicate {
		t.Fatalf("second outcome = %q, want duplicate", second.Result)
	}

	if got := f.balance(t, f.user); got != 10000 {
		t.Fatalf("balance = %d, want 10000", got)
	}
	if n := len(f.deposits(t, f.user)); n != 1 {
		t.Fatalf("deposit entries = %d, want 1", n)
	}

	session := f.status(t, s.ID)
	if session.Status != StatusCompleted || session.CompletedAt == nil {
		t.Fatalf("session = %+v", session)
	}
	if session.ProviderTransactionID == nil || *session.ProviderTransactionID == "" {
		t.Fatal("provider transaction id not stored")
	}

	callbacks, _ := f.repo.ListCallbacks(ctx, s.ID)
	if len(callbacks) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(callbacks))
	}
	for _, cb := range callbacks {
		if !cb.Verified || !cb.Processed {
			t.Fatalf("callback %+v should be verified and processed", cb)
		}
	}
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, ProviderMTNMoMo, f.user, 2500)
	raw, sig := momoCallback(t, s.ID, "SUCCESSFUL", "2500")

	const deliveries = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
			if err != nil {
				t.Errorf("delivery: %v", err)
				return
			}
			if out.Result == OutcomeCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if completed != 1 {
		t.Fatalf("completed outcomes = %d, want 1", completed)
	}
	if n := len(f.deposits(t, f.user)); n != 1 {
		t.Fatalf("deposit entries = %d, want 1", n)
	}
	if got := f.balance(t, f.user); got != 2500 {
		t.Fatalf("balance = %d, want 2500", got)
	}
	if n := len(f.repo.AllCallbacks()); n != deliveries {
		t.Fatalf("recorded callbacks = %d, want %d", n, deliveries)
	}
}

func TestForgedSignatureNeverCredits(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, ProviderMTNMoMo, f.user, 5000)
	raw, _ := momoCallback(t, s.ID, "SUCCESSFUL", "5000")

	out, err := f.rec.HandleCallback(context.Background(), raw, "deadbeef", "")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	if apperr.IsRetryable(err) {
		t.Fatal("signature failures must not be retryable")
	}
	if out.Result != OutcomeInvalidSig {
		t.Fatalf("outcome = %q", out.Result)
	}

	all := f.repo.AllCallbacks()
	if len(all) != 1 || all[0].Verified || all[0].Processed {
		t.Fatalf("callbacks = %+v, want one unverified row", all)
	}
	if got := f.balance(t, f.user); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
	if st := f.status(t, s.ID).Status; st != StatusPending {
		t.Fatalf("status = %q, want pending", st)
	}
}

func TestCallbackBeforeSessionIsRetryable(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	raw, sig := waveEvent(t, id, "checkout.session.completed", "succeeded", 7000, time.Now())

	_, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if !apperr.IsRetryable(err) {
		t.Fatal("session not found must be retryable")
	}

	f.sessionWithID(t, id, ProviderWave, f.user, 7000)
	out, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out.Result != OutcomeCompleted {
		t.Fatalf("outcome = %q", out.Result)
	}
	if got := f.balance(t, f.user); got != 7000 {
		t.Fatalf("balance = %d, want 7000", got)
	}

	callbacks, _ := f.repo.ListCallbacks(context.Background(), id)
	if len(callbacks) != 2 || callbacks[0].Processed || callbacks[0].Outcome != OutcomeSessionNotFound {
		t.Fatalf("callbacks = %+v", callbacks)
	}
}

func TestFailedSignalMarksSessionFailed(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, ProviderMTNMoMo, f.user, 900)
	raw, sig := momoCallback(t, s.ID, "FAILED", "900")

	out, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Result != OutcomeFailed || out.Status != StatusFailed {
		t.Fatalf("outcome = %+v", out)
	}
	if n := len(f.deposits(t, f.user)); n != 0 {
		t.Fatalf("deposit entries = %d, want 0", n)
	}

	// A late success for a failed session changes nothing.
	raw, sig = momoCallback(t, s.ID, "SUCCESSFUL", "900")
	out, err = f.rec.HandleCallback(context.Background(), raw, sig, "")
	if err != nil || out.Result != OutcomeDuplicate {
		t.Fatalf("late success = %+v, %v", out, err)
	}
	if got := f.balance(t, f.user); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestCompletedAfterExpiryNeedsOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, ProviderMTNMoMo, f.user, 4000)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expire = %d, %v", n, err)
	}

	raw, sig := momoCallback(t, s.ID, "SUCCESSFUL", "4000")
	out, err := f.rec.HandleCallback(ctx, raw, sig, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Result != OutcomeCreditFailed || out.Status != StatusCreditFailed {
		t.Fatalf("outcome = %+v, want credit_failed", out)
	}
	session := f.status(t, s.ID)
	if session.FailureReason == nil || *session.FailureReason != FailureCompletedAfterExpiry {
		t.Fatalf("failure reason = %v", session.FailureReason)
	}
	if session.ProviderTransactionID == nil {
		t.Fatal("provider transaction id not stored")
	}
	if got := f.balance(t, f.user); got != 0 {
		t.Fatalf("balance before resolution = %d, want 0", got)
	}

	// Redelivery of the same success is now a plain duplicate.
	out, err = f.rec.HandleCallback(ctx, raw, sig, "")
	if err != nil || out.Result != OutcomeDuplicate {
		t.Fatalf("redelivery = %+v, %v", out, err)
	}

	resolved, err := f.svc.Resolve(ctx, s.ID, uuid.New(), ResolveRequest{Action: ActionRecredit})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusCompleted {
		t.Fatalf("resolved status = %q", resolved.Status)
	}
	if got := f.balance(t, f.user); got != 4000 {
		t.Fatalf("balance = %d, want 4000", got)
	}
}

func TestCompletedAfterGatewayErrorNeedsOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, ProviderOrangeMoney, f.user, 700)
	if _, err := f.repo.Transition(ctx, s.ID, func(*Session) (*Transition, error) {
		return &Transition{Status: StatusFailed, FailureReason: FailureGatewayError}, nil
	}); err != nil {
		t.Fatalf("fail session: %v", err)
	}

	raw, sig := orangeNotification(t, s.ID, "SUCCESS", 700)
	out, err := f.rec.HandleCallback(ctx, raw, sig, "")
	if err != nil || out.Result != OutcomeCreditFailed {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	if r := f.status(t, s.ID).FailureReason; r == nil || *r != FailureCompletedAfterFailure {
		t.Fatalf("failure reason = %v", r)
	}
}

func TestPendingSignalKeepsSessionOpen(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, ProviderWave, f.user, 300)
	raw, sig := waveEvent(t, s.ID, "checkout.session.completed", "processing", 300, time.Now())

	out, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
	if err != nil || out.Result != OutcomePending {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	if st := f.status(t, s.ID).Status; st != StatusPending {
		t.Fatalf("status = %q", st)
	}
}

func TestAmountMismatchNeedsOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, ProviderFlutterwave, f.user, 4000)
	raw, sig := flutterwaveEvent(t, s.ID, "successful", 40000)

	out, err := f.rec.HandleCallback(ctx, raw, sig, "")
	if err != nil {
		t.Fatalf("credit_failed must still acknowledge the webhook: %v", err)
	}
	if out.Result != OutcomeCreditFailed {
		t.Fatalf("outcome = %q", out.Result)
	}
	session := f.status(t, s.ID)
	if session.Status != StatusCreditFailed || session.FailureReason == nil || *session.FailureReason != "amount_mismatch" {
		t.Fatalf("session = %+v", session)
	}
	if got := f.balance(t, f.user); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}

	// Redelivery does not retry the credit on its own.
	out, _ = f.rec.HandleCallback(ctx, raw, sig, "")
	if out.Result != OutcomeDuplicate {
		t.Fatalf("redelivery outcome = %q", out.Result)
	}

	operator := uuid.New()
	resolved, err := f.svc.Resolve(ctx, s.ID, operator, ResolveRequest{Action: ActionRecredit, Note: "provider statement shows 4000"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusCompleted || resolved.ResolvedBy == nil || *resolved.ResolvedBy != operator {
		t.Fatalf("resolved = %+v", resolved)
	}
	if got := f.balance(t, f.user); got != 4000 {
		t.Fatalf("balance = %d, want 4000", got)
	}

	if _, err := f.svc.Resolve(ctx, s.ID, operator, ResolveRequest{Action: ActionRecredit}); !errors.Is(err, ErrNotResolvable) {
		t.Fatalf("second resolve err = %v, want ErrNotResolvable", err)
	}
	if n := len(f.deposits(t, f.user)); n != 1 {
		t.Fatalf("deposit entries = %d, want 1", n)
	}
}

func TestLedgerRejectionMarksCreditFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := uuid.New()
	s := f.session(t, ProviderOrangeMoney, ghost, 1200)
	raw, sig := orangeNotification(t, s.ID, "SUCCESS", 1200)

	out, err := f.rec.HandleCallback(ctx, raw, sig, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Result != OutcomeCreditFailed {
		t.Fatalf("outcome = %q", out.Result)
	}
	session := f.status(t, s.ID)
	if session.FailureReason == nil || *session.FailureReason != string(ledger.KindAccountNotFound) {
		t.Fatalf("failure reason = %v", session.FailureReason)
	}

	operator := uuid.New()
	rejected, err := f.svc.Resolve(ctx, s.ID, operator, ResolveRequest{Action: ActionReject, Note: "refunded by provider"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusCreditFailed || rejected.ResolvedBy == nil || rejected.ResolutionNote == nil {
		t.Fatalf("rejected = %+v", rejected)
	}
	if _, err := f.svc.Resolve(ctx, s.ID, operator, ResolveRequest{Action: ActionRecredit}); !errors.Is(err, ErrNotResolvable) {
		t.Fatalf("resolve after reject err = %v", err)
	}
}

type flakyCrediter struct {
	mu       sync.Mutex
	next     Crediter
	failures int
}

func (c *flakyCrediter) ProviderTopUp(ctx context.Context, sessionID uuid.UUID, provider string, userID uuid.UUID, amount int64) (*ledger.Result, error) {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return nil, context.DeadlineExceeded
	}
	c.mu.Unlock()
	return c.next.ProviderTopUp(ctx, sessionID, provider, userID, amount)
}

func TestRetryableLedgerErrorDefersCredit(t *testing.T) {
	f := newFixture(t)
	f.svc.crediter = &flakyCrediter{next: f.ledger, failures: 1}
	s := f.session(t, ProviderMTNMoMo, f.user, 650)
	raw, sig := momoCallback(t, s.ID, "SUCCESSFUL", "650")

	_, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
	if !errors.Is(err, ErrCreditDeferred) || !apperr.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable ErrCreditDeferred", err)
	}
	if st := f.status(t, s.ID).Status; st != StatusPending {
		t.Fatalf("status = %q, want pending", st)
	}

	out, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
	if err != nil || out.Result != OutcomeCompleted {
		t.Fatalf("retry = %+v, %v", out, err)
	}
	if got := f.balance(t, f.user); got != 650 {
		t.Fatalf("balance = %d, want 650", got)
	}
}

func TestCreditAlreadyBookedCompletesSession(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, ProviderWave, f.user, 800)

	// The ledger committed but the session update was lost.
	if _, err := f.ledger.ProviderTopUp(context.Background(), s.ID, string(ProviderWave), f.user, 800); err != nil {
		t.Fatalf("top up: %v", err)
	}

	raw, sig := waveEvent(t, s.ID, "checkout.session.completed", "succeeded", 800, time.Now())
	out, err := f.rec.HandleCallback(context.Background(), raw, sig, "")
	if err != nil || out.Result != OutcomeCompleted {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	if got := f.balance(t, f.user); got != 800 {
		t.Fatalf("balance = %d, want 800", got)
	}
}

func TestMalformedAndMismatchedPayloads(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, ProviderMTNMoMo, f.user, 100)
	momoRaw, momoSig := momoCallback(t, s.ID, "SUCCESSFUL", "100")
	waveRaw, waveSig := waveEvent(t, s.ID, "checkout.session.completed", "succeeded", 100, time.Now())

	tests := []struct {
		name    string
		raw     []byte
		sig     string
		hint    Provider
		outcome string
	}{
		{"not json", []byte("status=SUCCESS"), "x", "", OutcomeMalformed},
		{"unknown shape", []byte(`{"hello":"world"}`), "x", "", OutcomeMalformed},
		{"hint excludes adapter", momoRaw, momoSig, ProviderWave, OutcomeMalformed},
		{"session of another network", waveRaw, waveSig, "", OutcomeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.rec.HandleCallback(context.Background(), tt.raw, tt.sig, tt.hint)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("err = %v, want ErrMalformedPayload", err)
			}
			if out.Result != tt.outcome {
				t.Fatalf("outcome = %q, want %q", out.Result, tt.outcome)
			}
		})
	}
	if got := f.balance(t, f.user); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestMalformedSessionReference(t *testing.T) {
	f := newFixture(t)
	raw := mustJSON(t, map[string]interface{}{
		"financialTransactionId": "123",
		"externalId":             "not-a-session",
		"amount":                 "10",
		"status":                 "SUCCESSFUL",
	})

	_, err := f.rec.HandleCallback(context.Background(), raw, signMoMo(raw), "")
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	all := f.repo.AllCallbacks()
	if len(all) != 1 || !all[0].Verified || all[0].Outcome != OutcomeMalformed {
		t.Fatalf("callbacks = %+v", all)
	}
}

type memoryArchive struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (a *memoryArchive) Put(_ context.Context, key string, body []byte, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objs[key] = body
	return nil
}

func (a *memoryArchive) Get(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.objs[key], nil
}

func TestRawPayloadsAreArchived(t *testing.T) {
	f := newFixture(t)
	arch := &memoryArchive{objs: make(map[string][]byte)}
	f.rec.SetArchive(arch)

	s := f.session(t, ProviderOrangeMoney, f.user, 50)
	raw, sig := orangeNotification(t, s.ID, "SUCCESS", 50)
	if _, err := f.rec.HandleCallback(context.Background(), raw, sig, ""); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_, _ = f.rec.HandleCallback(context.Background(), raw, "forged", "")
	f.rec.Wait()

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.objs) != 2 {
		t.Fatalf("archived objects = %d, want 2", len(arch.objs))
	}
}
