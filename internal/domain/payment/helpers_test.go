package payment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/pkg/momo"
	"github.com/agentpay/agentpay-api/internal/pkg/orangemoney"
	"github.com/agentpay/agentpay-api/internal/pkg/retry"
	"github.com/agentpay/agentpay-api/internal/pkg/wave"
)

const (
	momoSecret      = "momo-webhook-secret"
	orangeSecret    = "orange-webhook-secret"
	waveSecret      = "wave-webhook-secret"
	flutterwaveHash = "flw-secret-hash"
)

type fixture struct {
	repo   *MemoryRepository
	store  *ledger.MemoryStore
	ledger *ledger.Service
	svc    *Service
	rec    *Reconciler
	user   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := ledger.NewMemoryStore()
	lsvc := ledger.NewService(ledger.NewEngine(store, nil), ledger.FeeSchedule{})
	providers := make([]string, 0, 4)
	for _, p := range Providers() {
		providers = append(providers, string(p))
	}
	if err := lsvc.EnsurePlatformAccounts(ctx, providers); err != nil {
		t.Fatalf("platform accounts: %v", err)
	}
	user, err := lsvc.OpenAccount(ctx, ledger.OpenAccountRequest{Role: ledger.RoleUser, Timezone: "Africa/Abidjan"})
	if err != nil {
		t.Fatalf("open account: %v", err)
	}

	repo := NewMemoryRepository()
	svc := NewService(repo, lsvc, nil)
	svc.SetRetryPolicy(retry.NoRetry())
	rec := NewReconciler(svc, NewAdapters(WebhookSecrets{
		MoMo:            momoSecret,
		OrangeMoney:     orangeSecret,
		Wave:            waveSecret,
		WaveTolerance:   5 * time.Minute,
		FlutterwaveHash: flutterwaveHash,
	}))

	return &fixture{repo: repo, store: store, ledger: lsvc, svc: svc, rec: rec, user: user.ID}
}

func (f *fixture) session(t *testing.T, provider Provider, userID uuid.UUID, amount int64) *Session {
	t.Helper()
	return f.sessionWithID(t, uuid.New(), provider, userID, amount)
}

func (f *fixture) sessionWithID(t *testing.T, id uuid.UUID, provider Provider, userID uuid.UUID, amount int64) *Session {
	t.Helper()
	now := time.Now().UTC()
	s := &Session{ID: id, UserID: userID, Amount: amount, Provider: provider, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := f.repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Balance
}

func (f *fixture) deposits(t *testing.T, id uuid.UUID) []ledger.Entry {
	t.Helper()
	entries, _, err := f.store.ListEntries(context.Background(), ledger.EntryFilter{AccountID: id, Reason: ledger.ReasonDeposit})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	return entries
}

func (f *fixture) status(t *testing.T, id uuid.UUID) *Session {
	t.Helper()
	s, err := f.repo.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func momoCallback(t *testing.T, sessionID uuid.UUID, status, amount string) ([]byte, string) {
	t.Helper()
	raw := mustJSON(t, map[string]interface{}{
		"financialTransactionId": "mfs-" + sessionID.String()[:8],
		"externalId":             sessionID.String(),
		"amount":                 amount,
		"currency":               "XOF",
		"status":                 status,
		"payer":                  map[string]string{"partyIdType": "MSISDN", "partyId": "2250700000000"},
	})
	return raw, momo.GenerateSignature(raw, momoSecret)
}

func orangeNotification(t *testing.T, sessionID uuid.UUID, status string, amount int64) ([]byte, string) {
	t.Helper()
	raw := mustJSON(t, map[string]interface{}{
		"status":      status,
		"notif_token": orangemoney.NotifToken(sessionID.String(), orangeSecret),
		"txnid":       "MP" + sessionID.String()[:8],
		"order_id":    sessionID.String(),
		"amount":      amount,
	})
	return raw, orangemoney.Sign(raw, orangeSecret)
}

func waveEvent(t *testing.T, sessionID uuid.UUID, eventType, paymentStatus string, amount int64, at time.Time) ([]byte, string) {
	t.Helper()
	raw := mustJSON(t, map[string]interface{}{
		"id":   "AE_" + sessionID.String()[:8],
		"type": eventType,
		"data": map[string]interface{}{
			"id":               "cos-" + sessionID.String()[:8],
			"client_reference": sessionID.String(),
			"amount":           amount,
			"currency":         "XOF",
			"checkout_status":  "complete",
			"payment_status":   paymentStatus,
			"transaction_id":   "T_" + sessionID.String()[:8],
		},
	})
	return raw, wave.SignatureHeader(raw, waveSecret, at)
}

func flutterwaveEvent(t *testing.T, sessionID uuid.UUID, status string, amount int64) ([]byte, string) {
	t.Helper()
	raw := mustJSON(t, map[string]interface{}{
		"event": "charge.completed",
		"data": map[string]interface{}{
			"id":       4421337,
			"tx_ref":   sessionID.String(),
			"flw_ref":  "FLW-MOCK-" + sessionID.String()[:8],
			"amount":   amount,
			"currency": "XOF",
			"status":   status,
		},
	})
	return raw, flutterwaveHash
}

func signMoMo(raw []byte) string {
	return momo.GenerateSignature(raw, momoSecret)
}

func signOrange(raw []byte) string {
	return orangemoney.Sign(raw, orangeSecret)
}
