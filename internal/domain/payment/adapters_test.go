package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAdaptersDetectExactlyOneNetwork(t *testing.T) {
	id := uuid.New()
	momoRaw, _ := momoCallback(t, id, "SUCCESSFUL", "10")
	orangeRaw, _ := orangeNotification(t, id, "SUCCESS", 10)
	waveRaw, _ := waveEvent(t, id, "checkout.session.completed", "succeeded", 10, time.Now())
	flwRaw, _ := flutterwaveEvent(t, id, "successful", 10)

	adapters := NewAdapters(WebhookSecrets{})
	tests := []struct {
		raw  []byte
		want Provider
	}{
		{momoRaw, ProviderMTNMoMo},
		{orangeRaw, ProviderOrangeMoney},
		{waveRaw, ProviderWave},
		{flwRaw, ProviderFlutterwave},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			p, err := ParsePayload(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			var matched []Provider
			for _, a := range adapters {
				if a.Detect(p) {
					matched = append(matched, a.Provider())
				}
			}
			if len(matched) != 1 || matched[0] != tt.want {
				t.Fatalf("matched %v, want [%s]", matched, tt.want)
			}
		})
	}
}

func TestAdaptersExtractSignals(t *testing.T) {
	id := uuid.New()
	secrets := WebhookSecrets{MoMo: momoSecret, OrangeMoney: orangeSecret, Wave: waveSecret, WaveTolerance: time.Minute, FlutterwaveHash: flutterwaveHash}
	adapters := map[Provider]WebhookAdapter{}
	for _, a := range NewAdapters(secrets) {
		adapters[a.Provider()] = a
	}

	build := map[string]func() ([]byte, string){
		"momo success":   func() ([]byte, string) { return momoCallback(t, id, "SUCCESSFUL", "1500") },
		"momo pending":   func() ([]byte, string) { return momoCallback(t, id, "PENDING", "1500") },
		"orange expired": func() ([]byte, string) { return orangeNotification(t, id, "EXPIRED", 1500) },
		"orange init":    func() ([]byte, string) { return orangeNotification(t, id, "INITIATED", 1500) },
		"wave failed": func() ([]byte, string) {
			return waveEvent(t, id, "checkout.session.payment_failed", "cancelled", 1500, time.Now())
		},
		"flutterwave failed": func() ([]byte, string) { return flutterwaveEvent(t, id, "failed", 1500) },
	}
	tests := []struct {
		name     string
		provider Provider
		status   SignalStatus
		reason   string
	}{
		{"momo success", ProviderMTNMoMo, SignalCompleted, ""},
		{"momo pending", ProviderMTNMoMo, SignalPending, ""},
		{"orange expired", ProviderOrangeMoney, SignalFailed, "expired"},
		{"orange init", ProviderOrangeMoney, SignalPending, ""},
		{"wave failed", ProviderWave, SignalFailed, "provider_failed"},
		{"flutterwave failed", ProviderFlutterwave, SignalFailed, "provider_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, sig := build[tt.name]()
			p, err := ParsePayload(raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			a := adapters[tt.provider]
			if !a.Verify(p, sig) {
				t.Fatal("authentic payload failed verification")
			}
			got, err := a.Extract(p)
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if got.SessionID != id || got.Status != tt.status || got.Reason != tt.reason {
				t.Fatalf("signal = %+v", got)
			}
			if !got.HasAmount || got.Amount.IntPart() != 1500 {
				t.Fatalf("amount = %s (has %v)", got.Amount, got.HasAmount)
			}
		})
	}
}

func TestAdaptersRejectTamperedPayloads(t *testing.T) {
	id := uuid.New()
	secrets := WebhookSecrets{MoMo: momoSecret, OrangeMoney: orangeSecret, Wave: waveSecret, WaveTolerance: time.Minute, FlutterwaveHash: flutterwaveHash}
	adapters := map[Provider]WebhookAdapter{}
	for _, a := range NewAdapters(secrets) {
		adapters[a.Provider()] = a
	}

	momoRaw, momoSig := momoCallback(t, id, "SUCCESSFUL", "10")
	tampered, _ := momoCallback(t, id, "SUCCESSFUL", "10000")

	orangeRaw := mustJSON(t, map[string]interface{}{
		"status":      "SUCCESS",
		"notif_token": "0123456789abcdef0123456789abcdef",
		"order_id":    id.String(),
		"txnid":       "MP1",
		"amount":      10,
	})

	waveRaw, staleSig := waveEvent(t, id, "checkout.session.completed", "succeeded", 10, time.Now().Add(-time.Hour))

	tests := []struct {
		name     string
		provider Provider
		raw      []byte
		sig      string
	}{
		{"momo body changed", ProviderMTNMoMo, tampered, momoSig},
		{"momo empty signature", ProviderMTNMoMo, momoRaw, ""},
		{"orange token not derived from order", ProviderOrangeMoney, orangeRaw, signOrange(orangeRaw)},
		{"wave timestamp outside tolerance", ProviderWave, waveRaw, staleSig},
		{"flutterwave wrong hash", ProviderFlutterwave, []byte(`{"event":"charge.completed","data":{}}`), "guess"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePayload(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if adapters[tt.provider].Verify(p, tt.sig) {
				t.Fatal("tampered payload verified")
			}
		})
	}
}

func TestWaveAdapterUsesInjectedClock(t *testing.T) {
	id := uuid.New()
	signedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, sig := waveEvent(t, id, "checkout.session.completed", "succeeded", 10, signedAt)
	p, _ := ParsePayload(raw)

	a := &WaveAdapter{Secret: waveSecret, Tolerance: 5 * time.Minute, now: func() time.Time { return signedAt.Add(4 * time.Minute) }}
	if !a.Verify(p, sig) {
		t.Fatal("signature within tolerance rejected")
	}
	a.now = func() time.Time { return signedAt.Add(6 * time.Minute) }
	if a.Verify(p, sig) {
		t.Fatal("signature outside tolerance accepted")
	}
}

func TestParsePayloadRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{``, `[]`, `"x"`, `null`, `{bad`} {
		if _, err := ParsePayload([]byte(raw)); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("ParsePayload(%q) err = %v", raw, err)
		}
	}
}
