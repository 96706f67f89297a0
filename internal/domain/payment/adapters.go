package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentpay/agentpay-api/internal/pkg/flutterwave"
	"github.com/agentpay/agentpay-api/internal/pkg/momo"
	"github.com/agentpay/agentpay-api/internal/pkg/orangemoney"
	"github.com/agentpay/agentpay-api/internal/pkg/wave"
)

// Payload is a webhook body parsed just far enough to tell networks apart.
type Payload struct {
	Raw    []byte
	Fields map[string]json.RawMessage
}

// ParsePayload requires a JSON object at the top level.
func ParsePayload(raw []byte) (*Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrMalformedPayload
	}
	return &Payload{Raw: raw, Fields: fields}, nil
}

func (p *Payload) has(keys ...string) bool {
	for _, k := range keys {
		v, ok := p.Fields[k]
		if !ok || string(v) == "null" {
			return false
		}
	}
	return true
}

func (p *Payload) str(key string) string {
	var s string
	if v, ok := p.Fields[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

// WebhookAdapter handles the payload and signature scheme of one network.
type WebhookAdapter interface {
	Provider() Provider
	Detect(p *Payload) bool
	Verify(p *Payload, signature string) bool
	Extract(p *Payload) (*Signal, error)
}

// WebhookSecrets holds the shared secrets the adapters verify against.
type WebhookSecrets struct {
	MoMo            string
	OrangeMoney     string
	Wave            string
	WaveTolerance   time.Duration
	FlutterwaveHash string
}

// NewAdapters returns one adapter per supported network.
func NewAdapters(s WebhookSecrets) []WebhookAdapter {
	return []WebhookAdapter{
		&MoMoAdapter{Secret: s.MoMo},
		&OrangeMoneyAdapter{Secret: s.OrangeMoney},
		&WaveAdapter{Secret: s.Wave, Tolerance: s.WaveTolerance},
		&FlutterwaveAdapter{SecretHash: s.FlutterwaveHash},
	}
}

func parseSessionID(ref string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: session reference %q", ErrMalformedPayload, ref)
	}
	return id, nil
}

// MoMoAdapter handles MTN MoMo collection callbacks.
type MoMoAdapter struct {
	Secret string
}

func (a *MoMoAdapter) Provider() Provider { return ProviderMTNMoMo }

func (a *MoMoAdapter) Detect(p *Payload) bool {
	return p.has("financialTransactionId") || p.has("externalId", "payer")
}

func (a *MoMoAdapter) Verify(p *Payload, signature string) bool {
	return momo.VerifySignature(p.Raw, signature, a.Secret)
}

func (a *MoMoAdapter) Extract(p *Payload) (*Signal, error) {
	var cb momo.Callback
	if err := json.Unmarshal(p.Raw, &cb); err != nil {
		return nil, ErrMalformedPayload
	}
	id, err := parseSessionID(cb.ExternalID)
	if err != nil {
		return nil, err
	}

	sig := &Signal{SessionID: id, ProviderTxID: cb.FinancialTransactionID}
	switch strings.ToUpper(cb.Status) {
	case momo.StatusSuccessful:
		sig.Status = SignalCompleted
	case momo.StatusFailed:
		sig.Status = SignalFailed
		sig.Reason = "provider_failed"
		if cb.Reason != nil && cb.Reason.Code != "" {
			sig.Reason = cb.Reason.Code
		}
	case momo.StatusPending:
		sig.Status = SignalPending
	default:
		return nil, fmt.Errorf("%w: momo status %q", ErrMalformedPayload, cb.Status)
	}

	if cb.Amount != "" {
		amount, err := decimal.NewFromString(cb.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: momo amount %q", ErrMalformedPayload, cb.Amount)
		}
		sig.Amount, sig.HasAmount = amount, true
	}
	return sig, nil
}

// OrangeMoneyAdapter handles Orange Money merchant notifications.
type OrangeMoneyAdapter struct {
	Secret string
}

func (a *OrangeMoneyAdapter) Provider() Provider { return ProviderOrangeMoney }

func (a *OrangeMoneyAdapter) Detect(p *Payload) bool {
	return p.has("notif_token", "order_id")
}

// Verify requires both the body signature and the per-order token.
func (a *OrangeMoneyAdapter) Verify(p *Payload, signature string) bool {
	if !orangemoney.VerifySignature(p.Raw, signature, a.Secret) {
		return false
	}
	return orangemoney.VerifyNotifToken(p.str("order_id"), p.str("notif_token"), a.Secret)
}

func (a *OrangeMoneyAdapter) Extract(p *Payload) (*Signal, error) {
	var n orangemoney.Notification
	if err := json.Unmarshal(p.Raw, &n); err != nil {
		return nil, ErrMalformedPayload
	}
	id, err := parseSessionID(n.OrderID)
	if err != nil {
		return nil, err
	}

	sig := &Signal{SessionID: id, ProviderTxID: n.TxnID, Amount: n.Amount, HasAmount: p.has("amount")}
	switch strings.ToUpper(n.Status) {
	case orangemoney.StatusSuccess:
		sig.Status = SignalCompleted
	case orangemoney.StatusFailed:
		sig.Status, sig.Reason = SignalFailed, "provider_failed"
	case orangemoney.StatusExpired:
		sig.Status, sig.Reason = SignalFailed, "expired"
	case orangemoney.StatusPending, orangemoney.StatusInitiated:
		sig.Status = SignalPending
	default:
		return nil, fmt.Errorf("%w: orange money status %q", ErrMalformedPayload, n.Status)
	}
	return sig, nil
}

// WaveAdapter handles Wave checkout events.
type WaveAdapter struct {
	Secret    string
	Tolerance time.Duration
	now       func() time.Time
}

func (a *WaveAdapter) Provider() Provider { return ProviderWave }

func (a *WaveAdapter) Detect(p *Payload) bool {
	return p.has("data") && strings.HasPrefix(p.str("type"), "checkout.session.")
}

func (a *WaveAdapter) Verify(p *Payload, signature string) bool {
	now := time.Now()
	if a.now != nil {
		now = a.now()
	}
	return wave.VerifySignature(p.Raw, signature, a.Secret, a.Tolerance, now)
}

func (a *WaveAdapter) Extract(p *Payload) (*Signal, error) {
	var ev wave.Event
	if err := json.Unmarshal(p.Raw, &ev); err != nil {
		return nil, ErrMalformedPayload
	}
	id, err := parseSessionID(ev.Data.ClientReference)
	if err != nil {
		return nil, err
	}

	txID := ev.Data.TransactionID
	if txID == "" {
		txID = ev.Data.ID
	}
	sig := &Signal{SessionID: id, ProviderTxID: txID, Amount: ev.Data.Amount, HasAmount: !ev.Data.Amount.IsZero()}

	switch ev.Type {
	case wave.EventCheckoutCompleted:
		switch ev.Data.PaymentStatus {
		case wave.PaymentSucceeded:
			sig.Status = SignalCompleted
		case wave.PaymentCancelled:
			sig.Status, sig.Reason = SignalFailed, "cancelled"
		default:
			sig.Status = SignalPending
		}
	case wave.EventCheckoutPaymentFailed:
		sig.Status, sig.Reason = SignalFailed, "provider_failed"
		if ev.Data.LastPaymentError != nil && ev.Data.LastPaymentError.Code != "" {
			sig.Reason = ev.Data.LastPaymentError.Code
		}
	default:
		return nil, fmt.Errorf("%w: wave event %q", ErrMalformedPayload, ev.Type)
	}
	return sig, nil
}

// FlutterwaveAdapter handles Flutterwave charge events.
type FlutterwaveAdapter struct {
	SecretHash string
}

func (a *FlutterwaveAdapter) Provider() Provider { return ProviderFlutterwave }

func (a *FlutterwaveAdapter) Detect(p *Payload) bool {
	return p.has("data") && strings.HasPrefix(p.str("event"), "charge.")
}

func (a *FlutterwaveAdapter) Verify(_ *Payload, signature string) bool {
	return flutterwave.VerifyHash(signature, a.SecretHash)
}

func (a *FlutterwaveAdapter) Extract(p *Payload) (*Signal, error) {
	var ev flutterwave.Event
	if err := json.Unmarshal(p.Raw, &ev); err != nil {
		return nil, ErrMalformedPayload
	}
	if ev.Event != flutterwave.EventChargeCompleted {
		return nil, fmt.Errorf("%w: flutterwave event %q", ErrMalformedPayload, ev.Event)
	}
	id, err := parseSessionID(ev.Data.TxRef)
	if err != nil {
		return nil, err
	}

	txID := ev.Data.FlwRef
	if txID == "" && ev.Data.ID != 0 {
		txID = strconv.FormatInt(ev.Data.ID, 10)
	}
	sig := &Signal{SessionID: id, ProviderTxID: txID, Amount: ev.Data.Amount, HasAmount: !ev.Data.Amount.IsZero()}

	switch strings.ToLower(ev.Data.Status) {
	case flutterwave.StatusSuccessful:
		sig.Status = SignalCompleted
	case flutterwave.StatusFailed:
		sig.Status, sig.Reason = SignalFailed, "provider_failed"
	case flutterwave.StatusPending:
		sig.Status = SignalPending
	default:
		return nil, fmt.Errorf("%w: flutterwave status %q", ErrMalformedPayload, ev.Data.Status)
	}
	return sig, nil
}
