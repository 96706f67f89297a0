package wave

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Event types sent by Wave.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventCheckoutPaymentFailed = "checkout.session.payment_failed"
)

// Payment statuses inside a checkout session.
const (
	PaymentSucceeded  = "succeeded"
	PaymentProcessing = "processing"
	PaymentCancelled  = "cancelled"
)

// Event is the webhook envelope.
type Event struct {
	ID   string       `json:"id"`
	Type string       `json:"type"`
	Data EventSession `json:"data"`
}

// EventSession is the checkout session carried by an Event.
type EventSession struct {
	ID               string          `json:"id"`
	ClientReference  string          `json:"client_reference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CheckoutStatus   string          `json:"checkout_status"`
	PaymentStatus    string          `json:"payment_status"`
	TransactionID    string          `json:"transaction_id"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error,omitempty"`
}

// ParseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>]".
func ParseSignatureHeader(header string) (timestamp int64, signatures []string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, false
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	return timestamp, signatures, timestamp > 0 && len(signatures) > 0
}

func compute(timestamp string, payload []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write(payload)
	return h.Sum(nil)
}

// VerifySignature checks header against payload and rejects timestamps
// further than tolerance from now.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}
	ts, sigs, ok := ParseSignatureHeader(header)
	if !ok {
		return false
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return false
		}
	}

	expected := compute(strconv.FormatInt(ts, 10), payload, secret)
	for _, sig := range sigs {
		given, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(given, expected) {
			return true
		}
	}
	return false
}

// SignatureHeader builds the header Wave would send at time at.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(compute(ts, payload, secret))
}
