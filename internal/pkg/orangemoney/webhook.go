package orangemoney

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// Notification statuses sent by Orange Money.
const (
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusPending   = "PENDING"
	StatusInitiated = "INITIATED"
	StatusExpired   = "EXPIRED"
)

// Notification is the body Orange Money posts to notif_url.
type Notification struct {
	Status     string          `json:"status"`
	NotifToken string          `json:"notif_token"`
	TxnID      string          `json:"txnid"`
	OrderID    string          `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// NotifToken derives the per-order notification token.
func NotifToken(orderID, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(orderID))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Sign returns the hex SHA-256 of the raw payload followed by secret.
func Sign(payload []byte, secret string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks the body signature, case-insensitively.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(payload, secret)
	received := strings.ToLower(strings.TrimSpace(signature))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

// VerifyNotifToken checks that token belongs to orderID.
func VerifyNotifToken(orderID, token, secret string) bool {
	if secret == "" || token == "" || orderID == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(NotifToken(orderID, secret)), []byte(token)) == 1
}
