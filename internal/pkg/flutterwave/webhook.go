package flutterwave

import (
	"crypto/subtle"

	"github.com/shopspring/decimal"
)

const EventChargeCompleted = "charge.completed"

// Charge statuses.
const (
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusPending    = "pending"
)

// Event is the webhook body.
type Event struct {
	Event string `json:"event"`
	Data  Charge `json:"data"`
}

// Charge is the transaction carried by Event.
type Charge struct {
	ID       int64           `json:"id"`
	TxRef    string          `json:"tx_ref"`
	FlwRef   string          `json:"flw_ref"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
}

// VerifyHash compares the verif-hash header with the configured secret hash.
func VerifyHash(header, secretHash string) bool {
	if secretHash == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(secretHash)) == 1
}
