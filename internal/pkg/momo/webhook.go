package momo

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Callback statuses sent by MoMo.
const (
	StatusSuccessful = "SUCCESSFUL"
	StatusFailed     = "FAILED"
	StatusPending    = "PENDING"
)

// Callback is the body MoMo posts to X-Callback-Url.
type Callback struct {
	FinancialTransactionID string `json:"financialTransactionId"`
	ExternalID             string `json:"externalId"`
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	Payer                  Party  `json:"payer"`
	Status                 string `json:"status"`
	Reason                 *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"reason,omitempty"`
}

// SignaturePrefix names the digest in the callback relay's signature header.
// Bare hex digests are accepted as well.
const SignaturePrefix = "sha256="

var ErrSignatureLength = errors.New("momo: signature is not a SHA-256 digest")

// ParseSignature extracts the digest from a signature header value such as
// "sha256=9f86d0...". The prefix is matched case-insensitively.
func ParseSignature(header string) ([]byte, error) {
	v := strings.TrimSpace(header)
	if len(v) >= len(SignaturePrefix) && strings.EqualFold(v[:len(SignaturePrefix)], SignaturePrefix) {
		v = v[len(SignaturePrefix):]
	}
	digest, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("momo: signature is not hex: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, ErrSignatureLength
	}
	return digest, nil
}

func digest(payload []byte, secretKey string) []byte {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifySignature checks the HMAC-SHA256 of the raw callback body against the
// header value, with or without the sha256= prefix.
func VerifySignature(payload []byte, signature string, secretKey string) bool {
	if secretKey == "" {
		return false
	}
	given, err := ParseSignature(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(given, digest(payload, secretKey))
}

// GenerateSignature returns the header value the relay sends for payload.
func GenerateSignature(payload []byte, secretKey string) string {
	if secretKey == "" {
		return ""
	}
	return SignaturePrefix + hex.EncodeToString(digest(payload, secretKey))
}
