// Package momo talks to the MTN Mobile Money collection API (USSD push).
package momo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/pkg/providerhttp"
)

const Name = "mtn_momo"

// Config holds MTN MoMo API configuration
type Config struct {
	BaseURL           string
	SubscriptionKey   string
	APIKey            string
	TargetEnvironment string
	CallbackURL       string
	WebhookSecret     string
	Currency          string
	USSDCode          string
	Timeout           time.Duration
}

// Client represents the MoMo collection client
type Client struct {
	http   *providerhttp.Client
	config Config
}

// Party identifies the payer wallet.
type Party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

// RequestToPay is the collection request body.
type RequestToPay struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        Party  `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

// PaymentResult is what the caller needs to show the payer.
type PaymentResult struct {
	ReferenceID string
	USSDCode    string
}

// NewClient creates new MoMo API client
func NewClient(cfg Config) *Client {
	if cfg.TargetEnvironment == "" {
		cfg.TargetEnvironment = "sandbox"
	}
	return &Client{
		http:   providerhttp.New(Name, cfg.BaseURL, cfg.Timeout),
		config: cfg,
	}
}

// RequestPayment pushes a USSD payment prompt to phone. The provider answers
// 202 without a body; the outcome arrives later on the callback URL.
func (c *Client) RequestPayment(ctx context.Context, sessionID string, amount int64, phone string) (*PaymentResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", providerhttp.ErrRejected)
	}
	if strings.TrimSpace(phone) == "" {
		return nil, fmt.Errorf("%w: payer phone is required", providerhttp.ErrRejected)
	}

	// The reference id doubles as the provider's idempotency key, so it is
	// derived from the session to stay stable across retries.
	referenceID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("momo:"+sessionID)).String()

	body := RequestToPay{
		Amount:       strconv.FormatInt(amount, 10),
		Currency:     c.config.Currency,
		ExternalID:   sessionID,
		Payer:        Party{PartyIDType: "MSISDN", PartyID: strings.TrimPrefix(phone, "+")},
		PayerMessage: "AgentPay top-up",
		PayeeNote:    sessionID,
	}

	headers := map[string]string{
		"Authorization":             "Bearer " + c.config.APIKey,
		"X-Reference-Id":            referenceID,
		"X-Target-Environment":      c.config.TargetEnvironment,
		"Ocp-Apim-Subscription-Key": c.config.SubscriptionKey,
	}
	if c.config.CallbackURL != "" {
		headers["X-Callback-Url"] = c.config.CallbackURL
	}

	if _, err := c.http.PostJSON(ctx, "/collection/v1_0/requesttopay", headers, body, nil); err != nil {
		return nil, err
	}

	return &PaymentResult{ReferenceID: referenceID, USSDCode: c.config.USSDCode}, nil
}
