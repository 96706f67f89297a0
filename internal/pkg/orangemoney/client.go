// Package orangemoney talks to the Orange Money merchant payment API (USSD).
package orangemoney

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentpay/agentpay-api/internal/pkg/providerhttp"
)

const Name = "orange_money"

// Config holds Orange Money API configuration
type Config struct {
	BaseURL       string
	MerchantKey   string
	AccessToken   string
	NotifURL      string
	WebhookSecret string
	Currency      string
	USSDCode      string
	Timeout       time.Duration
}

// Client represents the Orange Money merchant client
type Client struct {
	http   *providerhttp.Client
	config Config
}

// PayRequest starts a merchant payment the subscriber confirms over USSD.
type PayRequest struct {
	MerchantKey      string `json:"merchant_key"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	SubscriberMSISDN string `json:"subscriber_msisdn"`
	NotifURL         string `json:"notif_url"`
	NotifToken       string `json:"notif_token"`
	Description      string `json:"description"`
}

// PayResponse is the provider's answer to PayRequest.
type PayResponse struct {
	Message string `json:"message"`
	Data    struct {
		TxnID  string `json:"txnid"`
		Status string `json:"status"`
	} `json:"data"`
}

// PaymentResult is what the caller needs to show the payer.
type PaymentResult struct {
	TxnID    string
	USSDCode string
}

// NewClient creates new Orange Money API client
func NewClient(cfg Config) *Client {
	return &Client{
		http:   providerhttp.New(Name, cfg.BaseURL, cfg.Timeout),
		config: cfg,
	}
}

// RequestPayment starts a USSD payment for orderID. The notification token
// sent along is derived from the order id, so callbacks can be checked
// without a lookup.
func (c *Client) RequestPayment(ctx context.Context, orderID string, amount int64, phone string) (*PaymentResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", providerhttp.ErrRejected)
	}
	if strings.TrimSpace(phone) == "" {
		return nil, fmt.Errorf("%w: subscriber msisdn is required", providerhttp.ErrRejected)
	}

	body := PayRequest{
		MerchantKey:      c.config.MerchantKey,
		OrderID:          orderID,
		Amount:           amount,
		Currency:         c.config.Currency,
		SubscriberMSISDN: strings.TrimPrefix(phone, "+"),
		NotifURL:         c.config.NotifURL,
		NotifToken:       NotifToken(orderID, c.config.WebhookSecret),
		Description:      "AgentPay top-up",
	}

	var out PayResponse
	headers := map[string]string{"Authorization": "Bearer " + c.config.AccessToken}
	if _, err := c.http.PostJSON(ctx, "/omcoreapis/1.0.2/mp/pay", headers, body, &out); err != nil {
		return nil, err
	}
	if out.Data.TxnID == "" {
		return nil, fmt.Errorf("%w: orange money returned no txnid: %s", providerhttp.ErrUnavailable, out.Message)
	}

	return &PaymentResult{TxnID: out.Data.TxnID, USSDCode: c.config.USSDCode}, nil
}
