// Package flutterwave talks to the Flutterwave standard checkout API.
package flutterwave

import (
	"context"
	"fmt"
	"time"

	"github.com/agentpay/agentpay-api/internal/pkg/providerhttp"
)

const Name = "flutterwave"

// Config holds Flutterwave API configuration
type Config struct {
	BaseURL     string
	SecretKey   string
	SecretHash  string
	RedirectURL string
	Currency    string
	Timeout     time.Duration
}

// Client represents the Flutterwave client
type Client struct {
	http   *providerhttp.Client
	config Config
}

// Customer identifies the payer.
type Customer struct {
	PhoneNumber string `json:"phonenumber,omitempty"`
	Email       string `json:"email"`
}

// PaymentRequest creates a hosted payment link.
type PaymentRequest struct {
	TxRef          string   `json:"tx_ref"`
	Amount         int64    `json:"amount"`
	Currency       string   `json:"currency"`
	RedirectURL    string   `json:"redirect_url"`
	PaymentOptions string   `json:"payment_options"`
	Customer       Customer `json:"customer"`
}

// PaymentResponse is the hosted payment link answer.
type PaymentResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

// NewClient creates new Flutterwave API client
func NewClient(cfg Config) *Client {
	return &Client{
		http:   providerhttp.New(Name, cfg.BaseURL, cfg.Timeout),
		config: cfg,
	}
}

// CreatePayment returns a checkout link for txRef.
func (c *Client) CreatePayment(ctx context.Context, txRef string, amount int64, phone string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be > 0", providerhttp.ErrRejected)
	}

	body := PaymentRequest{
		TxRef:          txRef,
		Amount:         amount,
		Currency:       c.config.Currency,
		RedirectURL:    c.config.RedirectURL,
		PaymentOptions: "mobilemoneyfranco,card",
		Customer: Customer{
			PhoneNumber: phone,
			Email:       "payer+" + txRef + "@agentpay.invalid",
		},
	}

	var out PaymentResponse
	headers := map[string]string{"Authorization": "Bearer " + c.config.SecretKey}
	if _, err := c.http.PostJSON(ctx, "/v3/payments", headers, body, &out); err != nil {
		return "", err
	}
	if out.Status != "success" || out.Data.Link == "" {
		return "", fmt.Errorf("%w: flutterwave: %s", providerhttp.ErrUnavailable, out.Message)
	}
	return out.Data.Link, nil
}
