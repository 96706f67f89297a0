// Package wave talks to the Wave checkout API.
package wave

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentpay/agentpay-api/internal/pkg/providerhttp"
)

const Name = "wave"

// Config holds Wave API configuration
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	ErrorURL      string
	Currency      string
	Timeout       time.Duration
}

// Client represents the Wave checkout client
type Client struct {
	http   *providerhttp.Client
	config Config
}

// CheckoutRequest creates a checkout session.
type CheckoutRequest struct {
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	ClientReference string `json:"client_reference"`
	SuccessURL      string `json:"success_url"`
	ErrorURL        string `json:"error_url"`
}

// CheckoutSession is the provider's checkout session.
type CheckoutSession struct {
	ID             string `json:"id"`
	WaveLaunchURL  string `json:"wave_launch_url"`
	CheckoutStatus string `json:"checkout_status"`
	PaymentStatus  string `json:"payment_status"`
}

// NewClient creates new Wave API client
func NewClient(cfg Config) *Client {
	return &Client{
		http:   providerhttp.New(Name, cfg.BaseURL, cfg.Timeout),
		config: cfg,
	}
}

// CreateCheckout opens a checkout session referencing sessionID.
func (c *Client) CreateCheckout(ctx context.Context, sessionID string, amount int64) (*CheckoutSession, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", providerhttp.ErrRejected)
	}

	body := CheckoutRequest{
		Amount:          strconv.FormatInt(amount, 10),
		Currency:        c.config.Currency,
		ClientReference: sessionID,
		SuccessURL:      c.config.SuccessURL,
		ErrorURL:        c.config.ErrorURL,
	}
	headers := map[string]string{
		"Authorization":   "Bearer " + c.config.APIKey,
		"Idempotency-Key": sessionID,
	}

	var out CheckoutSession
	if _, err := c.http.PostJSON(ctx, "/v1/checkout/sessions", headers, body, &out); err != nil {
		return nil, err
	}
	if out.WaveLaunchURL == "" {
		return nil, fmt.Errorf("%w: wave returned no launch url", providerhttp.ErrUnavailable)
	}
	return &out, nil
}
