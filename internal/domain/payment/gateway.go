package payment

import (
	"context"

	"github.com/agentpay/agentpay-api/internal/pkg/flutterwave"
	"github.com/agentpay/agentpay-api/internal/pkg/momo"
	"github.com/agentpay/agentpay-api/internal/pkg/orangemoney"
	"github.com/agentpay/agentpay-api/internal/pkg/wave"
)

// GatewayResult is what a provider hands back when a payment is started.
// Exactly one of CheckoutURL and USSDCode is set.
type GatewayResult struct {
	ProviderTxID string
	CheckoutURL  string
	USSDCode     string
}

// Gateway starts payments on one network. The session id is passed as the
// provider-side reference so callbacks can be matched back.
type Gateway interface {
	Provider() Provider
	RequiresPhone() bool
	Initiate(ctx context.Context, s *Session, phone string) (*GatewayResult, error)
}

type momoGateway struct {
	client *momo.Client
}

func NewMoMoGateway(client *momo.Client) Gateway {
	return &momoGateway{client: client}
}

func (g *momoGateway) Provider() Provider  { return ProviderMTNMoMo }
func (g *momoGateway) RequiresPhone() bool { return true }

func (g *momoGateway) Initiate(ctx context.Context, s *Session, phone string) (*GatewayResult, error) {
	res, err := g.client.RequestPayment(ctx, s.ID.String(), s.Amount, phone)
	if err != nil {
		return nil, err
	}
	return &GatewayResult{ProviderTxID: res.ReferenceID, USSDCode: res.USSDCode}, nil
}

type orangeGateway struct {
	client *orangemoney.Client
}

func NewOrangeMoneyGateway(client *orangemoney.Client) Gateway {
	return &orangeGateway{client: client}
}

func (g *orangeGateway) Provider() Provider  { return ProviderOrangeMoney }
func (g *orangeGateway) RequiresPhone() bool { return true }

func (g *orangeGateway) Initiate(ctx context.Context, s *Session, phone string) (*GatewayResult, error) {
	res, err := g.client.RequestPayment(ctx, s.ID.String(), s.Amount, phone)
	if err != nil {
		return nil, err
	}
	return &GatewayResult{ProviderTxID: res.TxnID, USSDCode: res.USSDCode}, nil
}

type waveGateway struct {
	client *wave.Client
}

func NewWaveGateway(client *wave.Client) Gateway {
	return &waveGateway{client: client}
}

func (g *waveGateway) Provider() Provider  { return ProviderWave }
func (g *waveGateway) RequiresPhone() bool { return false }

func (g *waveGateway) Initiate(ctx context.Context, s *Session, _ string) (*GatewayResult, error) {
	checkout, err := g.client.CreateCheckout(ctx, s.ID.String(), s.Amount)
	if err != nil {
		return nil, err
	}
	return &GatewayResult{ProviderTxID: checkout.ID, CheckoutURL: checkout.WaveLaunchURL}, nil
}

type flutterwaveGateway struct {
	client *flutterwave.Client
}

func NewFlutterwaveGateway(client *flutterwave.Client) Gateway {
	return &flutterwaveGateway{client: client}
}

func (g *flutterwaveGateway) Provider() Provider  { return ProviderFlutterwave }
func (g *flutterwaveGateway) RequiresPhone() bool { return false }

func (g *flutterwaveGateway) Initiate(ctx context.Context, s *Session, phone string) (*GatewayResult, error) {
	link, err := g.client.CreatePayment(ctx, s.ID.String(), s.Amount, phone)
	if err != nil {
		return nil, err
	}
	return &GatewayResult{CheckoutURL: link}, nil
}
