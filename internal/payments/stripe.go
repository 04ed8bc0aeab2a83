package payments

import (
	"context"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// FareHolder places a hold on the rider's fare when a driver accepts and
// settles it when the ride completes or the driver is lost.
type FareHolder interface {
	Hold(ctx context.Context, requestID string, fare float64, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	pi       paymentintent.Client
	currency string
}

// NewStripeClient uses the default Stripe API backend.
func NewStripeClient(apiKey, currency string) *StripeClient {
	return NewStripeClientWithBackend(apiKey, currency, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(apiKey, currency string, b stripe.Backend) *StripeClient {
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{pi: paymentintent.Client{B: b, Key: apiKey}, currency: strings.ToLower(currency)}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, requestID string, fare float64, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(math.Round(fare * 100))),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("request_id", requestID)
	params.SetIdempotencyKey("hold-" + requestID)
	pi, err := s.pi.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.pi.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.pi.Cancel(paymentIntentID, params)
	return err
}

// Nop is used when no payment provider is configured.
type Nop struct{}

func (Nop) Hold(context.Context, string, float64, string) (string, error) { return "", nil }
func (Nop) Capture(context.Context, string) error                         { return nil }
func (Nop) Cancel(context.Context, string) error                          { return nil }
