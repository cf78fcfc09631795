package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient wraps stripe-go for the hold/capture/release flow the
// trip lifecycle uses: hold the estimated fare plus approach fee at
// acceptance, capture on completion, release on cancellation.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual and returns
// its id as the hold reference.
func (s *StripeClient) Hold(ctx context.Context, amountMinor int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(ref, params)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeClient) Release(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(ref, params)
	return err
}
