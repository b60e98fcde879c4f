package payments

import (
	"context"

	"github.com/cockroachdb/errors"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient holds a job's price on acceptance and captures it once the
// customer confirms the work.
type StripeClient struct {
	currency string
}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyAUD)
	}
	return &StripeClient{currency: currency}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its ID.
func (s *StripeClient) Hold(ctx context.Context, amount int64, customerID, reference string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	if reference != "" {
		params.AddMetadata("reference", reference)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", errors.Wrapf(err, "hold %d for %s", amount, reference)
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return errors.Wrapf(err, "capture %s", paymentIntentID)
}

func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return errors.Wrapf(err, "cancel %s", paymentIntentID)
}
