package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-tracking/internal/models"
)

const MetadataRideID = "ride_id"

// StripeClient starts settlement by creating a PaymentIntent for the ride
// fare. The result arrives later as a webhook event.
type StripeClient struct {
	intents  *paymentintent.Client
	currency string
	logger   *slog.Logger
}

// NewStripeClient builds a client for the given secret key. A nil backend
// uses the default Stripe API backend.
func NewStripeClient(apiKey, currency string, backend stripe.Backend, logger *slog.Logger) *StripeClient {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeClient{
		intents:  &paymentintent.Client{B: backend, Key: apiKey},
		currency: strings.ToLower(currency),
		logger:   logger,
	}
}

// Settle creates a PaymentIntent for fare in minor units. The idempotency
// key is derived from the ride id so a retried call never charges twice.
func (s *StripeClient) Settle(ctx context.Context, rideID string, fare float64) error {
	amount := MinorUnits(fare)
	if amount <= 0 {
		return fmt.Errorf("%w: ride %s fare %.2f", ErrNothingToCharge, rideID, fare)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.AddMetadata(MetadataRideID, rideID)
	params.SetIdempotencyKey("ride-" + rideID)

	pi, err := s.intents.New(params)
	if err != nil {
		return fmt.Errorf("create payment intent for ride %s: %w", rideID, err)
	}
	s.logger.Info("payment intent created", "ride_id", rideID, "payment_intent", pi.ID, "amount", pi.Amount, "currency", pi.Currency)
	return nil
}

func MinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}

// LogSettler is used when no payment provider is configured.
type LogSettler struct {
	Logger *slog.Logger
}

func (l LogSettler) Settle(_ context.Context, rideID string, fare float64) error {
	l.Logger.Info("settlement requested, no payment provider configured", "ride_id", rideID, "fare", fare)
	return nil
}

var (
	ErrMissingRideID   = errors.New("payment intent has no ride_id metadata")
	ErrNothingToCharge = errors.New("no amount to charge")
)

// WebhookResult is the settlement outcome carried by a provider event.
type WebhookResult struct {
	RideID  string
	Outcome models.PaymentStatus
	Event   string
}

// ParseWebhook decodes a Stripe event. ok is false for event types that do
// not carry a settlement outcome. Signature verification happens upstream.
func ParseWebhook(payload []byte) (res WebhookResult, ok bool, err error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookResult{}, false, fmt.Errorf("decode event: %w", err)
	}
	res.Event = string(ev.Type)
	switch res.Event {
	case "payment_intent.succeeded":
		res.Outcome = models.PaymentPaid
	case "payment_intent.payment_failed", "payment_intent.canceled":
		res.Outcome = models.PaymentFailed
	default:
		return res, false, nil
	}
	if ev.Data == nil {
		return res, false, fmt.Errorf("event %s has no data", ev.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return res, false, fmt.Errorf("decode payment intent: %w", err)
	}
	res.RideID = pi.Metadata[MetadataRideID]
	if res.RideID == "" {
		return res, false, fmt.Errorf("%w: %s", ErrMissingRideID, pi.ID)
	}
	return res, true, nil
}
