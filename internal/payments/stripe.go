package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

const defaultSignatureTolerance = 5 * time.Minute

// StripeConfig configures StripeProvider.
type StripeConfig struct {
	SecretKey          string
	WebhookSecret      string
	SignatureTolerance time.Duration
	// APIBaseURL overrides the API endpoint, used against stripe-mock and in tests.
	APIBaseURL string
}

// StripeProvider implements Provider with stripe-go.
type StripeProvider struct {
	client        *stripe.Client
	webhookSecret string
	tolerance     time.Duration
}

// NewStripeProvider builds a provider from config.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if config.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	var options []stripe.ClientOption
	if config.APIBaseURL != "" {
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(config.APIBaseURL),
			MaxNetworkRetries: stripe.Int64(0),
		})
		options = append(options, stripe.WithBackends(backends))
	}
	tolerance := config.SignatureTolerance
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	return &StripeProvider{
		client:        stripe.NewClient(config.SecretKey, options...),
		webhookSecret: config.WebhookSecret,
		tolerance:     tolerance,
	}, nil
}

// ConstructEvent verifies the Stripe-Signature header and parses the event envelope.
func (provider *StripeProvider) ConstructEvent(payload []byte, signatureHeader string) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, provider.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                provider.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureVerificationFailed, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: event %s has no data object", ErrInvalidPayload, event.ID)
	}
	return Event{
		ID:             event.ID,
		Type:           string(event.Type),
		CreatedUnixUTC: event.Created,
		Payload:        event.Data.Raw,
	}, nil
}

// RetrieveCheckoutSession fetches a session with its line items expanded.
func (provider *StripeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("line_items")
	session, err := provider.client.V1CheckoutSessions.Retrieve(ctx, sessionID, params)
	if err != nil {
		return CheckoutSession{}, mapStripeError(err)
	}
	return convertCheckoutSession(session), nil
}

// CreateCustomer registers a provider customer tagged with the user id.
func (provider *StripeProvider) CreateCustomer(ctx context.Context, userID string, email string) (string, error) {
	params := &stripe.CustomerCreateParams{
		Metadata: map[string]string{MetadataKeyUserID: userID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	customer, err := provider.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession opens a hosted checkout carrying the price and user in metadata.
func (provider *StripeProvider) CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error) {
	if err := request.Validate(); err != nil {
		return CheckoutSession{}, err
	}
	metadata := map[string]string{
		MetadataKeyPriceID: request.PriceID,
		MetadataKeyUserID:  request.UserID,
	}
	params := &stripe.CheckoutSessionCreateParams{
		Customer:          stripe.String(request.CustomerID),
		Mode:              stripe.String(request.Mode),
		SuccessURL:        stripe.String(request.SuccessURL),
		CancelURL:         stripe.String(request.CancelURL),
		ClientReferenceID: stripe.String(request.UserID),
		Metadata:          metadata,
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(request.PriceID), Quantity: stripe.Int64(1)},
		},
	}
	if request.Mode == ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{Metadata: metadata}
	}
	session, err := provider.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return CheckoutSession{}, mapStripeError(err)
	}
	converted := convertCheckoutSession(session)
	if converted.PriceID == "" {
		converted.PriceID = request.PriceID
	}
	return converted, nil
}

func convertCheckoutSession(session *stripe.CheckoutSession) CheckoutSession {
	converted := CheckoutSession{
		ID:            session.ID,
		Mode:          string(session.Mode),
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
		AmountTotal:   session.AmountTotal,
		Currency:      string(session.Currency),
		URL:           session.URL,
		Metadata:      session.Metadata,
	}
	if session.Customer != nil {
		converted.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		converted.SubscriptionID = session.Subscription.ID
	}
	if session.LineItems != nil {
		for _, item := range session.LineItems.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				converted.PriceID = item.Price.ID
				break
			}
		}
	}
	if converted.PriceID == "" {
		converted.PriceID = session.Metadata[MetadataKeyPriceID]
	}
	return converted
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &UpstreamError{StatusCode: http.StatusBadGateway, Message: err.Error()}
	}
	if stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, stripeErr.Msg)
	}
	return &UpstreamError{StatusCode: stripeErr.HTTPStatusCode, Message: stripeErr.Msg}
}
