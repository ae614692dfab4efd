// Package payments is the boundary to the payment provider.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	PaymentStatusPaid = "paid"

	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"

	ModePayment      = "payment"
	ModeSubscription = "subscription"

	BillingReasonSubscriptionCreate = "subscription_create"
	BillingReasonSubscriptionCycle  = "subscription_cycle"

	MetadataKeyPriceID = "price_id"
	MetadataKeyUserID  = "user_id"
)

var (
	ErrSignatureVerificationFailed = errors.New("webhook signature verification failed")
	ErrSessionNotFound             = errors.New("checkout session not found")
	ErrCustomerNotLinked           = errors.New("payment customer not linked")
	ErrCustomerLinkConflict        = errors.New("payment customer linked to another user")
	ErrInvalidPayload              = errors.New("invalid event payload")
	ErrInvalidCheckoutRequest      = errors.New("invalid checkout request")
)

// UpstreamError reports a provider failure the caller cannot fix.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (upstreamError *UpstreamError) Error() string {
	return fmt.Sprintf("payment provider error (status %d): %s", upstreamError.StatusCode, upstreamError.Message)
}

// Event is a verified provider event.
type Event struct {
	ID             string
	Type           string
	CreatedUnixUTC int64
	Payload        json.RawMessage
}

// CheckoutSession is the subset of a provider checkout session the ledger consumes.
type CheckoutSession struct {
	ID             string
	CustomerID     string
	Mode           string
	Status         string
	PaymentStatus  string
	AmountTotal    int64
	Currency       string
	PriceID        string
	SubscriptionID string
	URL            string
	Metadata       map[string]string
}

// Paid reports whether the provider collected the payment.
func (session CheckoutSession) Paid() bool {
	return session.PaymentStatus == PaymentStatusPaid
}

// Expired reports whether the session can no longer be paid.
func (session CheckoutSession) Expired() bool {
	return session.Status == SessionStatusExpired
}

// Invoice is a paid subscription invoice.
type Invoice struct {
	ID             string
	CustomerID     string
	AmountPaid     int64
	Currency       string
	BillingReason  string
	PriceID        string
	SubscriptionID string
}

// Subscription is a subscription lifecycle snapshot.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CurrentPeriodEnd  int64
	CancelAtPeriodEnd bool
}

// CheckoutRequest opens a hosted checkout page.
type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	Mode       string
	UserID     string
	SuccessURL string
	CancelURL  string
}

// Validate reports missing fields.
func (request CheckoutRequest) Validate() error {
	switch {
	case request.CustomerID == "":
		return fmt.Errorf("%w: customer id is required", ErrInvalidCheckoutRequest)
	case request.PriceID == "":
		return fmt.Errorf("%w: price id is required", ErrInvalidCheckoutRequest)
	case request.Mode != ModePayment && request.Mode != ModeSubscription:
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidCheckoutRequest, request.Mode)
	case request.SuccessURL == "" || request.CancelURL == "":
		return fmt.Errorf("%w: success and cancel urls are required", ErrInvalidCheckoutRequest)
	}
	return nil
}

// Provider abstracts the payment provider API.
type Provider interface {
	ConstructEvent(payload []byte, signatureHeader string) (Event, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	CreateCustomer(ctx context.Context, userID string, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error)
}
