// Package ingest turns payment-provider webhook events into credit grants exactly once.
//
// Events are verified and written to a durable inbox before they are acknowledged.
// Workers process inbox rows asynchronously with bounded exponential-backoff retries.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

var (
	ErrAttributionFailure = errors.New("payment cannot be attributed to a user")
	ErrEventNotFound      = errors.New("inbox event not found")
	ErrInvalidConfig      = errors.New("invalid ingest config")
)

// Kind classifies provider events by their effect on the ledger.
type Kind string

const (
	KindOneTimeCheckout      Kind = "one_time_checkout"
	KindSubscriptionCheckout Kind = "subscription_checkout"
	KindRenewal              Kind = "renewal"
	KindSubscriptionChange   Kind = "subscription_change"
	KindIgnored              Kind = "ignored"
)

// InboxStatus is the processing state of an inbox row.
type InboxStatus string

const (
	StatusPending   InboxStatus = "pending"
	StatusRetrying  InboxStatus = "retrying"
	StatusProcessed InboxStatus = "processed"
	StatusDead      InboxStatus = "dead"
)

// InboxEvent is a verified provider event persisted before acknowledgement.
type InboxEvent struct {
	ID              string
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
	Status          InboxStatus
	Attempts        int
	NextAttemptAt   time.Time
	LastError       string
	EventCreatedAt  time.Time
	ReceivedAt      time.Time
}

// InboxStore is the durable event inbox.
type InboxStore interface {
	// RecordEvent inserts event unless (Provider, ProviderEventID) exists and returns the stored row.
	RecordEvent(ctx context.Context, event InboxEvent) (InboxEvent, bool, error)
	// ClaimEvent leases a processable row until leaseUntil and increments its attempt counter.
	// It reports false when the row is finished, leased by another worker or not yet due.
	ClaimEvent(ctx context.Context, id string, now time.Time, leaseUntil time.Time) (InboxEvent, bool, error)
	MarkProcessed(ctx context.Context, id string, processedAt time.Time) error
	ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error
	MarkDead(ctx context.Context, id string, lastError string) error
	// ListDue returns ids of unfinished, unleased rows whose next attempt is due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// CustomerResolver maps a provider customer to the user who owns it.
type CustomerResolver interface {
	UserIDForCustomer(ctx context.Context, customerID string) (ledger.UserID, error)
}

// SubscriptionRecord is the latest known state of a provider subscription.
type SubscriptionRecord struct {
	SubscriptionID    string
	UserID            ledger.UserID
	CustomerID        string
	Status            string
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	EventCreatedAt    time.Time
}

// SubscriptionStore persists subscription snapshots. Older snapshots never overwrite newer ones.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, record SubscriptionRecord) error
}

// Recorder receives ingest outcome counts.
type Recorder interface {
	WebhookReceived(outcome string)
	EventProcessed(kind Kind, outcome string)
}

const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeProcessed = "processed"
	OutcomeGranted   = "granted"
	OutcomeSkipped   = "skipped"
	OutcomeRetry     = "retry"
	OutcomeDead      = "dead"
)

type nopRecorder struct{}

func (nopRecorder) WebhookReceived(string)      {}
func (nopRecorder) EventProcessed(Kind, string) {}
