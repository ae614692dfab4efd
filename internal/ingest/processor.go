package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/logoledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	defaultLease           = 2 * time.Minute
	outcomeRecordTimeout   = 10 * time.Second
	maxStoredErrorLength   = 1024
	purchaseDescription    = "Purchased %d credits"
	subscriptionStartLabel = "Subscription started: %d credits"
	renewalDescription     = "Subscription renewal: %d credits"
)

// ProcessorConfig lists the Processor's collaborators.
type ProcessorConfig struct {
	Inbox         InboxStore
	Provider      payments.Provider
	Catalog       *catalog.Catalog
	Ledger        *ledger.Service
	Customers     CustomerResolver
	Subscriptions SubscriptionStore
	Retry         RetryPolicy
	Lease         time.Duration
	Logger        *zap.Logger
	Recorder      Recorder
	Now           func() time.Time
}

// Processor applies inbox events to the ledger.
type Processor struct {
	inbox         InboxStore
	provider      payments.Provider
	catalog       *catalog.Catalog
	ledger        *ledger.Service
	customers     CustomerResolver
	subscriptions SubscriptionStore
	retry         RetryPolicy
	lease         time.Duration
	logger        *zap.Logger
	recorder      Recorder
	nowFn         func() time.Time
}

// NewProcessor validates config and builds a Processor.
func NewProcessor(config ProcessorConfig) (*Processor, error) {
	switch {
	case config.Inbox == nil:
		return nil, fmt.Errorf("%w: inbox is nil", ErrInvalidConfig)
	case config.Provider == nil:
		return nil, fmt.Errorf("%w: provider is nil", ErrInvalidConfig)
	case config.Catalog == nil:
		return nil, fmt.Errorf("%w: catalog is nil", ErrInvalidConfig)
	case config.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case config.Customers == nil:
		return nil, fmt.Errorf("%w: customer resolver is nil", ErrInvalidConfig)
	case config.Subscriptions == nil:
		return nil, fmt.Errorf("%w: subscription store is nil", ErrInvalidConfig)
	}
	processor := &Processor{
		inbox:         config.Inbox,
		provider:      config.Provider,
		catalog:       config.Catalog,
		ledger:        config.Ledger,
		customers:     config.Customers,
		subscriptions: config.Subscriptions,
		retry:         config.Retry.normalized(),
		lease:         config.Lease,
		logger:        config.Logger,
		recorder:      config.Recorder,
		nowFn:         config.Now,
	}
	if processor.lease <= 0 {
		processor.lease = defaultLease
	}
	if processor.logger == nil {
		processor.logger = zap.NewNop()
	}
	if processor.recorder == nil {
		processor.recorder = nopRecorder{}
	}
	if processor.nowFn == nil {
		processor.nowFn = time.Now
	}
	return processor, nil
}

// Process claims and applies one inbox event. Failures are recorded on the inbox row
// as a scheduled retry or, once the retry budget is spent, as dead; the returned error
// is informational.
func (processor *Processor) Process(ctx context.Context, inboxEventID string) error {
	now := processor.nowFn().UTC()
	event, claimed, err := processor.inbox.ClaimEvent(ctx, inboxEventID, now, now.Add(processor.lease))
	if err != nil {
		return fmt.Errorf("claim %s: %w", inboxEventID, err)
	}
	if !claimed {
		return nil
	}

	kind, outcome, handleErr := processor.handle(ctx, event)
	recordContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeRecordTimeout)
	defer cancel()
	fields := []zap.Field{
		zap.String("inbox_id", event.ID),
		zap.String("event_id", event.ProviderEventID),
		zap.String("event_type", event.EventType),
		zap.String("kind", string(kind)),
		zap.Int("attempt", event.Attempts),
	}

	if handleErr == nil {
		processor.recorder.EventProcessed(kind, outcome)
		processor.logger.Info("payment event processed", append(fields, zap.String("outcome", outcome))...)
		return processor.inbox.MarkProcessed(recordContext, event.ID, processor.nowFn().UTC())
	}

	lastError := truncateError(handleErr)
	if isPermanent(handleErr) || processor.retry.Exhausted(event.Attempts) {
		processor.recorder.EventProcessed(kind, OutcomeDead)
		processor.logger.Error("payment event dead-lettered", append(fields, zap.Error(handleErr))...)
		if err := processor.inbox.MarkDead(recordContext, event.ID, lastError); err != nil {
			return errors.Join(handleErr, err)
		}
		return handleErr
	}

	nextAttemptAt := processor.nowFn().UTC().Add(processor.retry.Delay(event.Attempts))
	processor.recorder.EventProcessed(kind, OutcomeRetry)
	processor.logger.Warn("payment event failed; retry scheduled", append(fields, zap.Time("next_attempt_at", nextAttemptAt), zap.Error(handleErr))...)
	if err := processor.inbox.ScheduleRetry(recordContext, event.ID, nextAttemptAt, lastError); err != nil {
		return errors.Join(handleErr, err)
	}
	return handleErr
}

func (processor *Processor) handle(ctx context.Context, event InboxEvent) (Kind, string, error) {
	if isCheckoutEvent(event.EventType) {
		session, err := payments.DecodeCheckoutSession(event.Payload)
		if err != nil {
			return KindIgnored, "", err
		}
		kind := Classify(event.EventType, session.Mode)
		outcome, err := processor.applyCheckout(ctx, kind, session)
		return kind, outcome, err
	}

	kind := Classify(event.EventType, "")
	switch kind {
	case KindRenewal:
		invoice, err := payments.DecodeInvoice(event.Payload)
		if err != nil {
			return kind, "", err
		}
		outcome, err := processor.applyRenewal(ctx, invoice)
		return kind, outcome, err
	case KindSubscriptionChange:
		subscription, err := payments.DecodeSubscription(event.Payload)
		if err != nil {
			return kind, "", err
		}
		return kind, OutcomeProcessed, processor.applySubscriptionChange(ctx, subscription, event.EventCreatedAt)
	default:
		return KindIgnored, OutcomeSkipped, nil
	}
}

func (processor *Processor) applyCheckout(ctx context.Context, kind Kind, session payments.CheckoutSession) (string, error) {
	if !session.Paid() {
		// Delayed payment methods complete later through async_payment_succeeded.
		return OutcomeSkipped, nil
	}
	userID, err := processor.attribute(ctx, session.CustomerID)
	if err != nil {
		return "", err
	}
	if session.PriceID == "" {
		refreshed, err := processor.provider.RetrieveCheckoutSession(ctx, session.ID)
		if err != nil {
			return "", fmt.Errorf("refetch session %s: %w", session.ID, err)
		}
		session.PriceID = refreshed.PriceID
		if session.AmountTotal == 0 {
			session.AmountTotal = refreshed.AmountTotal
		}
	}
	descriptionFormat := purchaseDescription
	if kind == KindSubscriptionCheckout {
		descriptionFormat = subscriptionStartLabel
	}
	return processor.grant(ctx, userID, session.ID, session.PriceID, session.AmountTotal, descriptionFormat)
}

func (processor *Processor) applyRenewal(ctx context.Context, invoice payments.Invoice) (string, error) {
	if invoice.BillingReason != payments.BillingReasonSubscriptionCycle {
		// The first invoice is covered by the subscription checkout grant.
		return OutcomeSkipped, nil
	}
	userID, err := processor.attribute(ctx, invoice.CustomerID)
	if err != nil {
		return "", err
	}
	return processor.grant(ctx, userID, invoice.ID, invoice.PriceID, invoice.AmountPaid, renewalDescription)
}

func (processor *Processor) applySubscriptionChange(ctx context.Context, subscription payments.Subscription, eventCreatedAt time.Time) error {
	userID, err := processor.attribute(ctx, subscription.CustomerID)
	if err != nil {
		return err
	}
	record := SubscriptionRecord{
		SubscriptionID:    subscription.ID,
		UserID:            userID,
		CustomerID:        subscription.CustomerID,
		Status:            subscription.Status,
		PriceID:           subscription.PriceID,
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
		EventCreatedAt:    eventCreatedAt,
	}
	if subscription.CurrentPeriodEnd > 0 {
		record.CurrentPeriodEnd = time.Unix(subscription.CurrentPeriodEnd, 0).UTC()
	}
	return processor.subscriptions.UpsertSubscription(ctx, record)
}

func (processor *Processor) grant(ctx context.Context, userID ledger.UserID, paymentID string, priceID string, amountMinor int64, descriptionFormat string) (string, error) {
	resolution := processor.catalog.Resolve(priceID, amountMinor)
	if resolution.Source == catalog.SourceNone {
		processor.logger.Warn("paid event resolves to zero credits",
			zap.String("payment_id", paymentID), zap.String("price_id", priceID), zap.Int64("amount_minor", amountMinor))
		return OutcomeSkipped, nil
	}
	if resolution.Source == catalog.SourceAmountFallback {
		processor.logger.Warn("price missing from catalog; using amount fallback",
			zap.String("payment_id", paymentID), zap.String("price_id", priceID), zap.Int64("credits", resolution.Credits.Int64()))
	}
	externalPaymentID, err := ledger.NewExternalPaymentID(paymentID)
	if err != nil {
		return "", err
	}
	description, err := ledger.NewDescription(fmt.Sprintf(descriptionFormat, resolution.Credits.Int64()))
	if err != nil {
		return "", err
	}
	result, err := processor.ledger.Grant(ctx, userID, resolution.Credits, description, &externalPaymentID)
	if err != nil {
		return "", err
	}
	if result.Duplicate {
		return OutcomeDuplicate, nil
	}
	return OutcomeGranted, nil
}

func (processor *Processor) attribute(ctx context.Context, customerID string) (ledger.UserID, error) {
	if customerID == "" {
		return ledger.UserID{}, fmt.Errorf("%w: event has no customer", ErrAttributionFailure)
	}
	userID, err := processor.customers.UserIDForCustomer(ctx, customerID)
	if errors.Is(err, payments.ErrCustomerNotLinked) {
		return ledger.UserID{}, fmt.Errorf("%w: customer %s: %w", ErrAttributionFailure, customerID, err)
	}
	if err != nil {
		return ledger.UserID{}, err
	}
	return userID, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrAttributionFailure) || errors.Is(err, payments.ErrInvalidPayload)
}

// truncateError bounds the stored message and keeps it valid UTF-8; text columns reject anything else.
func truncateError(err error) string {
	message := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(message) <= maxStoredErrorLength {
		return message
	}
	cut := maxStoredErrorLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
