package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/internal/queue"
)

const ProviderStripe = "stripe"

// sweepGrace delays the sweeper's first look at a fresh row so the queue gets the first chance.
const sweepGrace = 30 * time.Second

// Receipt is the acknowledgement for one delivery.
type Receipt struct {
	InboxEventID string
	EventType    string
	Duplicate    bool
}

// Receiver verifies webhook deliveries and records them in the inbox.
type Receiver struct {
	provider payments.Provider
	inbox    InboxStore
	queue    queue.Queue
	logger   *zap.Logger
	recorder Recorder
	nowFn    func() time.Time
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the receiver's logger.
func WithReceiverLogger(logger *zap.Logger) ReceiverOption {
	return func(receiver *Receiver) {
		if logger != nil {
			receiver.logger = logger
		}
	}
}

// WithReceiverRecorder sets the outcome recorder.
func WithReceiverRecorder(recorder Recorder) ReceiverOption {
	return func(receiver *Receiver) {
		if recorder != nil {
			receiver.recorder = recorder
		}
	}
}

// WithReceiverClock overrides time.Now.
func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(receiver *Receiver) {
		if now != nil {
			receiver.nowFn = now
		}
	}
}

// NewReceiver wires a Receiver.
func NewReceiver(provider payments.Provider, inbox InboxStore, eventQueue queue.Queue, options ...ReceiverOption) (*Receiver, error) {
	if provider == nil || inbox == nil || eventQueue == nil {
		return nil, fmt.Errorf("%w: receiver requires provider, inbox and queue", ErrInvalidConfig)
	}
	receiver := &Receiver{
		provider: provider,
		inbox:    inbox,
		queue:    eventQueue,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		nowFn:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(receiver)
		}
	}
	return receiver, nil
}

// Receive verifies payload and stores it. A nil error means the delivery may be acknowledged;
// redelivered events are acknowledged without being processed again.
func (receiver *Receiver) Receive(ctx context.Context, payload []byte, signatureHeader string) (Receipt, error) {
	event, err := receiver.provider.ConstructEvent(payload, signatureHeader)
	if err != nil {
		receiver.recorder.WebhookReceived(OutcomeRejected)
		receiver.logger.Warn("webhook rejected", zap.Error(err), zap.Int("payload_bytes", len(payload)))
		if errors.Is(err, payments.ErrSignatureVerificationFailed) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %w", payments.ErrSignatureVerificationFailed, err)
	}

	now := receiver.nowFn().UTC()
	stored, created, err := receiver.inbox.RecordEvent(ctx, InboxEvent{
		Provider:        ProviderStripe,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Payload:         event.Payload,
		Status:          StatusPending,
		NextAttemptAt:   now.Add(sweepGrace),
		EventCreatedAt:  time.Unix(event.CreatedUnixUTC, 0).UTC(),
		ReceivedAt:      now,
	})
	if err != nil {
		receiver.recorder.WebhookReceived(OutcomeError)
		receiver.logger.Error("webhook inbox write failed", zap.String("event_id", event.ID), zap.String("event_type", event.Type), zap.Error(err))
		return Receipt{}, err
	}
	receipt := Receipt{InboxEventID: stored.ID, EventType: event.Type, Duplicate: !created}
	if !created {
		receiver.recorder.WebhookReceived(OutcomeDuplicate)
		receiver.logger.Info("webhook redelivered", zap.String("event_id", event.ID), zap.String("status", string(stored.Status)))
		return receipt, nil
	}

	receiver.recorder.WebhookReceived(OutcomeAccepted)
	if err := receiver.queue.Enqueue(ctx, stored.ID); err != nil {
		receiver.logger.Warn("webhook enqueue failed; sweeper will pick it up", zap.String("event_id", event.ID), zap.Error(err))
	}
	receiver.logger.Info("webhook accepted", zap.String("event_id", event.ID), zap.String("event_type", event.Type), zap.String("inbox_id", stored.ID))
	return receipt, nil
}
