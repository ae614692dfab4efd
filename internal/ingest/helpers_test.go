package ingest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/logoledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/logoledger/internal/ingest"
	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/internal/queue"
	"github.com/MarkoPoloResearchLab/logoledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	validSignature = "t=1,v1=valid"
	testUserID     = "user-42"
	testCustomerID = "cus_42"
)

type fakeProvider struct {
	mu            sync.Mutex
	sessions      map[string]payments.CheckoutSession
	retrieveErr   error
	retrieveCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: make(map[string]payments.CheckoutSession)}
}

func (provider *fakeProvider) ConstructEvent(payload []byte, signatureHeader string) (payments.Event, error) {
	if signatureHeader != validSignature {
		return payments.Event{}, fmt.Errorf("%w: no matching signature", payments.ErrSignatureVerificationFailed)
	}
	var envelope struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return payments.Event{}, fmt.Errorf("%w: %v", payments.ErrSignatureVerificationFailed, err)
	}
	return payments.Event{ID: envelope.ID, Type: envelope.Type, CreatedUnixUTC: envelope.Created, Payload: envelope.Data.Object}, nil
}

func (provider *fakeProvider) RetrieveCheckoutSession(_ context.Context, sessionID string) (payments.CheckoutSession, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.retrieveCalls++
	if provider.retrieveErr != nil {
		return payments.CheckoutSession{}, provider.retrieveErr
	}
	session, ok := provider.sessions[sessionID]
	if !ok {
		return payments.CheckoutSession{}, payments.ErrSessionNotFound
	}
	return session, nil
}

func (provider *fakeProvider) CreateCustomer(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("not used")
}

func (provider *fakeProvider) CreateCheckoutSession(context.Context, payments.CheckoutRequest) (payments.CheckoutSession, error) {
	return payments.CheckoutSession{}, fmt.Errorf("not used")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

type harness struct {
	store     *memstore.Store
	provider  *fakeProvider
	queue     *queue.Memory
	clock     *testClock
	ledger    *ledger.Service
	receiver  *ingest.Receiver
	processor *ingest.Processor
	userID    ledger.UserID
}

func newHarness(t *testing.T, retry ingest.RetryPolicy) *harness {
	t.Helper()
	store := memstore.New()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	service, err := ledger.NewService(store, func() int64 { return clock.Now().Unix() })
	require.NoError(t, err)
	provider := newFakeProvider()
	eventQueue := queue.NewMemory(64)

	receiver, err := ingest.NewReceiver(provider, store, eventQueue, ingest.WithReceiverClock(clock.Now))
	require.NoError(t, err)
	processor, err := ingest.NewProcessor(ingest.ProcessorConfig{
		Inbox:         store,
		Provider:      provider,
		Catalog:       catalog.Default(),
		Ledger:        service,
		Customers:     store,
		Subscriptions: store,
		Retry:         retry,
		Now:           clock.Now,
	})
	require.NoError(t, err)

	userID, err := ledger.NewUserID(testUserID)
	require.NoError(t, err)
	_, err = store.LinkCustomer(context.Background(), userID, testCustomerID)
	require.NoError(t, err)

	return &harness{
		store:     store,
		provider:  provider,
		queue:     eventQueue,
		clock:     clock,
		ledger:    service,
		receiver:  receiver,
		processor: processor,
		userID:    userID,
	}
}

// deliver receives payload and processes whatever the receiver enqueued.
func (h *harness) deliver(t *testing.T, payload []byte) ingest.Receipt {
	t.Helper()
	receipt, err := h.receiver.Receive(context.Background(), payload, validSignature)
	require.NoError(t, err)
	if !receipt.Duplicate {
		inboxEventID, err := h.queue.Dequeue(context.Background())
		require.NoError(t, err)
		_ = h.processor.Process(context.Background(), inboxEventID)
	}
	return receipt
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := h.ledger.Balance(context.Background(), h.userID)
	require.NoError(t, err)
	return balance.Int64()
}

func (h *harness) purchases(t *testing.T) []ledger.Transaction {
	t.Helper()
	history, err := h.ledger.History(context.Background(), h.userID, ledger.HistoryCursor{}, 100)
	require.NoError(t, err)
	var purchases []ledger.Transaction
	for _, transaction := range history {
		if transaction.Kind == ledger.TransactionPurchase {
			purchases = append(purchases, transaction)
		}
	}
	return purchases
}

func checkoutEvent(eventID string, eventType string, sessionID string, customerID string, priceID string, amount int64, mode string) []byte {
	lineItems := ""
	if priceID != "" {
		lineItems = fmt.Sprintf(`,"line_items":{"data":[{"price":{"id":%q}}]}`, priceID)
	}
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":1772366400,"data":{"object":{
		"id":%q,"object":"checkout.session","customer":%q,"mode":%q,"status":"complete",
		"payment_status":"paid","amount_total":%d,"currency":"usd"%s}}}`,
		eventID, eventType, sessionID, customerID, mode, amount, lineItems))
}

func invoiceEvent(eventID string, invoiceID string, billingReason string, priceID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"invoice.paid","created":1772366400,"data":{"object":{
		"id":%q,"object":"invoice","customer":%q,"amount_paid":%d,"billing_reason":%q,
		"parent":{"type":"subscription_details","subscription_details":{"subscription":"sub_1"}},
		"lines":{"data":[{"pricing":{"type":"price_details","price_details":{"price":%q}}}]}}}}`,
		eventID, invoiceID, testCustomerID, amount, billingReason, priceID))
}

func subscriptionEvent(eventID string, created int64, status string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"customer.subscription.updated","created":%d,"data":{"object":{
		"id":"sub_1","object":"subscription","customer":%q,"status":%q,"cancel_at_period_end":false,
		"items":{"data":[{"price":{"id":"price_logo_monthly"},"current_period_end":1775044800}]}}}}`,
		eventID, created, testCustomerID, status))
}
