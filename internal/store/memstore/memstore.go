// Package memstore is an in-process implementation of every store interface,
// used for local development and tests. State does not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/logoledger/internal/ingest"
	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

type inboxKey struct {
	provider        string
	providerEventID string
}

type inboxRow struct {
	event       ingest.InboxEvent
	leasedUntil time.Time
	processedAt time.Time
}

type state struct {
	balances          map[string]ledger.Credits
	transactions      []ledger.Transaction
	purchases         map[string]int
	customerByUser    map[string]string
	userByCustomer    map[string]string
	inbox             map[string]*inboxRow
	inboxByProviderID map[inboxKey]string
	subscriptions     map[string]ingest.SubscriptionRecord
}

func newState() *state {
	return &state{
		balances:          make(map[string]ledger.Credits),
		purchases:         make(map[string]int),
		customerByUser:    make(map[string]string),
		userByCustomer:    make(map[string]string),
		inbox:             make(map[string]*inboxRow),
		inboxByProviderID: make(map[inboxKey]string),
		subscriptions:     make(map[string]ingest.SubscriptionRecord),
	}
}

// cloneLedger copies the tables WithTx restores on failure.
func (current *state) cloneLedger() (map[string]ledger.Credits, []ledger.Transaction, map[string]int) {
	balances := make(map[string]ledger.Credits, len(current.balances))
	for key, value := range current.balances {
		balances[key] = value
	}
	purchases := make(map[string]int, len(current.purchases))
	for key, value := range current.purchases {
		purchases[key] = value
	}
	return balances, append([]ledger.Transaction(nil), current.transactions...), purchases
}

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

type txStore struct {
	state *state
}

// WithTx runs fn under the store lock and restores the ledger tables when fn fails.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore ledger.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	balances, transactions, purchases := store.state.cloneLedger()
	if err := fn(ctx, &txStore{state: store.state}); err != nil {
		store.state.balances = balances
		store.state.transactions = transactions
		store.state.purchases = purchases
		return err
	}
	return nil
}

func (store *Store) locked() (*txStore, func()) {
	store.mu.Lock()
	return &txStore{state: store.state}, store.mu.Unlock
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	transaction, unlock := store.locked()
	defer unlock()
	return transaction.GetBalance(ctx, userID)
}

func (store *Store) IncrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	transaction, unlock := store.locked()
	defer unlock()
	return transaction.IncrementBalance(ctx, userID, amount)
}

func (store *Store) DecrementBalanceIfSufficient(ctx context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	transaction, unlock := store.locked()
	defer unlock()
	return transaction.DecrementBalanceIfSufficient(ctx, userID, amount)
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.TransactionID, error) {
	transaction, unlock := store.locked()
	defer unlock()
	return transaction.InsertTransaction(ctx, input)
}

func (store *Store) InsertPurchaseIfAbsent(ctx context.Context, input ledger.TransactionInput) (ledger.TransactionID, bool, error) {
	transaction, unlock := store.locked()
	defer unlock()
	return transaction.InsertPurchaseIfAbsent(ctx, input)
}

func (store *Store) FindPurchaseByExternalPaymentID(ctx context.Context, externalPaymentID ledger.ExternalPaymentID) (ledger.Transaction, error) {
	transaction, unlock := store.locked()
	defer unlock()
	return transaction.FindPurchaseByExternalPaymentID(ctx, externalPaymentID)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.HistoryCursor, limit int) ([]ledger.Transaction, error) {
	transaction, unlock := store.locked()
	defer unlock()
	return transaction.ListTransactions(ctx, userID, cursor, limit)
}

func (transaction *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore ledger.Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *txStore) GetBalance(_ context.Context, userID ledger.UserID) (ledger.Credits, error) {
	return transaction.state.balances[userID.String()], nil
}

func (transaction *txStore) IncrementBalance(_ context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	transaction.state.balances[userID.String()] += amount
	return transaction.state.balances[userID.String()], nil
}

func (transaction *txStore) DecrementBalanceIfSufficient(_ context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	current := transaction.state.balances[userID.String()]
	if current < amount {
		return 0, ledger.WrapError("store", "balance", "decrement", ledger.ErrInsufficientCredits)
	}
	transaction.state.balances[userID.String()] = current - amount
	return current - amount, nil
}

func (transaction *txStore) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.TransactionID, error) {
	transactionID, inserted, err := transaction.InsertPurchaseIfAbsent(ctx, input)
	if err != nil {
		return ledger.TransactionID{}, err
	}
	if !inserted {
		return ledger.TransactionID{}, ledger.WrapError("store", "transaction", "duplicate", ledger.ErrDuplicateExternalPaymentID)
	}
	return transactionID, nil
}

func (transaction *txStore) InsertPurchaseIfAbsent(_ context.Context, input ledger.TransactionInput) (ledger.TransactionID, bool, error) {
	externalPaymentID, ok := input.ExternalPaymentID()
	if !ok {
		return transaction.append(input), true, nil
	}
	if index, exists := transaction.state.purchases[externalPaymentID.String()]; exists {
		return transaction.state.transactions[index].ID, false, nil
	}
	transactionID := transaction.append(input)
	transaction.state.purchases[externalPaymentID.String()] = len(transaction.state.transactions) - 1
	return transactionID, true, nil
}

func (transaction *txStore) FindPurchaseByExternalPaymentID(_ context.Context, externalPaymentID ledger.ExternalPaymentID) (ledger.Transaction, error) {
	index, exists := transaction.state.purchases[externalPaymentID.String()]
	if !exists {
		return ledger.Transaction{}, ledger.WrapError("store", "transaction", "lookup", ledger.ErrUnknownTransaction)
	}
	return transaction.state.transactions[index], nil
}

func (transaction *txStore) ListTransactions(_ context.Context, userID ledger.UserID, cursor ledger.HistoryCursor, limit int) ([]ledger.Transaction, error) {
	var matches []ledger.Transaction
	for _, candidate := range transaction.state.transactions {
		if candidate.UserID != userID || !cursor.Precedes(candidate) {
			continue
		}
		matches = append(matches, candidate)
	}
	sort.Slice(matches, func(left, right int) bool {
		return ledger.NewerFirst(matches[left], matches[right])
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (transaction *txStore) append(input ledger.TransactionInput) ledger.TransactionID {
	transactionID, err := ledger.NewTransactionID(uuid.Must(uuid.NewV7()).String())
	if err != nil {
		panic(fmt.Sprintf("memstore: generated transaction id rejected: %v", err))
	}
	var externalPaymentID *ledger.ExternalPaymentID
	if value, ok := input.ExternalPaymentID(); ok {
		externalPaymentID = &value
	}
	transaction.state.transactions = append(transaction.state.transactions, ledger.Transaction{
		ID:                transactionID,
		UserID:            input.UserID(),
		Kind:              input.Kind(),
		Amount:            input.Amount(),
		Description:       input.Description(),
		ExternalPaymentID: externalPaymentID,
		CreatedUnixUTC:    input.CreatedUnixUTC(),
	})
	return transactionID
}

// CustomerForUser returns the provider customer linked to userID.
func (store *Store) CustomerForUser(_ context.Context, userID ledger.UserID) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	customerID, ok := store.state.customerByUser[userID.String()]
	if !ok {
		return "", payments.ErrCustomerNotLinked
	}
	return customerID, nil
}

// LinkCustomer stores the link unless userID already has one and returns the stored customer.
func (store *Store) LinkCustomer(_ context.Context, userID ledger.UserID, customerID string) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, ok := store.state.customerByUser[userID.String()]; ok {
		return existing, nil
	}
	if owner, ok := store.state.userByCustomer[customerID]; ok && owner != userID.String() {
		return "", fmt.Errorf("%w: %s", payments.ErrCustomerLinkConflict, customerID)
	}
	store.state.customerByUser[userID.String()] = customerID
	store.state.userByCustomer[customerID] = userID.String()
	return customerID, nil
}

// UserIDForCustomer resolves a provider customer to its user.
func (store *Store) UserIDForCustomer(_ context.Context, customerID string) (ledger.UserID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	owner, ok := store.state.userByCustomer[customerID]
	if !ok {
		return ledger.UserID{}, payments.ErrCustomerNotLinked
	}
	return ledger.NewUserID(owner)
}

func (store *Store) RecordEvent(_ context.Context, event ingest.InboxEvent) (ingest.InboxEvent, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := inboxKey{provider: event.Provider, providerEventID: event.ProviderEventID}
	if existingID, ok := store.state.inboxByProviderID[key]; ok {
		return store.state.inbox[existingID].event, false, nil
	}
	event.ID = uuid.NewString()
	if event.Status == "" {
		event.Status = ingest.StatusPending
	}
	event.Payload = append([]byte(nil), event.Payload...)
	store.state.inbox[event.ID] = &inboxRow{event: event}
	store.state.inboxByProviderID[key] = event.ID
	return event, true, nil
}

func (store *Store) ClaimEvent(_ context.Context, id string, now time.Time, leaseUntil time.Time) (ingest.InboxEvent, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	row, ok := store.state.inbox[id]
	if !ok {
		return ingest.InboxEvent{}, false, ingest.ErrEventNotFound
	}
	if !claimable(row, now) {
		return ingest.InboxEvent{}, false, nil
	}
	row.leasedUntil = leaseUntil
	row.event.Attempts++
	return row.event, true, nil
}

func claimable(row *inboxRow, now time.Time) bool {
	if row.leasedUntil.After(now) {
		return false
	}
	switch row.event.Status {
	case ingest.StatusPending:
		return true
	case ingest.StatusRetrying:
		return !row.event.NextAttemptAt.After(now)
	default:
		return false
	}
}

func (store *Store) MarkProcessed(_ context.Context, id string, processedAt time.Time) error {
	return store.updateInbox(id, func(row *inboxRow) {
		row.event.Status = ingest.StatusProcessed
		row.event.LastError = ""
		row.processedAt = processedAt
		row.leasedUntil = time.Time{}
	})
}

func (store *Store) ScheduleRetry(_ context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	return store.updateInbox(id, func(row *inboxRow) {
		row.event.Status = ingest.StatusRetrying
		row.event.NextAttemptAt = nextAttemptAt
		row.event.LastError = lastError
		row.leasedUntil = time.Time{}
	})
}

func (store *Store) MarkDead(_ context.Context, id string, lastError string) error {
	return store.updateInbox(id, func(row *inboxRow) {
		row.event.Status = ingest.StatusDead
		row.event.LastError = lastError
		row.leasedUntil = time.Time{}
	})
}

func (store *Store) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var due []ingest.InboxEvent
	for _, row := range store.state.inbox {
		if row.leasedUntil.After(now) || row.event.NextAttemptAt.After(now) {
			continue
		}
		if row.event.Status == ingest.StatusPending || row.event.Status == ingest.StatusRetrying {
			due = append(due, row.event)
		}
	}
	sort.Slice(due, func(left, right int) bool {
		return due[left].NextAttemptAt.Before(due[right].NextAttemptAt)
	})
	ids := make([]string, 0, len(due))
	for _, event := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, event.ID)
	}
	return ids, nil
}

// InboxEvent returns a snapshot of an inbox row.
func (store *Store) InboxEvent(id string) (ingest.InboxEvent, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	row, ok := store.state.inbox[id]
	if !ok {
		return ingest.InboxEvent{}, false
	}
	return row.event, true
}

func (store *Store) updateInbox(id string, mutate func(row *inboxRow)) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	row, ok := store.state.inbox[id]
	if !ok {
		return ingest.ErrEventNotFound
	}
	mutate(row)
	return nil
}

func (store *Store) UpsertSubscription(_ context.Context, record ingest.SubscriptionRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, ok := store.state.subscriptions[record.SubscriptionID]; ok && existing.EventCreatedAt.After(record.EventCreatedAt) {
		return nil
	}
	store.state.subscriptions[record.SubscriptionID] = record
	return nil
}

// Subscription returns the stored subscription snapshot.
func (store *Store) Subscription(subscriptionID string) (ingest.SubscriptionRecord, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.state.subscriptions[subscriptionID]
	return record, ok
}
