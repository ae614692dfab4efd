package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes transactions and rolls back on error.
type stubStore struct {
	mu           sync.Mutex
	balances     map[string]Credits
	transactions []Transaction
	nextID       int

	getBalanceError  error
	incrementError   error
	decrementError   error
	insertError      error
	insertPurchError error
	findError        error
	listError        error
	withTxError      error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{balances: make(map[string]Credits)}
}

func (store *stubStore) seedBalance(userID UserID, amount Credits) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[userID.String()] = amount
}

func (store *stubStore) balanceOf(userID UserID) Credits {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID.String()]
}

func (store *stubStore) transactionsOf(kind TransactionKind) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []Transaction
	for _, transaction := range store.transactions {
		if transaction.Kind == kind {
			out = append(out, transaction)
		}
	}
	return out
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	balances := make(map[string]Credits, len(store.balances))
	for key, value := range store.balances {
		balances[key] = value
	}
	transactions := append([]Transaction(nil), store.transactions...)
	if err := fn(ctx, &stubTx{store: store}); err != nil {
		store.balances = balances
		store.transactions = transactions
		return err
	}
	return nil
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).GetBalance(ctx, userID)
}

func (store *stubStore) IncrementBalance(ctx context.Context, userID UserID, amount Credits) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).IncrementBalance(ctx, userID, amount)
}

func (store *stubStore) DecrementBalanceIfSufficient(ctx context.Context, userID UserID, amount Credits) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).DecrementBalanceIfSufficient(ctx, userID, amount)
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (TransactionID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).InsertTransaction(ctx, input)
}

func (store *stubStore) InsertPurchaseIfAbsent(ctx context.Context, input TransactionInput) (TransactionID, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).InsertPurchaseIfAbsent(ctx, input)
}

func (store *stubStore) FindPurchaseByExternalPaymentID(ctx context.Context, externalPaymentID ExternalPaymentID) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).FindPurchaseByExternalPaymentID(ctx, externalPaymentID)
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, cursor HistoryCursor, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{store: store}).ListTransactions(ctx, userID, cursor, limit)
}

// stubTx operates on an already locked stubStore.
type stubTx struct {
	store *stubStore
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetBalance(_ context.Context, userID UserID) (Credits, error) {
	if tx.store.getBalanceError != nil {
		return 0, tx.store.getBalanceError
	}
	return tx.store.balances[userID.String()], nil
}

func (tx *stubTx) IncrementBalance(_ context.Context, userID UserID, amount Credits) (Credits, error) {
	if tx.store.incrementError != nil {
		return 0, tx.store.incrementError
	}
	tx.store.balances[userID.String()] += amount
	return tx.store.balances[userID.String()], nil
}

func (tx *stubTx) DecrementBalanceIfSufficient(_ context.Context, userID UserID, amount Credits) (Credits, error) {
	if tx.store.decrementError != nil {
		return 0, tx.store.decrementError
	}
	current := tx.store.balances[userID.String()]
	if current < amount {
		return 0, WrapError("store", "balance", "insufficient", ErrInsufficientCredits)
	}
	tx.store.balances[userID.String()] = current - amount
	return current - amount, nil
}

func (tx *stubTx) InsertTransaction(_ context.Context, input TransactionInput) (TransactionID, error) {
	if tx.store.insertError != nil {
		return TransactionID{}, tx.store.insertError
	}
	return tx.append(input), nil
}

func (tx *stubTx) InsertPurchaseIfAbsent(_ context.Context, input TransactionInput) (TransactionID, bool, error) {
	if tx.store.insertPurchError != nil {
		return TransactionID{}, false, tx.store.insertPurchError
	}
	externalPaymentID, ok := input.ExternalPaymentID()
	if ok {
		for _, transaction := range tx.store.transactions {
			if transaction.Kind == TransactionPurchase && transaction.ExternalPaymentID != nil && *transaction.ExternalPaymentID == externalPaymentID {
				return transaction.ID, false, nil
			}
		}
	}
	return tx.append(input), true, nil
}

func (tx *stubTx) FindPurchaseByExternalPaymentID(_ context.Context, externalPaymentID ExternalPaymentID) (Transaction, error) {
	if tx.store.findError != nil {
		return Transaction{}, tx.store.findError
	}
	for _, transaction := range tx.store.transactions {
		if transaction.Kind == TransactionPurchase && transaction.ExternalPaymentID != nil && *transaction.ExternalPaymentID == externalPaymentID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (tx *stubTx) ListTransactions(_ context.Context, userID UserID, cursor HistoryCursor, limit int) ([]Transaction, error) {
	if tx.store.listError != nil {
		return nil, tx.store.listError
	}
	var out []Transaction
	for _, transaction := range tx.store.transactions {
		if transaction.UserID != userID || !cursor.Precedes(transaction) {
			continue
		}
		out = append(out, transaction)
	}
	sort.Slice(out, func(left, right int) bool {
		return NewerFirst(out[left], out[right])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *stubTx) append(input TransactionInput) TransactionID {
	tx.store.nextID++
	transactionID := TransactionID{value: fmt.Sprintf("tx-%08d", tx.store.nextID)}
	var externalPaymentID *ExternalPaymentID
	if value, ok := input.ExternalPaymentID(); ok {
		externalPaymentID = &value
	}
	tx.store.transactions = append(tx.store.transactions, Transaction{
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

// domain helper constructors
func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	value, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustDescription(test *testing.T, raw string) Description {
	test.Helper()
	value, err := NewDescription(raw)
	if err != nil {
		test.Fatalf("description: %v", err)
	}
	return value
}

func mustExternalPaymentID(test *testing.T, raw string) *ExternalPaymentID {
	test.Helper()
	value, err := NewExternalPaymentID(raw)
	if err != nil {
		test.Fatalf("external payment id: %v", err)
	}
	return &value
}
