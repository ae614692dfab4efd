package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	userIDValue          = "user-1"
	errorMismatchMessage = "expected %v, got %v"
)

var errStoreFailure = errors.New("store error")

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(test), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

func TestBalanceOfUnknownUserIsZero(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	balance, err := service.Balance(context.Background(), mustUserID(test, "nobody"))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected zero balance, got %d", balance)
	}
}

func TestGrantAppendsPurchaseAndIncrementsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	result, err := service.Grant(context.Background(), userID, mustCredits(test, 25), mustDescription(test, "Purchased 25 credits"), mustExternalPaymentID(test, "cs_abc"))
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.Duplicate || result.TransactionID.String() == "" {
		test.Fatalf("unexpected grant result: %+v", result)
	}
	if balance := store.balanceOf(userID); balance != 25 {
		test.Fatalf("expected balance 25, got %d", balance)
	}
	purchases := store.transactionsOf(TransactionPurchase)
	if len(purchases) != 1 || purchases[0].ExternalPaymentID.String() != "cs_abc" {
		test.Fatalf("unexpected purchases: %+v", purchases)
	}
}

func TestGrantWithSameExternalPaymentIDIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	externalPaymentID := mustExternalPaymentID(test, "sess_abc")
	description := mustDescription(test, "purchase")

	first, err := service.Grant(context.Background(), userID, mustCredits(test, 25), description, externalPaymentID)
	if err != nil {
		test.Fatalf("first grant: %v", err)
	}
	second, err := service.Grant(context.Background(), userID, mustCredits(test, 25), description, externalPaymentID)
	if err != nil {
		test.Fatalf("second grant: %v", err)
	}
	if !second.Duplicate || second.TransactionID != first.TransactionID {
		test.Fatalf("expected duplicate of %s, got %+v", first.TransactionID, second)
	}
	if balance := store.balanceOf(userID); balance != 25 {
		test.Fatalf("expected balance 25, got %d", balance)
	}
}

func TestGrantDuplicateAcrossUsersDoesNotCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	owner := mustUserID(test, "owner")
	other := mustUserID(test, "other")
	externalPaymentID := mustExternalPaymentID(test, "sess_shared")
	description := mustDescription(test, "purchase")

	if _, err := service.Grant(context.Background(), owner, mustCredits(test, 10), description, externalPaymentID); err != nil {
		test.Fatalf("grant: %v", err)
	}
	result, err := service.Grant(context.Background(), other, mustCredits(test, 10), description, externalPaymentID)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if !result.Duplicate {
		test.Fatalf("expected duplicate result")
	}
	if balance := store.balanceOf(other); balance != 0 {
		test.Fatalf("expected other balance 0, got %d", balance)
	}
}

func TestConcurrentGrantsCreateSinglePurchase(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "u1")
	externalPaymentID := mustExternalPaymentID(test, "sess_abc")
	description := mustDescription(test, "purchase")

	var waitGroup sync.WaitGroup
	var duplicates atomic.Int64
	for index := 0; index < 16; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			result, err := service.Grant(context.Background(), userID, mustCredits(test, 25), description, externalPaymentID)
			if err != nil {
				test.Errorf("grant: %v", err)
				return
			}
			if result.Duplicate {
				duplicates.Add(1)
			}
		}()
	}
	waitGroup.Wait()

	if balance := store.balanceOf(userID); balance != 25 {
		test.Fatalf("expected balance 25, got %d", balance)
	}
	if purchases := store.transactionsOf(TransactionPurchase); len(purchases) != 1 {
		test.Fatalf("expected one purchase, got %d", len(purchases))
	}
	if duplicates.Load() != 15 {
		test.Fatalf("expected 15 duplicates, got %d", duplicates.Load())
	}
}

func TestDeductInsufficientCreditsHasNoSideEffect(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, userIDValue)
	store.seedBalance(userID, 1)
	service := mustNewService(test, store)

	_, err := service.Deduct(context.Background(), userID, mustCredits(test, 2), mustDescription(test, "gen"))
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientCredits, err)
	}
	if balance := store.balanceOf(userID); balance != 1 {
		test.Fatalf("expected balance 1, got %d", balance)
	}
	if deductions := store.transactionsOf(TransactionDeduction); len(deductions) != 0 {
		test.Fatalf("expected no deductions, got %d", len(deductions))
	}
}

func TestDeductReturnsRemainingBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, userIDValue)
	store.seedBalance(userID, 5)
	service := mustNewService(test, store)

	remaining, err := service.Deduct(context.Background(), userID, mustCredits(test, 1), mustDescription(test, "Logo generation for Acme"))
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if remaining != 4 {
		test.Fatalf("expected 4 remaining, got %d", remaining)
	}
	deductions := store.transactionsOf(TransactionDeduction)
	if len(deductions) != 1 || deductions[0].SignedAmount() != -1 {
		test.Fatalf("unexpected deductions: %+v", deductions)
	}
}

func TestConcurrentDeductionsNeverOverspend(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		start    Credits
		requests int
	}{
		{name: "one credit two requests", start: 1, requests: 2},
		{name: "five credits twenty requests", start: 5, requests: 20},
		{name: "more credits than requests", start: 10, requests: 4},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, "u1")
			store.seedBalance(userID, testCase.start)
			service := mustNewService(test, store)

			var waitGroup sync.WaitGroup
			var successes atomic.Int64
			for index := 0; index < testCase.requests; index++ {
				waitGroup.Add(1)
				go func() {
					defer waitGroup.Done()
					_, err := service.Deduct(context.Background(), userID, mustCredits(test, 1), mustDescription(test, "gen"))
					if err == nil {
						successes.Add(1)
						return
					}
					if !errors.Is(err, ErrInsufficientCredits) {
						test.Errorf("unexpected error: %v", err)
					}
				}()
			}
			waitGroup.Wait()

			expected := min(int64(testCase.requests), testCase.start.Int64())
			if successes.Load() != expected {
				test.Fatalf("expected %d successes, got %d", expected, successes.Load())
			}
			if balance := store.balanceOf(userID); balance.Int64() != testCase.start.Int64()-expected {
				test.Fatalf("expected balance %d, got %d", testCase.start.Int64()-expected, balance)
			}
		})
	}
}

func TestRefundIsUnconditional(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	transactionID, err := service.Refund(context.Background(), userID, mustCredits(test, 3), mustDescription(test, "Refund for failed logo generation"))
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if transactionID.String() == "" {
		test.Fatalf("expected transaction id")
	}
	if balance := store.balanceOf(userID); balance != 3 {
		test.Fatalf("expected balance 3, got %d", balance)
	}
}

func TestOperationsReturnStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		run       func(test *testing.T, service *Service) error
	}{
		{
			name:      "grant insert purchase error",
			configure: func(store *stubStore) { store.insertPurchError = errStoreFailure },
			run: func(test *testing.T, service *Service) error {
				_, err := service.Grant(context.Background(), mustUserID(test, userIDValue), mustCredits(test, 1), mustDescription(test, "p"), mustExternalPaymentID(test, "x"))
				return err
			},
		},
		{
			name:      "grant increment error",
			configure: func(store *stubStore) { store.incrementError = errStoreFailure },
			run: func(test *testing.T, service *Service) error {
				_, err := service.Grant(context.Background(), mustUserID(test, userIDValue), mustCredits(test, 1), mustDescription(test, "p"), nil)
				return err
			},
		},
		{
			name:      "deduct decrement error",
			configure: func(store *stubStore) { store.decrementError = errStoreFailure },
			run: func(test *testing.T, service *Service) error {
				_, err := service.Deduct(context.Background(), mustUserID(test, userIDValue), mustCredits(test, 1), mustDescription(test, "d"))
				return err
			},
		},
		{
			name:      "refund insert error",
			configure: func(store *stubStore) { store.insertError = errStoreFailure },
			run: func(test *testing.T, service *Service) error {
				_, err := service.Refund(context.Background(), mustUserID(test, userIDValue), mustCredits(test, 1), mustDescription(test, "r"))
				return err
			},
		},
		{
			name:      "history list error",
			configure: func(store *stubStore) { store.listError = errStoreFailure },
			run: func(test *testing.T, service *Service) error {
				_, err := service.History(context.Background(), mustUserID(test, userIDValue), HistoryCursor{}, 10)
				return err
			},
		},
		{
			name:      "purchase lookup error",
			configure: func(store *stubStore) { store.findError = errStoreFailure },
			run: func(test *testing.T, service *Service) error {
				_, err := service.PurchaseRecorded(context.Background(), *mustExternalPaymentID(test, "x"))
				return err
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			testCase.configure(store)
			service := mustNewService(test, store)
			if err := testCase.run(test, service); !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestDeductRollsBackWhenLogInsertFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, userIDValue)
	store.seedBalance(userID, 2)
	store.insertError = errStoreFailure
	service := mustNewService(test, store)

	if _, err := service.Deduct(context.Background(), userID, mustCredits(test, 1), mustDescription(test, "gen")); !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
	if balance := store.balanceOf(userID); balance != 2 {
		test.Fatalf("expected rolled back balance 2, got %d", balance)
	}
}

func TestHistoryNormalizesLimit(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "zero uses default", limit: 0, want: defaultHistoryLimit},
		{name: "negative uses default", limit: -5, want: defaultHistoryLimit},
		{name: "within bounds", limit: 7, want: 7},
		{name: "clamped to max", limit: 1000, want: maxHistoryLimit},
	}
	for _, testCase := range testCases {
		if got := normalizeHistoryLimit(testCase.limit); got != testCase.want {
			test.Fatalf("%s: expected %d, got %d", testCase.name, testCase.want, got)
		}
	}
}

func TestHistoryListsMostRecentFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := int64(0)
	service, err := NewService(store, func() int64 { clock++; return clock })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, userIDValue)
	if _, err := service.Grant(context.Background(), userID, mustCredits(test, 5), mustDescription(test, "first"), nil); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if _, err := service.Deduct(context.Background(), userID, mustCredits(test, 1), mustDescription(test, "second")); err != nil {
		test.Fatalf("deduct: %v", err)
	}
	history, err := service.History(context.Background(), userID, HistoryCursor{}, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Description.String() != "second" || history[1].Description.String() != "first" {
		test.Fatalf("unexpected history: %+v", history)
	}
}

func TestHistoryKeepsCreationOrderWithinOneSecond(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service, err := NewService(store, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, userIDValue)
	var inserted []string
	for round := 0; round < 4; round++ {
		grantDescription := fmt.Sprintf("grant-%d", round)
		if _, err := service.Grant(context.Background(), userID, mustCredits(test, 5), mustDescription(test, grantDescription), nil); err != nil {
			test.Fatalf("grant: %v", err)
		}
		deductDescription := fmt.Sprintf("deduct-%d", round)
		if _, err := service.Deduct(context.Background(), userID, mustCredits(test, 1), mustDescription(test, deductDescription)); err != nil {
			test.Fatalf("deduct: %v", err)
		}
		refundDescription := fmt.Sprintf("refund-%d", round)
		if _, err := service.Refund(context.Background(), userID, mustCredits(test, 1), mustDescription(test, refundDescription)); err != nil {
			test.Fatalf("refund: %v", err)
		}
		inserted = append(inserted, grantDescription, deductDescription, refundDescription)
	}
	newestFirst := make([]string, 0, len(inserted))
	for index := len(inserted) - 1; index >= 0; index-- {
		newestFirst = append(newestFirst, inserted[index])
	}

	history, err := service.History(context.Background(), userID, HistoryCursor{}, 20)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if got := descriptionsOf(history); !equalStrings(got, newestFirst) {
		test.Fatalf("expected %v, got %v", newestFirst, got)
	}

	var paged []string
	cursor := HistoryCursor{}
	for pageIndex := 0; pageIndex < len(inserted); pageIndex++ {
		page, err := service.History(context.Background(), userID, cursor, 5)
		if err != nil {
			test.Fatalf("history page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		paged = append(paged, descriptionsOf(page)...)
		cursor = CursorAfter(page[len(page)-1])
	}
	if !equalStrings(paged, newestFirst) {
		test.Fatalf("expected pages %v, got %v", newestFirst, paged)
	}
}

func TestHistoryCursorWithoutIDSkipsBoundarySecond(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := int64(10)
	service, err := NewService(store, func() int64 { return clock })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	userID := mustUserID(test, userIDValue)
	for _, description := range []string{"older", "boundary-a", "boundary-b"} {
		if description != "older" {
			clock = 20
		}
		if _, err := service.Grant(context.Background(), userID, mustCredits(test, 1), mustDescription(test, description), nil); err != nil {
			test.Fatalf("grant: %v", err)
		}
	}
	history, err := service.History(context.Background(), userID, HistoryCursor{BeforeUnixUTC: 20}, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if got := descriptionsOf(history); !equalStrings(got, []string{"older"}) {
		test.Fatalf("expected only older, got %v", got)
	}
}

func descriptionsOf(transactions []Transaction) []string {
	descriptions := make([]string, 0, len(transactions))
	for _, transaction := range transactions {
		descriptions = append(descriptions, transaction.Description.String())
	}
	return descriptions
}

func equalStrings(left []string, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

func TestPurchaseRecorded(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	externalPaymentID := mustExternalPaymentID(test, "cs_recorded")

	recorded, err := service.PurchaseRecorded(context.Background(), *externalPaymentID)
	if err != nil || recorded {
		test.Fatalf("expected not recorded, got %v %v", recorded, err)
	}
	if _, err := service.Grant(context.Background(), mustUserID(test, userIDValue), mustCredits(test, 10), mustDescription(test, "p"), externalPaymentID); err != nil {
		test.Fatalf("grant: %v", err)
	}
	recorded, err = service.PurchaseRecorded(context.Background(), *externalPaymentID)
	if err != nil || !recorded {
		test.Fatalf("expected recorded, got %v %v", recorded, err)
	}
}
