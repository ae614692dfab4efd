package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the credit ledger domain logic over a Store.
type Service struct {
	store   Store
	nowFn   func() int64
	loggers []OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the spendable balance. Unknown users have a zero balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	return service.store.GetBalance(ctx, userID)
}

// Grant credits a purchase. When externalPaymentID was already granted the call is a no-op
// that reports the existing transaction.
func (service *Service) Grant(ctx context.Context, userID UserID, amount Credits, description Description, externalPaymentID *ExternalPaymentID) (GrantResult, error) {
	var result GrantResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transactionInput, err := NewTransactionInput(userID, TransactionPurchase, amount, description, externalPaymentID, service.nowFn())
		if err != nil {
			return err
		}
		if externalPaymentID == nil {
			transactionID, err := transactionStore.InsertTransaction(ctx, transactionInput)
			if err != nil {
				return err
			}
			result.TransactionID = transactionID
			_, err = transactionStore.IncrementBalance(ctx, userID, amount)
			return err
		}
		transactionID, inserted, err := transactionStore.InsertPurchaseIfAbsent(ctx, transactionInput)
		if err != nil {
			return err
		}
		result.TransactionID = transactionID
		if !inserted {
			result.Duplicate = true
			return nil
		}
		_, err = transactionStore.IncrementBalance(ctx, userID, amount)
		return err
	})
	status := ""
	if operationError == nil && result.Duplicate {
		status = operationStatusDuplicate
	}
	service.logOperation(ctx, OperationLog{
		Operation:         operationGrant,
		UserID:            userID,
		Amount:            amount,
		Description:       description,
		ExternalPaymentID: externalPaymentID,
		TransactionID:     result.TransactionID,
		Status:            status,
		Error:             operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// Deduct debits the balance when it covers amount and returns the remaining balance.
// The balance check happens inside the store's conditional update.
func (service *Service) Deduct(ctx context.Context, userID UserID, amount Credits, description Description) (Credits, error) {
	var (
		remaining     Credits
		transactionID TransactionID
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transactionInput, err := NewTransactionInput(userID, TransactionDeduction, amount, description, nil, service.nowFn())
		if err != nil {
			return err
		}
		remaining, err = transactionStore.DecrementBalanceIfSufficient(ctx, userID, amount)
		if err != nil {
			return err
		}
		transactionID, err = transactionStore.InsertTransaction(ctx, transactionInput)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeduct,
		UserID:        userID,
		Amount:        amount,
		Description:   description,
		TransactionID: transactionID,
		Error:         operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return remaining, nil
}

// Refund unconditionally credits amount back, reversing a deduction whose action failed.
func (service *Service) Refund(ctx context.Context, userID UserID, amount Credits, description Description) (TransactionID, error) {
	var transactionID TransactionID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transactionInput, err := NewTransactionInput(userID, TransactionRefund, amount, description, nil, service.nowFn())
		if err != nil {
			return err
		}
		if _, err := transactionStore.IncrementBalance(ctx, userID, amount); err != nil {
			return err
		}
		transactionID, err = transactionStore.InsertTransaction(ctx, transactionInput)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        userID,
		Amount:        amount,
		Description:   description,
		TransactionID: transactionID,
		Error:         operationError,
	})
	if operationError != nil {
		return TransactionID{}, operationError
	}
	return transactionID, nil
}

// History lists a user's transactions after cursor, most recent first.
// A zero cursor starts at the newest transaction; limit is clamped to [1, 100] with a default of 20.
// Pass CursorAfter(last row) to continue.
func (service *Service) History(ctx context.Context, userID UserID, cursor HistoryCursor, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, cursor, normalizeHistoryLimit(limit))
}

// PurchaseRecorded reports whether a purchase for externalPaymentID has been granted.
func (service *Service) PurchaseRecorded(ctx context.Context, externalPaymentID ExternalPaymentID) (bool, error) {
	_, err := service.store.FindPurchaseByExternalPaymentID(ctx, externalPaymentID)
	if errors.Is(err, ErrUnknownTransaction) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}

func normalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
