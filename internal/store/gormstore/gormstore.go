package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/logoledger/internal/ingest"
	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectCustomer    = "customer"
	errorSubjectInbox       = "inbox"
	errorSubjectSubscribe   = "subscription"
	errorCodeClaim          = "claim"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeLink           = "link"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"
)

// Store implements ledger.Store and the payment-side stores using GORM.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, nowFn: store.nowFn})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var account CreditAccount
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := ledger.NewBalance(account.Balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// IncrementBalance upserts the account row and adds amount.
func (store *Store) IncrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	now := store.nowFn().UTC()
	account := CreditAccount{UserID: userID.String(), Balance: amount.Int64(), CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    clause.Expr{SQL: "credit_accounts.balance + excluded.balance"},
				"updated_at": clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&account).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return store.GetBalance(ctx, userID)
}

// DecrementBalanceIfSufficient subtracts amount only when the balance covers it.
// The check and the write are one statement, so concurrent deductions cannot overspend.
func (store *Store) DecrementBalanceIfSufficient(ctx context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND balance >= ?", userID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount.Int64()),
			"updated_at": store.nowFn().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.ErrInsufficientCredits)
	}
	return store.GetBalance(ctx, userID)
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.TransactionID, error) {
	row := store.transactionRow(input)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalPaymentID)
	}
	if err != nil {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return parseTransactionID(row.ID)
}

// InsertPurchaseIfAbsent relies on the external_payment_id unique index; a conflicting
// insert is skipped instead of failing, which keeps a Postgres transaction usable.
func (store *Store) InsertPurchaseIfAbsent(ctx context.Context, input ledger.TransactionInput) (ledger.TransactionID, bool, error) {
	if _, ok := input.ExternalPaymentID(); !ok {
		transactionID, err := store.InsertTransaction(ctx, input)
		return transactionID, err == nil, err
	}
	row := store.transactionRow(input)
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_payment_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return ledger.TransactionID{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 1 {
		transactionID, err := parseTransactionID(row.ID)
		return transactionID, err == nil, err
	}
	externalPaymentID, _ := input.ExternalPaymentID()
	existing, err := store.FindPurchaseByExternalPaymentID(ctx, externalPaymentID)
	if err != nil {
		return ledger.TransactionID{}, false, err
	}
	return existing.ID, false, nil
}

func (store *Store) FindPurchaseByExternalPaymentID(ctx context.Context, externalPaymentID ledger.ExternalPaymentID) (ledger.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("external_payment_id = ?", externalPaymentID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.HistoryCursor, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if !cursor.IsZero() {
		before := time.Unix(cursor.BeforeUnixUTC, 0).UTC()
		if beforeID := cursor.BeforeID.String(); beforeID != "" {
			query = query.Where("created_at < ? OR (created_at = ? AND id < ?)", before, before, beforeID)
		} else {
			query = query.Where("created_at < ?", before)
		}
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []CreditTransaction
	err := query.Order("created_at DESC").Order("id DESC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) transactionRow(input ledger.TransactionInput) CreditTransaction {
	createdAt := time.Unix(input.CreatedUnixUTC(), 0).UTC()
	if input.CreatedUnixUTC() == 0 {
		createdAt = store.nowFn().UTC().Truncate(time.Second)
	}
	row := CreditTransaction{
		UserID:      input.UserID().String(),
		Kind:        input.Kind().String(),
		Amount:      input.Amount().Int64(),
		Description: input.Description().String(),
		CreatedAt:   createdAt,
	}
	if externalPaymentID, ok := input.ExternalPaymentID(); ok {
		value := externalPaymentID.String()
		row.ExternalPaymentID = &value
	}
	return row
}

// CustomerForUser returns the provider customer linked to userID.
func (store *Store) CustomerForUser(ctx context.Context, userID ledger.UserID) (string, error) {
	var link PaymentCustomerLink
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", payments.ErrCustomerNotLinked
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectCustomer, errorCodeLookup, err)
	}
	return link.ExternalCustomerID, nil
}

// LinkCustomer inserts the link unless the user already has one; concurrent creators
// converge on the first stored row.
func (store *Store) LinkCustomer(ctx context.Context, userID ledger.UserID, customerID string) (string, error) {
	link := PaymentCustomerLink{UserID: userID.String(), ExternalCustomerID: customerID, CreatedAt: store.nowFn().UTC()}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectCustomer, errorCodeLink, err)
	}
	stored, err := store.CustomerForUser(ctx, userID)
	if errors.Is(err, payments.ErrCustomerNotLinked) {
		return "", wrapStoreError(errorSubjectCustomer, errorCodeLink, fmt.Errorf("%w: %s", payments.ErrCustomerLinkConflict, customerID))
	}
	return stored, err
}

// UserIDForCustomer resolves a provider customer to its user.
func (store *Store) UserIDForCustomer(ctx context.Context, customerID string) (ledger.UserID, error) {
	var link PaymentCustomerLink
	err := store.db.WithContext(ctx).Where("external_customer_id = ?", customerID).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.UserID{}, payments.ErrCustomerNotLinked
	}
	if err != nil {
		return ledger.UserID{}, wrapStoreError(errorSubjectCustomer, errorCodeLookup, err)
	}
	return ledger.NewUserID(link.UserID)
}

func (store *Store) RecordEvent(ctx context.Context, event ingest.InboxEvent) (ingest.InboxEvent, bool, error) {
	now := store.nowFn().UTC()
	row := WebhookEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		Payload:         datatypes.JSON(event.Payload),
		Status:          string(ingest.StatusPending),
		NextAttemptAt:   event.NextAttemptAt.UTC(),
		EventCreatedAt:  event.EventCreatedAt.UTC(),
		ReceivedAt:      event.ReceivedAt.UTC(),
		UpdatedAt:       now,
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = now
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return ingest.InboxEvent{}, false, wrapStoreError(errorSubjectInbox, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 1 {
		return mapInboxEvent(row), true, nil
	}
	var existing WebhookEvent
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Take(&existing).Error
	if err != nil {
		return ingest.InboxEvent{}, false, wrapStoreError(errorSubjectInbox, errorCodeLookup, err)
	}
	return mapInboxEvent(existing), false, nil
}

func (store *Store) ClaimEvent(ctx context.Context, id string, now time.Time, leaseUntil time.Time) (ingest.InboxEvent, bool, error) {
	now = now.UTC()
	result := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("id = ?", id).
		Where("locked_until IS NULL OR locked_until <= ?", now).
		Where("status = ? OR (status = ? AND next_attempt_at <= ?)", string(ingest.StatusPending), string(ingest.StatusRetrying), now).
		Updates(map[string]interface{}{
			"locked_until": leaseUntil.UTC(),
			"attempts":     gorm.Expr("attempts + 1"),
			"updated_at":   now,
		})
	if result.Error != nil {
		return ingest.InboxEvent{}, false, wrapStoreError(errorSubjectInbox, errorCodeClaim, result.Error)
	}
	var row WebhookEvent
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ingest.InboxEvent{}, false, wrapStoreError(errorSubjectInbox, errorCodeClaim, ingest.ErrEventNotFound)
	}
	if err != nil {
		return ingest.InboxEvent{}, false, wrapStoreError(errorSubjectInbox, errorCodeClaim, err)
	}
	return mapInboxEvent(row), result.RowsAffected == 1, nil
}

func (store *Store) MarkProcessed(ctx context.Context, id string, processedAt time.Time) error {
	processedAt = processedAt.UTC()
	return store.updateInbox(ctx, id, map[string]interface{}{
		"status":       string(ingest.StatusProcessed),
		"processed_at": processedAt,
		"locked_until": nil,
		"last_error":   "",
	})
}

func (store *Store) ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	return store.updateInbox(ctx, id, map[string]interface{}{
		"status":          string(ingest.StatusRetrying),
		"next_attempt_at": nextAttemptAt.UTC(),
		"locked_until":    nil,
		"last_error":      lastError,
	})
}

func (store *Store) MarkDead(ctx context.Context, id string, lastError string) error {
	return store.updateInbox(ctx, id, map[string]interface{}{
		"status":       string(ingest.StatusDead),
		"locked_until": nil,
		"last_error":   lastError,
	})
}

func (store *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	now = now.UTC()
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("status IN ?", []string{string(ingest.StatusPending), string(ingest.StatusRetrying)}).
		Where("next_attempt_at <= ?", now).
		Where("locked_until IS NULL OR locked_until <= ?", now).
		Order("next_attempt_at ASC").
		Limit(limitOrAll(limit)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectInbox, errorCodeList, err)
	}
	return ids, nil
}

func (store *Store) updateInbox(ctx context.Context, id string, updates map[string]interface{}) error {
	updates["updated_at"] = store.nowFn().UTC()
	result := store.db.WithContext(ctx).Model(&WebhookEvent{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectInbox, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectInbox, errorCodeUpdate, ingest.ErrEventNotFound)
	}
	return nil
}

// UpsertSubscription writes record unless a snapshot from a newer event is stored.
func (store *Store) UpsertSubscription(ctx context.Context, record ingest.SubscriptionRecord) error {
	row := PaymentSubscription{
		SubscriptionID:     record.SubscriptionID,
		UserID:             record.UserID.String(),
		ExternalCustomerID: record.CustomerID,
		Status:             record.Status,
		PriceID:            record.PriceID,
		CancelAtPeriodEnd:  record.CancelAtPeriodEnd,
		EventCreatedAt:     record.EventCreatedAt.UTC(),
		UpdatedAt:          store.nowFn().UTC(),
	}
	if !record.CurrentPeriodEnd.IsZero() {
		periodEnd := record.CurrentPeriodEnd.UTC()
		row.CurrentPeriodEnd = &periodEnd
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "external_customer_id", "status", "price_id",
				"current_period_end", "cancel_at_period_end", "event_created_at", "updated_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "payment_subscriptions.event_created_at <= excluded.event_created_at"},
			}},
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscribe, errorCodeUpsert, err)
	}
	return nil
}

// Subscription loads a stored subscription snapshot.
func (store *Store) Subscription(ctx context.Context, subscriptionID string) (PaymentSubscription, error) {
	var row PaymentSubscription
	err := store.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Take(&row).Error
	if err != nil {
		return PaymentSubscription{}, wrapStoreError(errorSubjectSubscribe, errorCodeGet, err)
	}
	return row, nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func parseTransactionID(raw string) (ledger.TransactionID, error) {
	transactionID, err := ledger.NewTransactionID(raw)
	if err != nil {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewCredits(row.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	description, err := ledger.NewDescription(row.Description)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var externalPaymentID *ledger.ExternalPaymentID
	if row.ExternalPaymentID != nil {
		parsed, err := ledger.NewExternalPaymentID(*row.ExternalPaymentID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		externalPaymentID = &parsed
	}
	return ledger.Transaction{
		ID:                transactionID,
		UserID:            userID,
		Kind:              kind,
		Amount:            amount,
		Description:       description,
		ExternalPaymentID: externalPaymentID,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}, nil
}

func mapInboxEvent(row WebhookEvent) ingest.InboxEvent {
	return ingest.InboxEvent{
		ID:              row.ID,
		Provider:        row.Provider,
		ProviderEventID: row.ProviderEventID,
		EventType:       row.EventType,
		Payload:         []byte(row.Payload),
		Status:          ingest.InboxStatus(row.Status),
		Attempts:        row.Attempts,
		NextAttemptAt:   row.NextAttemptAt.UTC(),
		LastError:       row.LastError,
		EventCreatedAt:  row.EventCreatedAt.UTC(),
		ReceivedAt:      row.ReceivedAt.UTC(),
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
