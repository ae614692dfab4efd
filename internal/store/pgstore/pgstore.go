// Package pgstore implements ledger.Store with raw SQL over a pgx pool.
// The schema comes from the migrations package.
package pgstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"

	sqlSelectBalance = `
		select balance from credit_accounts where user_id = $1
	`

	sqlIncrementBalance = `
		insert into credit_accounts(user_id, balance) values($1, $2)
		on conflict (user_id) do update set balance = credit_accounts.balance + excluded.balance, updated_at = now()
		returning balance
	`

	sqlDecrementBalance = `
		update credit_accounts
		set balance = balance - $2, updated_at = now()
		where user_id = $1 and balance >= $2
		returning balance
	`

	sqlInsertTransaction = `
		insert into credit_transactions(id, user_id, kind, amount, description, external_payment_id, created_at)
		values($7::uuid, $1, $2, $3, $4, nullif($5, ''), coalesce(to_timestamp(nullif($6::bigint, 0)), date_trunc('second', now())))
		returning id::text
	`

	sqlInsertPurchaseIfAbsent = `
		insert into credit_transactions(id, user_id, kind, amount, description, external_payment_id, created_at)
		values($7::uuid, $1, $2, $3, $4, $5, coalesce(to_timestamp(nullif($6::bigint, 0)), date_trunc('second', now())))
		on conflict (external_payment_id) do nothing
		returning id::text
	`

	sqlSelectPurchase = `
		select id::text, user_id, kind, amount, description, coalesce(external_payment_id, ''), extract(epoch from created_at)::bigint
		from credit_transactions
		where external_payment_id = $1
	`

	sqlListTransactions = `
		select id::text, user_id, kind, amount, description, coalesce(external_payment_id, ''), extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1 and (
			$2::bigint = 0
			or created_at < to_timestamp($2::bigint)
			or (created_at = to_timestamp($2::bigint) and id < nullif($3::text, '')::uuid)
		)
		order by created_at desc, id desc
		limit $4
	`
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx on a TxStore joins the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (store queries) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return parseBalance(balance)
}

func (store queries) IncrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	var balance int64
	if err := store.db.QueryRow(ctx, sqlIncrementBalance, userID.String(), amount.Int64()).Scan(&balance); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return parseBalance(balance)
}

// DecrementBalanceIfSufficient debits in one conditional update; no row means the balance was short.
func (store queries) DecrementBalanceIfSufficient(ctx context.Context, userID ledger.UserID, amount ledger.Credits) (ledger.Credits, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlDecrementBalance, userID.String(), amount.Int64()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.ErrInsufficientCredits)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return parseBalance(balance)
}

func (store queries) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.TransactionID, error) {
	externalPaymentID := ""
	if value, ok := input.ExternalPaymentID(); ok {
		externalPaymentID = value.String()
	}
	transactionID, err := uuid.NewV7()
	if err != nil {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	var transactionIDValue string
	err = store.db.QueryRow(ctx, sqlInsertTransaction,
		input.UserID().String(),
		input.Kind().String(),
		input.Amount().Int64(),
		input.Description().String(),
		externalPaymentID,
		input.CreatedUnixUTC(),
		transactionID.String(),
	).Scan(&transactionIDValue)
	if isUniqueViolation(err) {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalPaymentID)
	}
	if err != nil {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return parseTransactionID(transactionIDValue)
}

// InsertPurchaseIfAbsent skips the insert on an external_payment_id conflict so the
// surrounding transaction stays usable, then reports the existing row.
func (store queries) InsertPurchaseIfAbsent(ctx context.Context, input ledger.TransactionInput) (ledger.TransactionID, bool, error) {
	externalPaymentID, ok := input.ExternalPaymentID()
	if !ok {
		transactionID, err := store.InsertTransaction(ctx, input)
		return transactionID, err == nil, err
	}
	transactionID, err := uuid.NewV7()
	if err != nil {
		return ledger.TransactionID{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	var transactionIDValue string
	err = store.db.QueryRow(ctx, sqlInsertPurchaseIfAbsent,
		input.UserID().String(),
		input.Kind().String(),
		input.Amount().Int64(),
		input.Description().String(),
		externalPaymentID.String(),
		input.CreatedUnixUTC(),
		transactionID.String(),
	).Scan(&transactionIDValue)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := store.FindPurchaseByExternalPaymentID(ctx, externalPaymentID)
		if lookupErr != nil {
			return ledger.TransactionID{}, false, lookupErr
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return ledger.TransactionID{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	stored, err := parseTransactionID(transactionIDValue)
	return stored, err == nil, err
}

func (store queries) FindPurchaseByExternalPaymentID(ctx context.Context, externalPaymentID ledger.ExternalPaymentID) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectPurchase, externalPaymentID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, nil
}

func (store queries) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.HistoryCursor, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), cursor.BeforeUnixUTC, cursor.BeforeID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []ledger.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transactionIDValue     string
		userIDValue            string
		kindValue              string
		amountValue            int64
		descriptionValue       string
		externalPaymentIDValue string
		createdUnixUTC         int64
	)
	if err := row.Scan(&transactionIDValue, &userIDValue, &kindValue, &amountValue, &descriptionValue, &externalPaymentIDValue, &createdUnixUTC); err != nil {
		return ledger.Transaction{}, err
	}
	transactionID, err := ledger.NewTransactionID(transactionIDValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(kindValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewCredits(amountValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	description, err := ledger.NewDescription(descriptionValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var externalPaymentID *ledger.ExternalPaymentID
	if externalPaymentIDValue != "" {
		parsed, err := ledger.NewExternalPaymentID(externalPaymentIDValue)
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
		CreatedUnixUTC:    createdUnixUTC,
	}, nil
}

func parseBalance(raw int64) (ledger.Credits, error) {
	balance, err := ledger.NewBalance(raw)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func parseTransactionID(raw string) (ledger.TransactionID, error) {
	transactionID, err := ledger.NewTransactionID(raw)
	if err != nil {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
