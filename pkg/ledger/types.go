package ledger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Credits is an integer count of spendable credits.
type Credits int64

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewBalance validates a stored balance, which may be zero but never negative.
func NewBalance(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Credits(raw), nil
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// ExternalPaymentID is the payment provider's session or invoice id. It deduplicates purchases.
type ExternalPaymentID struct {
	value string
}

// NewExternalPaymentID validates and normalizes an external payment id.
func NewExternalPaymentID(raw string) (ExternalPaymentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalPaymentID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalPaymentID)
	}
	return ExternalPaymentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalPaymentID) String() string {
	return id.value
}

// Description is human-readable free text attached to a transaction.
type Description struct {
	value string
}

// NewDescription validates a description.
func NewDescription(raw string) (Description, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Description{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if utf8.RuneCountInString(trimmed) > maxDescriptionLength {
		return Description{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return Description{value: trimmed}, nil
}

// String returns the normalized text.
func (description Description) String() string {
	return description.value
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	TransactionPurchase  TransactionKind = "purchase"
	TransactionDeduction TransactionKind = "deduction"
	TransactionRefund    TransactionKind = "refund"
)

// ParseTransactionKind validates a stored kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(strings.TrimSpace(raw)) {
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionDeduction:
		return TransactionDeduction, nil
	case TransactionRefund:
		return TransactionRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the stored representation.
func (kind TransactionKind) String() string {
	return string(kind)
}

// Transaction is a single immutable line in a user's credit log.
// Amount is stored unsigned; Kind carries the sign.
type Transaction struct {
	ID                TransactionID
	UserID            UserID
	Kind              TransactionKind
	Amount            Credits
	Description       Description
	ExternalPaymentID *ExternalPaymentID
	CreatedUnixUTC    int64
}

// SignedAmount returns the balance effect of the transaction.
func (transaction Transaction) SignedAmount() int64 {
	if transaction.Kind == TransactionDeduction {
		return -transaction.Amount.Int64()
	}
	return transaction.Amount.Int64()
}

// TransactionInput is a validated transaction ready to be persisted.
type TransactionInput struct {
	userID            UserID
	kind              TransactionKind
	amount            Credits
	description       Description
	externalPaymentID *ExternalPaymentID
	createdUnixUTC    int64
}

// NewTransactionInput validates a transaction before it reaches a Store.
func NewTransactionInput(userID UserID, kind TransactionKind, amount Credits, description Description, externalPaymentID *ExternalPaymentID, createdUnixUTC int64) (TransactionInput, error) {
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if description.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if externalPaymentID != nil && kind != TransactionPurchase {
		return TransactionInput{}, fmt.Errorf("%w: only purchases carry an external payment id", ErrInvalidExternalPaymentID)
	}
	return TransactionInput{
		userID:            userID,
		kind:              kind,
		amount:            amount,
		description:       description,
		externalPaymentID: externalPaymentID,
		createdUnixUTC:    createdUnixUTC,
	}, nil
}

// UserID returns the owning user.
func (input TransactionInput) UserID() UserID {
	return input.userID
}

// Kind returns the transaction kind.
func (input TransactionInput) Kind() TransactionKind {
	return input.kind
}

// Amount returns the unsigned amount.
func (input TransactionInput) Amount() Credits {
	return input.amount
}

// Description returns the description.
func (input TransactionInput) Description() Description {
	return input.description
}

// ExternalPaymentID returns the deduplication key when present.
func (input TransactionInput) ExternalPaymentID() (ExternalPaymentID, bool) {
	if input.externalPaymentID == nil {
		return ExternalPaymentID{}, false
	}
	return *input.externalPaymentID, true
}

// CreatedUnixUTC returns the creation time.
func (input TransactionInput) CreatedUnixUTC() int64 {
	return input.createdUnixUTC
}

// HistoryCursor positions a history page strictly after the last row of the previous page.
// Transactions are ordered by creation time and then by transaction id, newest first; ids
// are time-ordered, so rows created within the same second keep their creation order.
// The zero value starts at the newest transaction. A cursor without BeforeID keeps only
// rows created before BeforeUnixUTC.
type HistoryCursor struct {
	BeforeUnixUTC int64
	BeforeID      TransactionID
}

// CursorAfter returns the cursor that continues a page ending with transaction.
func CursorAfter(transaction Transaction) HistoryCursor {
	return HistoryCursor{BeforeUnixUTC: transaction.CreatedUnixUTC, BeforeID: transaction.ID}
}

// IsZero reports whether the cursor starts at the newest transaction.
func (cursor HistoryCursor) IsZero() bool {
	return cursor.BeforeUnixUTC == 0 && cursor.BeforeID.String() == ""
}

// Precedes reports whether transaction sorts after the cursor position, that is, belongs to the page it opens.
func (cursor HistoryCursor) Precedes(transaction Transaction) bool {
	if cursor.IsZero() {
		return true
	}
	if transaction.CreatedUnixUTC != cursor.BeforeUnixUTC {
		return transaction.CreatedUnixUTC < cursor.BeforeUnixUTC
	}
	return cursor.BeforeID.String() != "" && transaction.ID.String() < cursor.BeforeID.String()
}

// NewerFirst orders transactions the way history pages list them.
func NewerFirst(left Transaction, right Transaction) bool {
	if left.CreatedUnixUTC != right.CreatedUnixUTC {
		return left.CreatedUnixUTC > right.CreatedUnixUTC
	}
	return left.ID.String() > right.ID.String()
}

// GrantResult reports the purchase transaction backing a grant.
type GrantResult struct {
	TransactionID TransactionID
	// Duplicate is true when the external payment id had already been granted.
	Duplicate bool
}

// Store is the persistence contract used by Service.
// Balance checks must be enforced by the storage layer, not by callers.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID UserID) (Credits, error)
	IncrementBalance(ctx context.Context, userID UserID, amount Credits) (Credits, error)
	// DecrementBalanceIfSufficient returns ErrInsufficientCredits when the conditional update affects no rows.
	DecrementBalanceIfSufficient(ctx context.Context, userID UserID, amount Credits) (Credits, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (TransactionID, error)
	// InsertPurchaseIfAbsent inserts unless a purchase with the same external payment id exists,
	// in which case it returns the existing id and inserted=false.
	InsertPurchaseIfAbsent(ctx context.Context, input TransactionInput) (TransactionID, bool, error)
	FindPurchaseByExternalPaymentID(ctx context.Context, externalPaymentID ExternalPaymentID) (Transaction, error)
	// ListTransactions returns up to limit transactions after cursor, newest first.
	ListTransactions(ctx context.Context, userID UserID, cursor HistoryCursor, limit int) ([]Transaction, error)
}
