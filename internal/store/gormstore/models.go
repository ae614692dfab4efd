package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount holds the materialized balance of one user.
type CreditAccount struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	ID                string    `gorm:"type:uuid;primaryKey;index:idx_credit_transactions_user_created,priority:3,sort:desc"`
	UserID            string    `gorm:"not null;index:idx_credit_transactions_user_created,priority:1"`
	Kind              string    `gorm:"not null"`
	Amount            int64     `gorm:"not null"`
	Description       string    `gorm:"not null"`
	ExternalPaymentID *string   `gorm:"uniqueIndex:uniq_credit_transactions_external_payment_id"`
	CreatedAt         time.Time `gorm:"not null;index:idx_credit_transactions_user_created,priority:2,sort:desc"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// BeforeCreate assigns a time-ordered id; history breaks created_at ties on it.
func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID != "" {
		return nil
	}
	transactionID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	transaction.ID = transactionID.String()
	return nil
}

// PaymentCustomerLink binds a user to a payment-provider customer, one to one.
type PaymentCustomerLink struct {
	UserID             string    `gorm:"primaryKey"`
	ExternalCustomerID string    `gorm:"not null;uniqueIndex:uniq_payment_customer_links_customer"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (PaymentCustomerLink) TableName() string { return "payment_customer_links" }

// WebhookEvent is the durable inbox row for one provider event.
type WebhookEvent struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	Provider        string         `gorm:"not null;uniqueIndex:uniq_webhook_events_provider_event,priority:1"`
	ProviderEventID string         `gorm:"not null;uniqueIndex:uniq_webhook_events_provider_event,priority:2"`
	EventType       string         `gorm:"not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	Status          string         `gorm:"not null;index:idx_webhook_events_due,priority:1"`
	Attempts        int            `gorm:"not null;default:0"`
	NextAttemptAt   time.Time      `gorm:"not null;index:idx_webhook_events_due,priority:2"`
	LockedUntil     *time.Time
	LastError       string `gorm:"not null;default:''"`
	EventCreatedAt  time.Time
	ReceivedAt      time.Time `gorm:"not null"`
	ProcessedAt     *time.Time
	UpdatedAt       time.Time `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (event *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return nil
}

// PaymentSubscription is the latest snapshot of a provider subscription.
type PaymentSubscription struct {
	SubscriptionID     string `gorm:"primaryKey"`
	UserID             string `gorm:"not null;index"`
	ExternalCustomerID string `gorm:"not null"`
	Status             string `gorm:"not null"`
	PriceID            string `gorm:"not null;default:''"`
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool      `gorm:"not null;default:false"`
	EventCreatedAt     time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (PaymentSubscription) TableName() string { return "payment_subscriptions" }

// AutoMigrate creates the schema for development databases. Production schemas come from
// the migrations package.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CreditAccount{},
		&CreditTransaction{},
		&PaymentCustomerLink{},
		&WebhookEvent{},
		&PaymentSubscription{},
	)
}
