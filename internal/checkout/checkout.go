// Package checkout opens checkout sessions and lets clients re-verify a payment.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/logoledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

var (
	ErrInvalidConfig    = errors.New("invalid checkout config")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrUnknownPrice     = errors.New("unknown price")
)

// CustomerLinkStore persists the user to provider-customer link.
type CustomerLinkStore interface {
	// CustomerForUser returns payments.ErrCustomerNotLinked when userID has no link.
	CustomerForUser(ctx context.Context, userID ledger.UserID) (string, error)
	// LinkCustomer stores the link unless one exists and returns the stored customer id.
	LinkCustomer(ctx context.Context, userID ledger.UserID, customerID string) (string, error)
}

// Verification is the read-only view of a checkout session for its owner.
type Verification struct {
	Success       bool
	Credits       ledger.Credits
	Amount        int64
	Currency      string
	Granted       bool
	PaymentStatus string
	SessionStatus string
}

// Session is a freshly opened checkout.
type Session struct {
	ID  string
	URL string
}

// Config lists the Service's collaborators.
type Config struct {
	Provider   payments.Provider
	Links      CustomerLinkStore
	Catalog    *catalog.Catalog
	Ledger     *ledger.Service
	SuccessURL string
	CancelURL  string
	Logger     *zap.Logger
}

// Service verifies and creates checkout sessions.
type Service struct {
	provider   payments.Provider
	links      CustomerLinkStore
	catalog    *catalog.Catalog
	ledger     *ledger.Service
	successURL string
	cancelURL  string
	logger     *zap.Logger
}

// NewService validates config and builds a Service.
func NewService(config Config) (*Service, error) {
	if config.Provider == nil || config.Links == nil || config.Catalog == nil || config.Ledger == nil {
		return nil, fmt.Errorf("%w: provider, links, catalog and ledger are required", ErrInvalidConfig)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:   config.Provider,
		links:      config.Links,
		catalog:    config.Catalog,
		ledger:     config.Ledger,
		successURL: config.SuccessURL,
		cancelURL:  config.CancelURL,
		logger:     logger,
	}, nil
}

// VerifySession reports a session's payment state to its owner. It never grants credits;
// Granted tells whether the webhook ingestor has recorded the purchase yet.
// Sessions that are unknown or belong to another customer are reported as not found.
func (service *Service) VerifySession(ctx context.Context, userID ledger.UserID, sessionID string) (Verification, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Verification{}, ErrInvalidSessionID
	}
	customerID, err := service.links.CustomerForUser(ctx, userID)
	if errors.Is(err, payments.ErrCustomerNotLinked) {
		return Verification{}, fmt.Errorf("%w: caller has no payment customer", payments.ErrSessionNotFound)
	}
	if err != nil {
		return Verification{}, err
	}
	session, err := service.provider.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return Verification{}, err
	}
	if session.CustomerID == "" || session.CustomerID != customerID {
		service.logger.Warn("session verification for foreign session",
			zap.String("user_id", userID.String()), zap.String("session_id", sessionID))
		return Verification{}, payments.ErrSessionNotFound
	}
	if !session.Paid() {
		return Verification{
			Success:       false,
			PaymentStatus: session.PaymentStatus,
			SessionStatus: session.Status,
		}, nil
	}

	resolution := service.catalog.Resolve(session.PriceID, session.AmountTotal)
	externalPaymentID, err := ledger.NewExternalPaymentID(session.ID)
	if err != nil {
		return Verification{}, err
	}
	granted, err := service.ledger.PurchaseRecorded(ctx, externalPaymentID)
	if err != nil {
		return Verification{}, err
	}
	return Verification{
		Success:       true,
		Credits:       resolution.Credits,
		Amount:        session.AmountTotal,
		Currency:      session.Currency,
		Granted:       granted,
		PaymentStatus: session.PaymentStatus,
		SessionStatus: session.Status,
	}, nil
}

// CreateSession opens a checkout for priceID, creating the caller's provider customer on first use.
func (service *Service) CreateSession(ctx context.Context, userID ledger.UserID, email string, priceID string) (Session, error) {
	entry, ok := service.catalog.Lookup(priceID)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}
	customerID, err := service.ensureCustomer(ctx, userID, email)
	if err != nil {
		return Session{}, err
	}
	session, err := service.provider.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		CustomerID: customerID,
		PriceID:    entry.PriceID,
		Mode:       string(entry.Mode),
		UserID:     userID.String(),
		SuccessURL: service.successURL,
		CancelURL:  service.cancelURL,
	})
	if err != nil {
		return Session{}, err
	}
	service.logger.Info("checkout session created",
		zap.String("user_id", userID.String()), zap.String("session_id", session.ID), zap.String("price_id", entry.PriceID))
	return Session{ID: session.ID, URL: session.URL}, nil
}

func (service *Service) ensureCustomer(ctx context.Context, userID ledger.UserID, email string) (string, error) {
	customerID, err := service.links.CustomerForUser(ctx, userID)
	if err == nil {
		return customerID, nil
	}
	if !errors.Is(err, payments.ErrCustomerNotLinked) {
		return "", err
	}
	created, err := service.provider.CreateCustomer(ctx, userID.String(), email)
	if err != nil {
		return "", err
	}
	stored, err := service.links.LinkCustomer(ctx, userID, created)
	if err != nil {
		return "", err
	}
	if stored != created {
		service.logger.Warn("concurrent customer creation; using stored customer",
			zap.String("user_id", userID.String()), zap.String("stored_customer_id", stored), zap.String("orphaned_customer_id", created))
	}
	return stored, nil
}
