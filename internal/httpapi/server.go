// Package httpapi is the public HTTP boundary: the payment webhook, the credit API and checkout.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/logoledger/internal/checkout"
	"github.com/MarkoPoloResearchLab/logoledger/internal/generation"
	"github.com/MarkoPoloResearchLab/logoledger/internal/ingest"
	"github.com/MarkoPoloResearchLab/logoledger/internal/observability"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const stripeSignatureHeader = "Stripe-Signature"

// CreditReader serves balance and history reads.
type CreditReader interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	History(ctx context.Context, userID ledger.UserID, cursor ledger.HistoryCursor, limit int) ([]ledger.Transaction, error)
}

// LogoGenerator produces a paid logo.
type LogoGenerator interface {
	Generate(ctx context.Context, userID ledger.UserID, request generation.LogoRequest) (generation.Logo, error)
}

// CheckoutService opens and verifies checkout sessions.
type CheckoutService interface {
	CreateSession(ctx context.Context, userID ledger.UserID, email string, priceID string) (checkout.Session, error)
	VerifySession(ctx context.Context, userID ledger.UserID, sessionID string) (checkout.Verification, error)
}

// WebhookReceiver authenticates and stores provider events.
type WebhookReceiver interface {
	Receive(ctx context.Context, payload []byte, signatureHeader string) (ingest.Receipt, error)
}

// Dependencies are the collaborators behind the routes.
type Dependencies struct {
	Credits  CreditReader
	Logos    LogoGenerator
	Checkout CheckoutService
	Webhooks WebhookReceiver
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Credits == nil:
		return errors.New("credit reader dependency is nil")
	case deps.Logos == nil:
		return errors.New("logo generator dependency is nil")
	case deps.Checkout == nil:
		return errors.New("checkout dependency is nil")
	case deps.Webhooks == nil:
		return errors.New("webhook receiver dependency is nil")
	case deps.Metrics == nil:
		return errors.New("metrics dependency is nil")
	}
	return nil
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter validates cfg and builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("http config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("http dependencies: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler := &httpHandler{deps: deps, cfg: cfg, logger: deps.Logger}
	verifier := newTokenVerifier(cfg.JWTSigningKey, cfg.JWTIssuer)
	limiter := newUserRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, deps.Metrics)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware(deps.Metrics))
	router.Use(requestLogger(deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(verifier.middleware())
	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)
	api.POST("/logos", limiter.middleware(), handler.handleLogo)
	api.POST("/checkout/sessions", handler.handleCreateCheckout)
	api.POST("/checkout/verify", limiter.middleware(), handler.handleVerifyCheckout)

	return router, nil
}

type httpHandler struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// handleStripeWebhook passes the raw body to the receiver; nothing is parsed before the
// signature is verified.
func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "unreadable body"))
		return
	}
	receipt, err := handler.deps.Webhooks.Receive(ctx.Request.Context(), payload, ctx.GetHeader(stripeSignatureHeader))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true, "duplicate": receipt.Duplicate})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	principal, ok := handler.requirePrincipal(ctx)
	if !ok {
		return
	}
	balance, err := handler.deps.Credits.Balance(ctx.Request.Context(), principal.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{UserID: principal.UserID.String(), Credits: balance.Int64()})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	principal, ok := handler.requirePrincipal(ctx)
	if !ok {
		return
	}
	limit, err := optionalInt(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "limit must be an integer"))
		return
	}
	cursor, err := historyCursor(ctx.Query("before"), ctx.Query("before_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, err.Error()))
		return
	}
	transactions, err := handler.deps.Credits.History(ctx.Request.Context(), principal.UserID, cursor, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		item := transactionPayload{
			ID:             transaction.ID.String(),
			Kind:           transaction.Kind.String(),
			Amount:         transaction.Amount.Int64(),
			SignedAmount:   transaction.SignedAmount(),
			Description:    transaction.Description.String(),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		}
		if transaction.ExternalPaymentID != nil {
			item.ExternalPaymentID = transaction.ExternalPaymentID.String()
		}
		payload = append(payload, item)
	}
	response := gin.H{"transactions": payload}
	if len(transactions) > 0 {
		next := ledger.CursorAfter(transactions[len(transactions)-1])
		response["next"] = cursorPayload{Before: next.BeforeUnixUTC, BeforeID: next.BeforeID.String()}
	}
	ctx.JSON(http.StatusOK, response)
}

// historyCursor reads the before/before_id pair a previous page returned as "next".
func historyCursor(rawBefore string, rawBeforeID string) (ledger.HistoryCursor, error) {
	var before int64
	if rawBefore != "" {
		parsed, err := strconv.ParseInt(rawBefore, 10, 64)
		if err != nil || parsed < 0 {
			return ledger.HistoryCursor{}, errors.New("before must be a unix timestamp")
		}
		before = parsed
	}
	cursor := ledger.HistoryCursor{BeforeUnixUTC: before}
	if rawBeforeID == "" {
		return cursor, nil
	}
	if before == 0 {
		return ledger.HistoryCursor{}, errors.New("before_id requires before")
	}
	beforeID, err := ledger.NewTransactionID(rawBeforeID)
	if err != nil {
		return ledger.HistoryCursor{}, errors.New("before_id must be a transaction id")
	}
	cursor.BeforeID = beforeID
	return cursor, nil
}

func (handler *httpHandler) handleLogo(ctx *gin.Context) {
	principal, ok := handler.requirePrincipal(ctx)
	if !ok {
		return
	}
	var request generation.LogoRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	logo, err := handler.deps.Logos.Generate(requestCtx, principal.UserID, request)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, logoResponse{ImageURL: logo.ImageURL, CreditsRemaining: logo.CreditsRemaining.Int64()})
}

func (handler *httpHandler) handleCreateCheckout(ctx *gin.Context) {
	principal, ok := handler.requirePrincipal(ctx)
	if !ok {
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.PriceID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "price_id is required"))
		return
	}
	session, err := handler.deps.Checkout.CreateSession(ctx.Request.Context(), principal.UserID, principal.Email, request.PriceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session_id": session.ID, "url": session.URL})
}

func (handler *httpHandler) handleVerifyCheckout(ctx *gin.Context) {
	principal, ok := handler.requirePrincipal(ctx)
	if !ok {
		return
	}
	var request verifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.SessionID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "session_id is required"))
		return
	}
	verification, err := handler.deps.Checkout.VerifySession(ctx.Request.Context(), principal.UserID, request.SessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := verifyResponse{
		Success:       verification.Success,
		Granted:       verification.Granted,
		PaymentStatus: verification.PaymentStatus,
		SessionStatus: verification.SessionStatus,
	}
	if verification.Success {
		credits := verification.Credits.Int64()
		amount := verification.Amount
		response.Credits = &credits
		response.Amount = &amount
		response.Currency = verification.Currency
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) requirePrincipal(ctx *gin.Context) (Principal, bool) {
	principal, ok := getPrincipal(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return Principal{}, false
	}
	return principal, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	mapping := mapError(err)
	if mapping.status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", routePath(ctx)), zap.Error(err))
	}
	_ = ctx.Error(err)
	ctx.JSON(mapping.status, errorResponse(mapping.code, mapping.message))
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

type transactionPayload struct {
	ID                string `json:"id"`
	Kind              string `json:"kind"`
	Amount            int64  `json:"amount"`
	SignedAmount      int64  `json:"signed_amount"`
	Description       string `json:"description"`
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

type cursorPayload struct {
	Before   int64  `json:"before"`
	BeforeID string `json:"before_id"`
}

type logoResponse struct {
	ImageURL         string `json:"image_url"`
	CreditsRemaining int64  `json:"credits_remaining"`
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

type verifyResponse struct {
	Success       bool   `json:"success"`
	Credits       *int64 `json:"credits,omitempty"`
	Amount        *int64 `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Granted       bool   `json:"granted"`
	PaymentStatus string `json:"payment_status,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`
}
