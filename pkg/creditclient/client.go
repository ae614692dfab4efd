// Package creditclient is a Go client for the credit API. WaitForPurchase polls checkout
// verification after a redirect back from the hosted checkout page; credits are granted by
// the webhook ingestor, so polling only reflects state and never causes a grant.
package creditclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultMaxAttempts  = 10
	defaultPollInterval = 2 * time.Second
	defaultHTTPTimeout  = 10 * time.Second
	verifyPath          = "/api/checkout/verify"
	balancePath         = "/api/balance"
	sessionStatusExpire = "expired"
	maxErrorBodyBytes   = 4096
)

var (
	// ErrPaymentPending means the payment has not been reflected yet; the caller may keep waiting.
	ErrPaymentPending = errors.New("payment not yet reflected")
	// ErrPaymentFailed means the checkout ended without payment; stop and show an error.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrNothingToGrant means the payment succeeded but resolves to zero credits, so no grant will follow.
	ErrNothingToGrant = errors.New("payment grants no credits")
	// ErrInsufficientCredits means the user must buy credits first.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSessionNotFound     = errors.New("checkout session not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidConfig       = errors.New("invalid client config")
)

// APIError is a non-success response that maps to no sentinel.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("credit api error (status %d, code %s): %s", apiError.StatusCode, apiError.Code, apiError.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	MaxAttempts int
	Interval    time.Duration
}

// Client calls the credit API on behalf of one authenticated user.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxAttempts int
	interval    time.Duration
	sleep       func(ctx context.Context, duration time.Duration) error
}

// New validates config and fills defaults.
func New(config Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.Token) == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidConfig)
	}
	client := &Client{
		baseURL:     baseURL,
		token:       strings.TrimSpace(config.Token),
		httpClient:  config.HTTPClient,
		maxAttempts: config.MaxAttempts,
		interval:    config.Interval,
		sleep:       sleepContext,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if client.maxAttempts <= 0 {
		client.maxAttempts = defaultMaxAttempts
	}
	if client.interval <= 0 {
		client.interval = defaultPollInterval
	}
	return client, nil
}

// Verification mirrors the verify endpoint's response.
type Verification struct {
	Success       bool   `json:"success"`
	Credits       int64  `json:"credits"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Granted       bool   `json:"granted"`
	PaymentStatus string `json:"payment_status"`
	SessionStatus string `json:"session_status"`
}

// Verify reports the current state of sessionID.
func (client *Client) Verify(ctx context.Context, sessionID string) (Verification, error) {
	var verification Verification
	err := client.do(ctx, http.MethodPost, verifyPath, map[string]string{"session_id": sessionID}, &verification)
	return verification, err
}

// Balance returns the caller's spendable credits.
func (client *Client) Balance(ctx context.Context) (int64, error) {
	var response struct {
		Credits int64 `json:"credits"`
	}
	if err := client.do(ctx, http.MethodGet, balancePath, nil, &response); err != nil {
		return 0, err
	}
	return response.Credits, nil
}

// WaitForPurchase polls until the ingestor has granted the session's credits.
// It returns ErrPaymentFailed for expired sessions, ErrNothingToGrant for paid sessions worth
// zero credits and ErrPaymentPending once attempts run out.
func (client *Client) WaitForPurchase(ctx context.Context, sessionID string) (Verification, error) {
	var last Verification
	for attempt := 1; attempt <= client.maxAttempts; attempt++ {
		verification, err := client.Verify(ctx, sessionID)
		if err != nil {
			return Verification{}, err
		}
		last = verification
		if verification.Success && verification.Granted {
			return verification, nil
		}
		if !verification.Success && verification.SessionStatus == sessionStatusExpire {
			return verification, ErrPaymentFailed
		}
		if verification.Success && !verification.Granted && verification.Credits == 0 {
			return verification, ErrNothingToGrant
		}
		if attempt == client.maxAttempts {
			break
		}
		if err := client.sleep(ctx, client.interval); err != nil {
			return last, err
		}
	}
	return last, ErrPaymentPending
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (client *Client) do(ctx context.Context, method string, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("call credit api: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		var envelope errorEnvelope
		_ = json.Unmarshal(raw, &envelope)
		return classify(response.StatusCode, envelope)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classify(statusCode int, envelope errorEnvelope) error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case statusCode == http.StatusNotFound:
		return ErrSessionNotFound
	case statusCode == http.StatusPaymentRequired || envelope.Error.Code == "insufficient_credits":
		return ErrInsufficientCredits
	}
	return &APIError{StatusCode: statusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
