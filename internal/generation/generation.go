// Package generation calls the image-generation provider and charges for it through the ledger gate.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	actionName          = "logo generation"
	descriptionTemplate = "Logo generation for %s"
	maxBusinessName     = 120
)

var (
	ErrInvalidRequest = errors.New("invalid logo request")
	ErrInvalidConfig  = errors.New("invalid generation config")
	ErrEmptyResult    = errors.New("generator returned no image")
)

// UpstreamError reports a non-success response from the image provider.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (upstreamError *UpstreamError) Error() string {
	return fmt.Sprintf("image provider error (status %d): %s", upstreamError.StatusCode, upstreamError.Message)
}

// Generator produces an image for a prompt and returns its URL.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LogoRequest is the caller's description of the logo to draw.
type LogoRequest struct {
	BusinessName string `json:"business_name"`
	Industry     string `json:"industry"`
	Style        string `json:"style"`
	Colors       string `json:"colors"`
}

// Normalize trims every field and rejects requests without a usable business name.
func (request LogoRequest) Normalize() (LogoRequest, error) {
	normalized := LogoRequest{
		BusinessName: strings.TrimSpace(request.BusinessName),
		Industry:     strings.TrimSpace(request.Industry),
		Style:        strings.TrimSpace(request.Style),
		Colors:       strings.TrimSpace(request.Colors),
	}
	if normalized.BusinessName == "" {
		return LogoRequest{}, fmt.Errorf("%w: business name is required", ErrInvalidRequest)
	}
	if len(normalized.BusinessName) > maxBusinessName {
		return LogoRequest{}, fmt.Errorf("%w: business name exceeds %d characters", ErrInvalidRequest, maxBusinessName)
	}
	return normalized, nil
}

// Prompt renders the provider prompt.
func (request LogoRequest) Prompt() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "A professional, minimal logo for %q", request.BusinessName)
	if request.Industry != "" {
		fmt.Fprintf(&builder, ", a business in the %s industry", request.Industry)
	}
	if request.Style != "" {
		fmt.Fprintf(&builder, ". Style: %s", request.Style)
	}
	if request.Colors != "" {
		fmt.Fprintf(&builder, ". Color palette: %s", request.Colors)
	}
	builder.WriteString(". Flat vector artwork on a plain background, no photographic detail.")
	return builder.String()
}

// Logo is a generated image plus the balance left after paying for it.
type Logo struct {
	ImageURL         string
	CreditsRemaining ledger.Credits
}

// LogoServiceOption configures a LogoService.
type LogoServiceOption func(*LogoService)

// WithLogoLogger sets the zap logger.
func WithLogoLogger(logger *zap.Logger) LogoServiceOption {
	return func(service *LogoService) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithCost overrides the credits charged per generation.
func WithCost(cost ledger.Credits) LogoServiceOption {
	return func(service *LogoService) {
		if cost > 0 {
			service.cost = cost
		}
	}
}

// LogoService charges one credit per logo and refunds it when generation fails.
type LogoService struct {
	gate      *ledger.Gate
	generator Generator
	cost      ledger.Credits
	logger    *zap.Logger
}

// NewLogoService wires a LogoService.
func NewLogoService(gate *ledger.Gate, generator Generator, options ...LogoServiceOption) (*LogoService, error) {
	if gate == nil {
		return nil, fmt.Errorf("%w: gate dependency is nil", ErrInvalidConfig)
	}
	if generator == nil {
		return nil, fmt.Errorf("%w: generator dependency is nil", ErrInvalidConfig)
	}
	service := &LogoService{gate: gate, generator: generator, cost: 1, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Generate debits the user, calls the generator and returns the image URL.
// Insufficient balance surfaces as ledger.ErrInsufficientCredits before the provider is called;
// provider failures surface as ledger.ErrActionFailed after the refund.
func (service *LogoService) Generate(ctx context.Context, userID ledger.UserID, request LogoRequest) (Logo, error) {
	normalized, err := request.Normalize()
	if err != nil {
		return Logo{}, err
	}
	description, err := ledger.NewDescription(fmt.Sprintf(descriptionTemplate, normalized.BusinessName))
	if err != nil {
		return Logo{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	prompt := normalized.Prompt()
	result, err := ledger.RunCharged(ctx, service.gate, ledger.ChargeRequest{
		UserID:      userID,
		Cost:        service.cost,
		Description: description,
		ActionName:  actionName,
	}, func(ctx context.Context) (string, error) {
		imageURL, err := service.generator.Generate(ctx, prompt)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(imageURL) == "" {
			return "", ErrEmptyResult
		}
		return imageURL, nil
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrInsufficientCredits) {
			service.logger.Warn("logo generation failed",
				zap.String("user_id", userID.String()),
				zap.String("business_name", normalized.BusinessName),
				zap.Bool("refund_failed", errors.Is(err, ledger.ErrRefundFailed)),
				zap.Error(err),
			)
		}
		return Logo{}, err
	}
	return Logo{ImageURL: result.Value, CreditsRemaining: result.CreditsRemaining}, nil
}
