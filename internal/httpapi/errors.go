package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/logoledger/internal/checkout"
	"github.com/MarkoPoloResearchLab/logoledger/internal/generation"
	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	codeInsufficientCredits = "insufficient_credits"
	codeGenerationFailed    = "generation_failed"
	codeRefundFailed        = "refund_failed"
	codeInvalidSignature    = "invalid_signature"
	codeInvalidRequest      = "invalid_request"
	codeSessionNotFound     = "session_not_found"
	codeUnauthorized        = "unauthorized"
	codeUpstream            = "upstream_error"
	codeRateLimited         = "rate_limited"
	codeTimeout             = "timeout"
	codeInternal            = "internal_error"
)

type errorMapping struct {
	status  int
	code    string
	message string
}

// mapError translates domain errors into the response envelope. Order matters:
// a failed refund is joined with the action failure, and a failed generation wraps
// the provider's upstream error.
func mapError(err error) errorMapping {
	var upstreamError *payments.UpstreamError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return errorMapping{http.StatusPaymentRequired, codeInsufficientCredits, "not enough credits; purchase more to continue"}
	case errors.Is(err, ledger.ErrRefundFailed):
		return errorMapping{http.StatusInternalServerError, codeRefundFailed, "logo generation failed and the credit could not be refunded; contact support"}
	case errors.Is(err, ledger.ErrActionFailed):
		return errorMapping{http.StatusBadGateway, codeGenerationFailed, "logo generation failed; your credit was refunded"}
	case errors.Is(err, payments.ErrSignatureVerificationFailed):
		return errorMapping{http.StatusBadRequest, codeInvalidSignature, "webhook signature verification failed"}
	case errors.Is(err, payments.ErrSessionNotFound):
		return errorMapping{http.StatusNotFound, codeSessionNotFound, "checkout session not found"}
	case isValidationError(err):
		return errorMapping{http.StatusBadRequest, codeInvalidRequest, err.Error()}
	case errors.As(err, &upstreamError):
		return errorMapping{http.StatusBadGateway, codeUpstream, "payment provider unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		return errorMapping{http.StatusGatewayTimeout, codeTimeout, "request timed out"}
	default:
		return errorMapping{http.StatusInternalServerError, codeInternal, "internal error"}
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		checkout.ErrInvalidSessionID,
		checkout.ErrUnknownPrice,
		generation.ErrInvalidRequest,
		ledger.ErrInvalidUserID,
		ledger.ErrInvalidDescription,
		ledger.ErrInvalidCredits,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
