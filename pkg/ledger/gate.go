package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultRefundTimeout = 10 * time.Second

// ChargeRequest describes a costly action paid for with credits.
type ChargeRequest struct {
	UserID      UserID
	Cost        Credits
	Description Description
	// ActionName names the action in the refund description, e.g. "logo generation".
	ActionName string
}

// ChargeResult carries the action's value and the balance left after the deduction.
type ChargeResult[T any] struct {
	Value            T
	CreditsRemaining Credits
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRefundTimeout bounds how long a refund may take after the action failed.
func WithRefundTimeout(timeout time.Duration) GateOption {
	return func(gate *Gate) {
		if timeout > 0 {
			gate.refundTimeout = timeout
		}
	}
}

// Gate wraps costly actions in a debit, execute, refund-on-failure protocol.
//
// A failed action is always refunded, including ambiguous failures such as timeouts
// where the remote side may have completed the work.
type Gate struct {
	service       *Service
	refundTimeout time.Duration
}

// NewGate wires a Gate over a Service.
func NewGate(service *Service, options ...GateOption) (*Gate, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	gate := &Gate{service: service, refundTimeout: defaultRefundTimeout}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// RunCharged deducts request.Cost, runs action and refunds the cost when action fails.
// The deduction is committed before action starts. The refund runs detached from ctx
// so a disconnected caller cannot cancel it.
func RunCharged[T any](ctx context.Context, gate *Gate, request ChargeRequest, action func(ctx context.Context) (T, error)) (ChargeResult[T], error) {
	remaining, err := gate.service.Deduct(ctx, request.UserID, request.Cost, request.Description)
	if err != nil {
		return ChargeResult[T]{}, err
	}

	value, actionErr := runAction(ctx, action)
	if actionErr == nil {
		return ChargeResult[T]{Value: value, CreditsRemaining: remaining}, nil
	}

	failure := fmt.Errorf("%w: %w", ErrActionFailed, actionErr)
	refundDescription, err := NewDescription(refundDescriptionPrefix + actionName(request))
	if err != nil {
		return ChargeResult[T]{}, errors.Join(failure, fmt.Errorf("%w: %w", ErrRefundFailed, err))
	}
	refundContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), gate.refundTimeout)
	defer cancel()
	if _, err := gate.service.Refund(refundContext, request.UserID, request.Cost, refundDescription); err != nil {
		return ChargeResult[T]{}, errors.Join(failure, fmt.Errorf("%w: %w", ErrRefundFailed, err))
	}
	return ChargeResult[T]{}, failure
}

func runAction[T any](ctx context.Context, action func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("action panicked: %v", recovered)
		}
	}()
	return action(ctx)
}

func actionName(request ChargeRequest) string {
	name := strings.TrimSpace(request.ActionName)
	if name == "" {
		return "action"
	}
	return name
}
