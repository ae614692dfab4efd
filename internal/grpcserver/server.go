// Package grpcserver exposes operator ledger operations over gRPC.
package grpcserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	errorInsufficientCredits            = "insufficient_credits"
	errorDuplicateExternalPayment       = "duplicate_external_payment_id"
	errorInvalidUserID                  = "invalid_user_id"
	errorInvalidCredits                 = "invalid_credits"
	errorInvalidDescription             = "invalid_description"
	errorInvalidExternalReference       = "invalid_external_reference"
	errorInvalidListLimit               = "invalid_list_limit"
	errorInvalidHistoryCursor           = "invalid_history_cursor"
	errorUnauthenticated                = "unauthenticated"
	adminReferencePrefix                = "admin:"
	authorizationMetadataKey            = "authorization"
	bearerPrefix                        = "Bearer "
	defaultAdminGrantDescription        = "Support grant"
	maxListTransactionsLimit      int32 = 100
)

// BalanceRequest asks for a user's balance.
type BalanceRequest struct {
	UserID string `json:"user_id"`
}

// BalanceResponse carries the spendable balance.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

// GrantRequest credits a user outside the payment flow. ExternalReference is required
// and makes the grant idempotent.
type GrantRequest struct {
	UserID            string `json:"user_id"`
	Credits           int64  `json:"credits"`
	Description       string `json:"description"`
	ExternalReference string `json:"external_reference"`
}

// GrantResponse reports the recorded transaction.
type GrantResponse struct {
	TransactionID string `json:"transaction_id"`
	Duplicate     bool   `json:"duplicate"`
}

// ListTransactionsRequest pages through a user's history, newest first.
// Continue a page by echoing the previous response's next cursor.
type ListTransactionsRequest struct {
	UserID              string `json:"user_id"`
	Limit               int32  `json:"limit"`
	BeforeUnixUTC       int64  `json:"before_unix_utc"`
	BeforeTransactionID string `json:"before_transaction_id"`
}

// Transaction is one history line.
type Transaction struct {
	TransactionID     string `json:"transaction_id"`
	Kind              string `json:"kind"`
	Amount            int64  `json:"amount"`
	Description       string `json:"description"`
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

// ListTransactionsResponse is a page of history.
// The next cursor is empty when the page is.
type ListTransactionsResponse struct {
	Transactions            []Transaction `json:"transactions"`
	NextBeforeUnixUTC       int64         `json:"next_before_unix_utc,omitempty"`
	NextBeforeTransactionID string        `json:"next_before_transaction_id,omitempty"`
}

// LedgerAdminService implements LedgerAdminServer over the ledger service.
type LedgerAdminService struct {
	creditService *ledger.Service
}

// NewLedgerAdminService constructs the admin service.
func NewLedgerAdminService(creditService *ledger.Service) *LedgerAdminService {
	return &LedgerAdminService{creditService: creditService}
}

// NewServer builds a gRPC server with the JSON codec, logging and optional token auth.
func NewServer(service LedgerAdminServer, logger *zap.Logger, adminToken string) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := grpc.NewServer(
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger), authInterceptor(adminToken)),
	)
	RegisterLedgerAdminServer(server, service)
	return server
}

func (service *LedgerAdminService) GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := service.creditService.Balance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &BalanceResponse{UserID: userID.String(), Credits: balance.Int64()}, nil
}

func (service *LedgerAdminService) GrantCredits(ctx context.Context, request *GrantRequest) (*GrantResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewCredits(request.Credits)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	descriptionValue := strings.TrimSpace(request.Description)
	if descriptionValue == "" {
		descriptionValue = defaultAdminGrantDescription
	}
	description, err := ledger.NewDescription(descriptionValue)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reference := strings.TrimSpace(request.ExternalReference)
	if reference == "" {
		return nil, status.Error(codes.InvalidArgument, errorInvalidExternalReference)
	}
	externalPaymentID, err := ledger.NewExternalPaymentID(adminReferencePrefix + reference)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, err := service.creditService.Grant(ctx, userID, amount, description, &externalPaymentID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &GrantResponse{TransactionID: result.TransactionID.String(), Duplicate: result.Duplicate}, nil
}

func (service *LedgerAdminService) ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if request.Limit < 0 || request.Limit > maxListTransactionsLimit {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	cursor, err := historyCursor(request)
	if err != nil {
		return nil, err
	}
	transactions, err := service.creditService.History(ctx, userID, cursor, int(request.Limit))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	response := &ListTransactionsResponse{Transactions: make([]Transaction, 0, len(transactions))}
	for _, transaction := range transactions {
		item := Transaction{
			TransactionID:  transaction.ID.String(),
			Kind:           transaction.Kind.String(),
			Amount:         transaction.Amount.Int64(),
			Description:    transaction.Description.String(),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		}
		if transaction.ExternalPaymentID != nil {
			item.ExternalPaymentID = transaction.ExternalPaymentID.String()
		}
		response.Transactions = append(response.Transactions, item)
	}
	if len(transactions) > 0 {
		next := ledger.CursorAfter(transactions[len(transactions)-1])
		response.NextBeforeUnixUTC = next.BeforeUnixUTC
		response.NextBeforeTransactionID = next.BeforeID.String()
	}
	return response, nil
}

func historyCursor(request *ListTransactionsRequest) (ledger.HistoryCursor, error) {
	if request.BeforeUnixUTC < 0 {
		return ledger.HistoryCursor{}, status.Error(codes.InvalidArgument, errorInvalidHistoryCursor)
	}
	cursor := ledger.HistoryCursor{BeforeUnixUTC: request.BeforeUnixUTC}
	if request.BeforeTransactionID == "" {
		return cursor, nil
	}
	if request.BeforeUnixUTC == 0 {
		return ledger.HistoryCursor{}, status.Error(codes.InvalidArgument, errorInvalidHistoryCursor)
	}
	beforeID, err := ledger.NewTransactionID(request.BeforeTransactionID)
	if err != nil {
		return ledger.HistoryCursor{}, status.Error(codes.InvalidArgument, errorInvalidHistoryCursor)
	}
	cursor.BeforeID = beforeID
	return cursor, nil
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		response, err := handler(ctx, request)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		}
		if err != nil {
			logger.Warn("admin rpc failed", append(fields, zap.Error(err))...)
			return response, err
		}
		logger.Info("admin rpc", fields...)
		return response, nil
	}
}

// authInterceptor requires "authorization: Bearer <token>" when token is configured.
func authInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" {
			return handler(ctx, request)
		}
		incoming, _ := metadata.FromIncomingContext(ctx)
		for _, value := range incoming.Get(authorizationMetadataKey) {
			presented := strings.TrimPrefix(value, bearerPrefix)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				return handler(ctx, request)
			}
		}
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidCredits) {
		return status.Error(codes.InvalidArgument, errorInvalidCredits)
	}
	if errors.Is(source, ledger.ErrInvalidDescription) {
		return status.Error(codes.InvalidArgument, errorInvalidDescription)
	}
	if errors.Is(source, ledger.ErrInvalidExternalPaymentID) {
		return status.Error(codes.InvalidArgument, errorInvalidExternalReference)
	}
	if errors.Is(source, ledger.ErrInsufficientCredits) {
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	}
	if errors.Is(source, ledger.ErrDuplicateExternalPaymentID) {
		return status.Error(codes.AlreadyExists, errorDuplicateExternalPayment)
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("ledger: %v", source))
}
