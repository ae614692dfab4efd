package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/MarkoPoloResearchLab/logoledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	bufferSize     = 1024 * 1024
	testAdminToken = "admin-secret"
)

func TestGrantIsIdempotentByReference(t *testing.T) {
	client, cleanup := startServer(t, "")
	defer cleanup()
	ctx := context.Background()

	first, err := client.GrantCredits(ctx, &GrantRequest{UserID: "user-1", Credits: 10, ExternalReference: "ticket-7"})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	second, err := client.GrantCredits(ctx, &GrantRequest{UserID: "user-1", Credits: 10, ExternalReference: "ticket-7"})
	if err != nil {
		t.Fatalf("repeat grant failed: %v", err)
	}
	if first.Duplicate || !second.Duplicate || first.TransactionID != second.TransactionID {
		t.Fatalf("unexpected grant results: %+v, %+v", first, second)
	}

	balance, err := client.GetBalance(ctx, &BalanceRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance.Credits != 10 {
		t.Fatalf("expected 10 credits, got %d", balance.Credits)
	}

	history, err := client.ListTransactions(ctx, &ListTransactionsRequest{UserID: "user-1", Limit: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history.Transactions) != 1 {
		t.Fatalf("expected one transaction, got %d", len(history.Transactions))
	}
	entry := history.Transactions[0]
	if entry.Kind != "purchase" || entry.ExternalPaymentID != "admin:ticket-7" || entry.Description != defaultAdminGrantDescription {
		t.Fatalf("unexpected transaction: %+v", entry)
	}
}

func TestListTransactionsPagesWithNextCursor(t *testing.T) {
	client, cleanup := startServer(t, "")
	defer cleanup()
	ctx := context.Background()

	granted := make(map[string]bool)
	for _, reference := range []string{"ticket-1", "ticket-2", "ticket-3"} {
		response, err := client.GrantCredits(ctx, &GrantRequest{UserID: "user-pages", Credits: 1, ExternalReference: reference})
		if err != nil {
			t.Fatalf("grant failed: %v", err)
		}
		granted[response.TransactionID] = true
	}

	request := &ListTransactionsRequest{UserID: "user-pages", Limit: 2}
	seen := make(map[string]bool)
	for pageIndex := 0; pageIndex < 3; pageIndex++ {
		page, err := client.ListTransactions(ctx, request)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(page.Transactions) == 0 {
			if page.NextBeforeTransactionID != "" {
				t.Fatalf("empty page must not carry a cursor: %+v", page)
			}
			break
		}
		for _, transaction := range page.Transactions {
			if seen[transaction.TransactionID] {
				t.Fatalf("transaction %s listed twice", transaction.TransactionID)
			}
			seen[transaction.TransactionID] = true
		}
		request = &ListTransactionsRequest{
			UserID:              "user-pages",
			Limit:               2,
			BeforeUnixUTC:       page.NextBeforeUnixUTC,
			BeforeTransactionID: page.NextBeforeTransactionID,
		}
	}
	if len(seen) != len(granted) {
		t.Fatalf("expected %d transactions across pages, got %d", len(granted), len(seen))
	}
	for transactionID := range granted {
		if !seen[transactionID] {
			t.Fatalf("transaction %s missing from pages", transactionID)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	client, cleanup := startServer(t, "")
	defer cleanup()
	ctx := context.Background()

	testCases := []struct {
		name    string
		call    func() error
		code    codes.Code
		message string
	}{
		{
			name: "blank user",
			call: func() error {
				_, err := client.GetBalance(ctx, &BalanceRequest{UserID: " "})
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidUserID,
		},
		{
			name: "missing reference",
			call: func() error {
				_, err := client.GrantCredits(ctx, &GrantRequest{UserID: "user-2", Credits: 5})
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidExternalReference,
		},
		{
			name: "non-positive credits",
			call: func() error {
				_, err := client.GrantCredits(ctx, &GrantRequest{UserID: "user-2", Credits: 0, ExternalReference: "x"})
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidCredits,
		},
		{
			name: "limit too large",
			call: func() error {
				_, err := client.ListTransactions(ctx, &ListTransactionsRequest{UserID: "user-2", Limit: 1000})
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidListLimit,
		},
		{
			name: "transaction cursor without timestamp",
			call: func() error {
				_, err := client.ListTransactions(ctx, &ListTransactionsRequest{UserID: "user-2", BeforeTransactionID: "tx-1"})
				return err
			},
			code:    codes.InvalidArgument,
			message: errorInvalidHistoryCursor,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.call()
			statusInfo, ok := status.FromError(err)
			if !ok {
				t.Fatalf("expected gRPC status, got %v", err)
			}
			if statusInfo.Code() != testCase.code || statusInfo.Message() != testCase.message {
				t.Fatalf("expected %s %q, got %s %q", testCase.code, testCase.message, statusInfo.Code(), statusInfo.Message())
			}
		})
	}
}

func TestAdminTokenRequired(t *testing.T) {
	client, cleanup := startServer(t, testAdminToken)
	defer cleanup()

	_, err := client.GetBalance(context.Background(), &BalanceRequest{UserID: "user-3"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	authorized := metadata.AppendToOutgoingContext(context.Background(), authorizationMetadataKey, bearerPrefix+testAdminToken)
	if _, err := client.GetBalance(authorized, &BalanceRequest{UserID: "user-3"}); err != nil {
		t.Fatalf("authorized call failed: %v", err)
	}
}

func startServer(t *testing.T, adminToken string) (*Client, func()) {
	t.Helper()
	creditService, err := ledger.NewService(memstore.New(), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	listener := bufconn.Listen(bufferSize)
	server := NewServer(NewLedgerAdminService(creditService), nil, adminToken)
	go func() {
		_ = server.Serve(listener)
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return NewClient(conn), func() {
		_ = conn.Close()
		server.Stop()
		_ = listener.Close()
	}
}
