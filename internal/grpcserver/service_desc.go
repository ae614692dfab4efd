package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName                = "logoledger.admin.v1.LedgerAdmin"
	methodGetBalance           = "/" + serviceName + "/GetBalance"
	methodGrantCredits         = "/" + serviceName + "/GrantCredits"
	methodListTransactions     = "/" + serviceName + "/ListTransactions"
	serviceDescriptionMetadata = "logoledger/admin/v1/ledger_admin"
)

// LedgerAdminServer is the operator-facing ledger API.
type LedgerAdminServer interface {
	GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
	GrantCredits(ctx context.Context, request *GrantRequest) (*GrantResponse, error)
	ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error)
}

// RegisterLedgerAdminServer registers server on registrar.
func RegisterLedgerAdminServer(registrar grpc.ServiceRegistrar, server LedgerAdminServer) {
	registrar.RegisterService(&ledgerAdminServiceDesc, server)
}

var ledgerAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: getBalanceHandler},
		{MethodName: "GrantCredits", Handler: grantCreditsHandler},
		{MethodName: "ListTransactions", Handler: listTransactionsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceDescriptionMetadata,
}

func getBalanceHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(BalanceRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(LedgerAdminServer).GetBalance(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: methodGetBalance}
	return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
		return server.(LedgerAdminServer).GetBalance(ctx, request.(*BalanceRequest))
	})
}

func grantCreditsHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(GrantRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(LedgerAdminServer).GrantCredits(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: methodGrantCredits}
	return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
		return server.(LedgerAdminServer).GrantCredits(ctx, request.(*GrantRequest))
	})
}

func listTransactionsHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(ListTransactionsRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(LedgerAdminServer).ListTransactions(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: methodListTransactions}
	return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
		return server.(LedgerAdminServer).ListTransactions(ctx, request.(*ListTransactionsRequest))
	})
}

// Client calls LedgerAdmin with the JSON codec.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) GetBalance(ctx context.Context, request *BalanceRequest, options ...grpc.CallOption) (*BalanceResponse, error) {
	response := new(BalanceResponse)
	if err := client.conn.Invoke(ctx, methodGetBalance, request, response, withCodec(options)...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GrantCredits(ctx context.Context, request *GrantRequest, options ...grpc.CallOption) (*GrantResponse, error) {
	response := new(GrantResponse)
	if err := client.conn.Invoke(ctx, methodGrantCredits, request, response, withCodec(options)...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) ListTransactions(ctx context.Context, request *ListTransactionsRequest, options ...grpc.CallOption) (*ListTransactionsResponse, error) {
	response := new(ListTransactionsResponse)
	if err := client.conn.Invoke(ctx, methodListTransactions, request, response, withCodec(options)...); err != nil {
		return nil, err
	}
	return response, nil
}

func withCodec(options []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, options...)
}
