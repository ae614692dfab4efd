package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/logoledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/logoledger/internal/checkout"
	"github.com/MarkoPoloResearchLab/logoledger/internal/generation"
	"github.com/MarkoPoloResearchLab/logoledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/logoledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/logoledger/internal/ingest"
	"github.com/MarkoPoloResearchLab/logoledger/internal/observability"
	"github.com/MarkoPoloResearchLab/logoledger/internal/payments"
	"github.com/MarkoPoloResearchLab/logoledger/internal/queue"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	storage, err := openStores(ctx, cfg.DatabaseURL, cfg.AutoMigrate, logger)
	if err != nil {
		return err
	}
	defer storage.cleanup()

	priceCatalog, err := catalog.LoadFile(cfg.CatalogFile)
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := ledger.NewService(storage.ledger, clock,
		ledger.WithOperationLogger(observability.NewOperationLogger(logger)),
		ledger.WithOperationLogger(metrics),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	gate, err := ledger.NewGate(creditService)
	if err != nil {
		return fmt.Errorf("credit gate init: %w", err)
	}

	provider, err := payments.NewStripeProvider(payments.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIBaseURL:    cfg.StripeAPIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("payment provider init: %w", err)
	}

	eventQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = eventQueue.Close() }()

	receiver, err := ingest.NewReceiver(provider, storage.payments, eventQueue,
		ingest.WithReceiverLogger(logger),
		ingest.WithReceiverRecorder(metrics),
	)
	if err != nil {
		return err
	}
	processor, err := ingest.NewProcessor(ingest.ProcessorConfig{
		Inbox:         storage.payments,
		Provider:      provider,
		Catalog:       priceCatalog,
		Ledger:        creditService,
		Customers:     storage.payments,
		Subscriptions: storage.payments,
		Retry:         ingest.DefaultRetryPolicy(),
		Logger:        logger,
		Recorder:      metrics,
	})
	if err != nil {
		return err
	}
	pool, err := ingest.NewPool(eventQueue, storage.payments, processor, ingest.PoolConfig{
		Workers: cfg.Workers,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	checkoutService, err := checkout.NewService(checkout.Config{
		Provider:   provider,
		Links:      storage.payments,
		Catalog:    priceCatalog,
		Ledger:     creditService,
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	generator, err := generation.NewHTTPGenerator(generation.HTTPConfig{
		BaseURL: cfg.ImageAPIURL,
		APIKey:  cfg.ImageAPIKey,
		Model:   cfg.ImageModel,
	}, nil)
	if err != nil {
		return err
	}
	logoService, err := generation.NewLogoService(gate, generator,
		generation.WithLogoLogger(logger),
		generation.WithCost(ledger.Credits(cfg.LogoCost)),
	)
	if err != nil {
		return err
	}

	httpConfig := httpapi.Config{
		ListenAddr:     cfg.HTTPAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}
	deps := httpapi.Dependencies{
		Credits:  creditService,
		Logos:    logoService,
		Checkout: checkoutService,
		Webhooks: receiver,
		Metrics:  metrics,
		Logger:   logger,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, httpConfig, deps)
	})
	group.Go(func() error {
		return pool.Run(groupCtx)
	})
	if cfg.GRPCAddr != "" {
		adminServer := grpcserver.NewServer(grpcserver.NewLedgerAdminService(creditService), logger, cfg.AdminToken)
		group.Go(func() error {
			return serveGRPC(groupCtx, adminServer, cfg.GRPCAddr, logger)
		})
	}
	return group.Wait()
}

func openQueue(ctx context.Context, cfg *runtimeConfig) (queue.Queue, error) {
	switch {
	case strings.HasPrefix(cfg.QueueURL, "memory://"):
		return queue.NewMemory(memoryQueueCapacity), nil
	case strings.HasPrefix(cfg.QueueURL, "redis://"), strings.HasPrefix(cfg.QueueURL, "rediss://"):
		return queue.DialRedis(ctx, cfg.QueueURL, cfg.QueueKey)
	default:
		return nil, fmt.Errorf("unsupported queue url %q", cfg.QueueURL)
	}
}

func serveGRPC(ctx context.Context, server *grpc.Server, addr string, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin gRPC server starting", zap.String("listen_addr", addr))
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		server.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
