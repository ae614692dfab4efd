package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "LOGOLEDGER"

	flagDatabaseURL         = "database-url"
	flagAutoMigrate         = "auto-migrate"
	flagHTTPAddr            = "http-addr"
	flagGRPCAddr            = "grpc-addr"
	flagAdminToken          = "admin-token"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagRequestTimeout      = "request-timeout"
	flagRateLimitRPS        = "rate-limit-rps"
	flagRateLimitBurst      = "rate-limit-burst"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeAPIBaseURL    = "stripe-api-base-url"
	flagSuccessURL          = "checkout-success-url"
	flagCancelURL           = "checkout-cancel-url"
	flagCatalogFile         = "catalog-file"
	flagImageAPIURL         = "image-api-url"
	flagImageAPIKey         = "image-api-key"
	flagImageModel          = "image-model"
	flagLogoCost            = "logo-cost"
	flagQueueURL            = "queue-url"
	flagQueueKey            = "queue-key"
	flagWorkers             = "workers"
	flagLogLevel            = "log-level"
	flagLogDevelopment      = "log-development"

	defaultDatabaseURL  = "sqlite://data/logoledger.db"
	defaultHTTPAddr     = ":8080"
	defaultGRPCAddr     = ":7000"
	defaultImageAPIURL  = "https://api.openai.com"
	defaultQueueURL     = "memory://"
	defaultQueueKey     = "logoledger:webhook-events"
	defaultWorkers      = 4
	defaultLogoCost     = 1
	defaultLogLevel     = "info"
	memoryQueueCapacity = 1024
)

type runtimeConfig struct {
	DatabaseURL         string
	AutoMigrate         bool
	HTTPAddr            string
	GRPCAddr            string
	AdminToken          string
	AllowedOrigins      []string
	JWTSigningKey       string
	JWTIssuer           string
	RequestTimeout      time.Duration
	RateLimitRPS        float64
	RateLimitBurst      int
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBaseURL    string
	SuccessURL          string
	CancelURL           string
	CatalogFile         string
	ImageAPIURL         string
	ImageAPIKey         string
	ImageModel          string
	LogoCost            int64
	QueueURL            string
	QueueKey            string
	Workers             int
	LogLevel            string
	LogDevelopment      bool
}

func registerServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres://, sqlite:// or memory:// database url")
	flags.Bool(flagAutoMigrate, true, "apply migrations (postgres) or auto-migrate (sqlite) at startup")
	flags.String(flagHTTPAddr, defaultHTTPAddr, "HTTP listen address")
	flags.String(flagGRPCAddr, defaultGRPCAddr, "admin gRPC listen address; empty disables it")
	flags.String(flagAdminToken, "", "bearer token required by the admin gRPC API")
	flags.StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	flags.String(flagJWTSigningKey, "", "HS256 key for API bearer tokens")
	flags.String(flagJWTIssuer, "", "required issuer of API bearer tokens")
	flags.Duration(flagRequestTimeout, 0, "timeout for paid generation requests")
	flags.Float64(flagRateLimitRPS, 0, "per-user requests per second on rate-limited routes")
	flags.Int(flagRateLimitBurst, 0, "per-user burst on rate-limited routes")
	flags.String(flagStripeSecretKey, "", "Stripe secret API key")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.String(flagStripeAPIBaseURL, "", "override the Stripe API endpoint")
	flags.String(flagSuccessURL, "", "checkout success redirect url")
	flags.String(flagCancelURL, "", "checkout cancel redirect url")
	flags.String(flagCatalogFile, "", "price catalog file; empty uses the built-in catalog")
	flags.String(flagImageAPIURL, defaultImageAPIURL, "image generation API base url")
	flags.String(flagImageAPIKey, "", "image generation API key")
	flags.String(flagImageModel, "", "image generation model")
	flags.Int64(flagLogoCost, defaultLogoCost, "credits charged per logo")
	flags.String(flagQueueURL, defaultQueueURL, "memory:// or redis:// webhook event queue")
	flags.String(flagQueueKey, defaultQueueKey, "redis list key for webhook events")
	flags.Int(flagWorkers, defaultWorkers, "webhook processing workers")
	flags.String(flagLogLevel, defaultLogLevel, "log level")
	flags.Bool(flagLogDevelopment, false, "human-readable development logging")
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	reader := viper.New()
	reader.SetEnvPrefix(envPrefix)
	reader.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	reader.AutomaticEnv()
	if err := reader.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return reader, nil
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	reader, err := newViper(cmd)
	if err != nil {
		return err
	}
	cfg.DatabaseURL = strings.TrimSpace(reader.GetString(flagDatabaseURL))
	cfg.AutoMigrate = reader.GetBool(flagAutoMigrate)
	cfg.HTTPAddr = reader.GetString(flagHTTPAddr)
	cfg.GRPCAddr = strings.TrimSpace(reader.GetString(flagGRPCAddr))
	cfg.AdminToken = reader.GetString(flagAdminToken)
	cfg.AllowedOrigins = reader.GetStringSlice(flagAllowedOrigins)
	cfg.JWTSigningKey = reader.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = reader.GetString(flagJWTIssuer)
	cfg.RequestTimeout = reader.GetDuration(flagRequestTimeout)
	cfg.RateLimitRPS = reader.GetFloat64(flagRateLimitRPS)
	cfg.RateLimitBurst = reader.GetInt(flagRateLimitBurst)
	cfg.StripeSecretKey = reader.GetString(flagStripeSecretKey)
	cfg.StripeWebhookSecret = reader.GetString(flagStripeWebhookSecret)
	cfg.StripeAPIBaseURL = reader.GetString(flagStripeAPIBaseURL)
	cfg.SuccessURL = reader.GetString(flagSuccessURL)
	cfg.CancelURL = reader.GetString(flagCancelURL)
	cfg.CatalogFile = reader.GetString(flagCatalogFile)
	cfg.ImageAPIURL = reader.GetString(flagImageAPIURL)
	cfg.ImageAPIKey = reader.GetString(flagImageAPIKey)
	cfg.ImageModel = reader.GetString(flagImageModel)
	cfg.LogoCost = reader.GetInt64(flagLogoCost)
	cfg.QueueURL = strings.TrimSpace(reader.GetString(flagQueueURL))
	cfg.QueueKey = reader.GetString(flagQueueKey)
	cfg.Workers = reader.GetInt(flagWorkers)
	cfg.LogLevel = reader.GetString(flagLogLevel)
	cfg.LogDevelopment = reader.GetBool(flagLogDevelopment)
	return cfg.validate()
}

func loadMigrateConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	reader := viper.New()
	reader.SetEnvPrefix(envPrefix)
	reader.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	reader.AutomaticEnv()
	if err := reader.BindPFlag(flagDatabaseURL, cmd.Flag(flagDatabaseURL)); err != nil {
		return err
	}
	cfg.DatabaseURL = strings.TrimSpace(reader.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	return nil
}

func (cfg *runtimeConfig) validate() error {
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.QueueURL == "" {
		cfg.QueueURL = defaultQueueURL
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = defaultQueueKey
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.LogoCost <= 0 {
		return fmt.Errorf("logo cost must be positive, got %d", cfg.LogoCost)
	}
	switch {
	case strings.TrimSpace(cfg.JWTSigningKey) == "":
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	case strings.TrimSpace(cfg.StripeSecretKey) == "":
		return fmt.Errorf("%s is required", flagStripeSecretKey)
	case strings.TrimSpace(cfg.StripeWebhookSecret) == "":
		return fmt.Errorf("%s is required", flagStripeWebhookSecret)
	case strings.TrimSpace(cfg.ImageAPIKey) == "":
		return fmt.Errorf("%s is required", flagImageAPIKey)
	}
	return nil
}
