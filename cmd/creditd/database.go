package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/logoledger/internal/checkout"
	"github.com/MarkoPoloResearchLab/logoledger/internal/ingest"
	"github.com/MarkoPoloResearchLab/logoledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/logoledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/logoledger/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/logoledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

// paymentStore is everything besides the ledger that the payment path persists.
type paymentStore interface {
	checkout.CustomerLinkStore
	ingest.InboxStore
	ingest.CustomerResolver
	ingest.SubscriptionStore
}

type stores struct {
	ledger   ledger.Store
	payments paymentStore
	cleanup  func()
}

// openStores picks backends by DSN scheme. On Postgres the ledger hot path runs on pgx
// while customer links, the inbox and subscriptions go through GORM on the same database.
func openStores(ctx context.Context, dsn string, autoMigrate bool, logger *zap.Logger) (stores, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return stores{}, err
	}
	switch driver {
	case driverMemory:
		logger.Warn("using in-memory storage; state is lost on restart")
		store := memstore.New()
		return stores{ledger: store, payments: store, cleanup: func() {}}, nil
	case driverSQLite:
		gormDB, closeDB, err := openGorm(ctx, sqlite.Open(sqlitePath))
		if err != nil {
			return stores{}, err
		}
		if autoMigrate {
			if err := gormstore.AutoMigrate(gormDB); err != nil {
				closeDB()
				return stores{}, fmt.Errorf("auto migrate: %w", err)
			}
		}
		store := gormstore.New(gormDB)
		return stores{ledger: store, payments: store, cleanup: closeDB}, nil
	case driverPostgres:
		if autoMigrate {
			if err := migrations.Up(dsn); err != nil {
				return stores{}, err
			}
		}
		gormDB, closeDB, err := openGorm(ctx, postgres.Open(dsn))
		if err != nil {
			return stores{}, err
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			closeDB()
			return stores{}, fmt.Errorf("pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			closeDB()
			return stores{}, fmt.Errorf("pgx ping: %w", err)
		}
		cleanup := func() {
			pool.Close()
			closeDB()
		}
		return stores{ledger: pgstore.New(pool), payments: gormstore.New(gormDB), cleanup: cleanup}, nil
	default:
		return stores{}, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

func openGorm(ctx context.Context, dialector gorm.Dialector) (*gorm.DB, func(), error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if dialector.Name() == driverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under concurrent grants.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() { _ = sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "memory://") {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Host + parsed.Path
		if path == "" || path == "/" {
			path = "logoledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	cleaned := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return "", err
	}
	return cleaned, nil
}
