// Package migrations applies the versioned Postgres schema.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

const (
	sourceName   = "iofs"
	sourceDir    = "sql"
	driverScheme = "pgx5://"
)

var ErrUnsupportedURL = errors.New("migrations require a postgres url")

// Up applies every pending migration. An up-to-date schema is not an error.
func Up(databaseURL string) error {
	return run(databaseURL, func(migrator *migrate.Migrate) error {
		return migrator.Up()
	})
}

// Down rolls back the latest migration.
func Down(databaseURL string) error {
	return run(databaseURL, func(migrator *migrate.Migrate) error {
		return migrator.Steps(-1)
	})
}

// Version reports the applied schema version and whether a migration failed midway.
func Version(databaseURL string) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := run(databaseURL, func(migrator *migrate.Migrate) error {
		var versionErr error
		version, dirty, versionErr = migrator.Version()
		if errors.Is(versionErr, migrate.ErrNilVersion) {
			return nil
		}
		return versionErr
	})
	return version, dirty, err
}

func run(databaseURL string, step func(migrator *migrate.Migrate) error) error {
	driverURL, err := driverURL(databaseURL)
	if err != nil {
		return err
	}
	source, err := iofs.New(files, sourceDir)
	if err != nil {
		return fmt.Errorf("migrations: open source: %w", err)
	}
	migrator, err := migrate.NewWithSourceInstance(sourceName, source, driverURL)
	if err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	defer func() {
		_, _ = migrator.Close()
	}()
	if err := step(migrator); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

func driverURL(databaseURL string) (string, error) {
	trimmed := strings.TrimSpace(databaseURL)
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(trimmed, prefix) {
			return driverScheme + strings.TrimPrefix(trimmed, prefix), nil
		}
	}
	if strings.HasPrefix(trimmed, driverScheme) {
		return trimmed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, databaseURL)
}
