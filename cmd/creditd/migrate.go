package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MarkoPoloResearchLab/logoledger/internal/store/migrations"
)

func migrateUp(cmd *cobra.Command, cfg *runtimeConfig) error {
	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		return err
	}
	return printVersion(cmd, cfg)
}

func migrateDown(cmd *cobra.Command, cfg *runtimeConfig) error {
	if err := migrations.Down(cfg.DatabaseURL); err != nil {
		return err
	}
	return printVersion(cmd, cfg)
}

func printVersion(cmd *cobra.Command, cfg *runtimeConfig) error {
	version, dirty, err := migrations.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}
