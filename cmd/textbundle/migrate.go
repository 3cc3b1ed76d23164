package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the catalog and queue tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		// openApp migrates.
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		a.Close()
		logger.WithField("database", cfg.Database.Path).Info("Schema is up to date")
		return nil
	},
}
