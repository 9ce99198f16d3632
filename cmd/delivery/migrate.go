// cmd/delivery/migrate.go
package main

import (
	"time"

	pet "entitlement-delivery/internal/workers/maintenance/purge-expired-tokens"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create missing tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.openStore(cmd.Context()); err != nil {
			return err
		}
		if err := a.store.Migrate(cmd.Context()); err != nil {
			return err
		}
		a.zapLog.Info("schema up to date", zap.String("driver", a.cfg.Database.Driver))
		return nil
	},
}

var purgeRetentionHours int

var purgeTokensCmd = &cobra.Command{
	Use:   "purge-tokens",
	Short: "Delete download tokens that expired before the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.openStore(cmd.Context()); err != nil {
			return err
		}

		cfg := pet.LoadConfig(a.cfg)
		cfg.Timeout = 10 * time.Minute
		out, err := pet.NewHandler(cfg, a.store, a.log).Execute(cmd.Context(), &pet.Input{RetentionHours: purgeRetentionHours})
		if err != nil {
			return err
		}
		cmd.Printf("purged %d tokens expired before %s\n", out.Purged, out.Cutoff)
		return nil
	},
}

func init() {
	purgeTokensCmd.Flags().IntVar(&purgeRetentionHours, "retention-hours", 0, "override tokens.retention_hours")
}
