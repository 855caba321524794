package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"plontis/internal/services/ledger"
)

func NewRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a site identity",
		Long: `Revoke marks a site identity as revoked. Its API key stops authenticating
immediately; events it already submitted remain in the market aggregates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			siteHash, _ := cmd.Flags().GetString("site-hash")
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, closeStore, err := openStore(cmd.Context(), cfg.Store, log)
			if err != nil {
				return err
			}
			defer closeStore()

			svc := ledger.New(st, log.Named("ledger"))
			current, err := svc.Lookup(cmd.Context(), siteHash)
			if err != nil {
				return fmt.Errorf("lookup %s: %w", siteHash, err)
			}
			if !current.Active() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already revoked at %s\n", current.SiteHash, current.RevokedAt.Format(time.RFC3339))
				return nil
			}

			id, err := svc.Revoke(cmd.Context(), siteHash)
			if err != nil {
				return fmt.Errorf("revoke %s: %w", siteHash, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s\n", id.SiteHash, id.Status, id.RevokedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("site-hash", "", "Site hash to revoke")
	_ = cmd.MarkFlagRequired("site-hash")
	return cmd
}
