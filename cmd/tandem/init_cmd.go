package main

import (
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the sync schema, install capture triggers and register peers",
	Long: `Creates the sync_log, sync_state and sync_peer tables, assigns this
node a stable origin id, installs capture triggers on every configured table
and registers the configured peers. Safe to run repeatedly; triggers are
recreated to match the current table shapes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.DB().Close() }()

		if err := store.Install(ctx, tableConfigs(cfg)); err != nil {
			return exitErrf(exitDatabase, "install: %v", err)
		}
		for _, p := range cfg.Peers {
			if err := store.UpsertPeer(ctx, p.ID, p.Endpoint); err != nil {
				return exitErrf(exitDatabase, "register peer %s: %v", p.ID, err)
			}
		}

		origin, err := store.Origin(ctx)
		if err != nil {
			return exitErrf(exitDatabase, "origin: %v", err)
		}
		printf(cmd, "initialized %s node, origin %s, %d tables, %d peers\n",
			store.Dialect().Name(), origin, len(cfg.Tables), len(cfg.Peers))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
