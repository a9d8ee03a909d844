package main

import (
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Trim fully pushed change log entries",
	Long: `Deletes log entries every registered peer has already received.
Tombstones are kept so late-joining peers still learn about deletions. With
no registered peers nothing is trimmed.`,
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

		removed, err := store.TrimLog(ctx)
		if err != nil {
			return exitErrf(exitDatabase, "trim log: %v", err)
		}
		printf(cmd, "trimmed %d entries\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
