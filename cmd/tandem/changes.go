package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var (
	changesFrom          int64
	changesLimit         int
	changesExcludeOrigin string
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Dump the local change log as JSON lines",
	Args:  cobra.NoArgs,
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

		enc := json.NewEncoder(cmd.OutOrStdout())
		cursor := changesFrom
		for {
			entries, hasMore, err := store.FetchChanges(ctx, cursor, changesLimit, changesExcludeOrigin)
			if err != nil {
				return exitErrf(exitDatabase, "fetch changes: %v", err)
			}
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			// An explicit limit means one page; without it, drain the log.
			if changesLimit > 0 || !hasMore || len(entries) == 0 {
				return nil
			}
			cursor = entries[len(entries)-1].Version
		}
	},
}

func init() {
	changesCmd.Flags().Int64Var(&changesFrom, "from", 0, "start after this version")
	changesCmd.Flags().IntVar(&changesLimit, "limit", 0, "print at most one page of this size")
	changesCmd.Flags().StringVar(&changesExcludeOrigin, "exclude-origin", "", "skip entries captured by this origin")
	rootCmd.AddCommand(changesCmd)
}
