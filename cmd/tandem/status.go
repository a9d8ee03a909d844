package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandemsync/tandem/internal/rpc"
)

var statusEndpoint string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show origin, log head and peer watermarks",
	Long: `Reads the local sync state and prints the origin id, the log head
version and the per-peer watermarks. With a running node it also queries the
diagnostics endpoint; unresolved dependencies make the command exit 4 so
operator scripts can alarm on them.`,
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

		origin, err := store.Origin(ctx)
		if err != nil {
			return exitErrf(exitDatabase, "origin: %v", err)
		}
		head, err := store.MaxVersion(ctx)
		if err != nil {
			return exitErrf(exitDatabase, "log head: %v", err)
		}
		printf(cmd, "origin:   %s\nlog head: %d\n", origin, head)

		peers, err := store.ListPeers(ctx)
		if err != nil {
			return exitErrf(exitDatabase, "peers: %v", err)
		}
		for _, p := range peers {
			state := ""
			if p.Quarantined {
				state = "  QUARANTINED"
			}
			printf(cmd, "peer %-16s pulled=%d pushed=%d%s\n", p.ID, p.LastPulled, p.LastPushed, state)
		}

		endpoint := statusEndpoint
		if endpoint == "" {
			endpoint = "http://" + cfg.Listen
		}
		diag, err := fetchDiagnostics(endpoint, cfg.AuthToken)
		if err != nil {
			// A stopped node is not an error for status.
			return nil
		}
		if diag.DeferredCount > 0 {
			printf(cmd, "deferred entries: %d\n", diag.DeferredCount)
		}
		if n := len(diag.HashMismatches); n > 0 {
			printf(cmd, "hash mismatches: %d\n", n)
		}
		if len(diag.Unresolved) > 0 {
			for _, u := range diag.Unresolved {
				printf(cmd, "unresolved: version %d %s pk=%s\n", u.Version, u.Table, u.PkValue)
			}
			return exitErrf(exitUnresolved, "%d unresolved entries require operator attention", len(diag.Unresolved))
		}
		return nil
	},
}

func fetchDiagnostics(endpoint, token string) (*rpc.DiagnosticsResponse, error) {
	req, err := http.NewRequest(http.MethodGet, endpoint+"/sync/diagnostics", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("diagnostics returned %d", resp.StatusCode)
	}
	var diag rpc.DiagnosticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		return nil, err
	}
	return &diag, nil
}

func init() {
	statusCmd.Flags().StringVar(&statusEndpoint, "endpoint", "", "running node to query for diagnostics (default the configured listen address)")
	rootCmd.AddCommand(statusCmd)
}
