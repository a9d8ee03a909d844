package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tandemsync/tandem/internal/apply"
	"github.com/tandemsync/tandem/internal/coordinator"
	"github.com/tandemsync/tandem/internal/hub"
	"github.com/tandemsync/tandem/internal/mapping"
	"github.com/tandemsync/tandem/internal/rpc"
	"github.com/tandemsync/tandem/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync node: HTTP surface, peer coordinators and the subscription feeder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if err := telemetry.Init(ctx, "tandem", version); err != nil {
			log.Printf("serve: telemetry disabled: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()
		metrics := telemetry.NewSyncMetrics()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.DB().Close() }()

		// Re-run the install so config edits (new tables, changed exclusions)
		// take effect on restart.
		if err := store.Install(ctx, tableConfigs(cfg)); err != nil {
			return exitErrf(exitDatabase, "install: %v", err)
		}
		for _, p := range cfg.Peers {
			if err := store.UpsertPeer(ctx, p.ID, p.Endpoint); err != nil {
				return exitErrf(exitDatabase, "register peer %s: %v", p.ID, err)
			}
		}

		var mappings *mapping.Provider
		if cfg.MappingFile != "" {
			mappings, err = mapping.NewProvider(cfg.MappingFile)
			if err != nil {
				return exitErrf(exitConfig, "%v", err)
			}
		} else {
			mappings = mapping.NewStatic(&mapping.Config{UnmappedBehavior: mapping.UnmappedPassThrough})
		}

		h := hub.New()
		if cfg.SinkSize > 0 {
			h.SetSinkSize(cfg.SinkSize)
		}
		h.SetLinger(cfg.Linger())
		h.SetOverflowHook(func() { metrics.Overflow(context.Background()) })
		defer h.Close()

		engine := apply.New(store)
		engine.SetNotify(h.Publish)

		feeder := hub.NewFeeder(store, h)
		feeder.SetInterval(cfg.FeedInterval())
		feeder.SetObserver(func(n int) { metrics.Captured(context.Background(), int64(n)) })

		server := rpc.NewHTTPServer(store, engine, h, mappings, cfg.Listen, cfg.AuthToken)
		server.SetHeartbeat(cfg.Heartbeat())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Start(gctx) })
		g.Go(func() error { return feeder.Run(gctx) })
		if cfg.MappingFile != "" {
			g.Go(func() error { return mappings.Watch(gctx) })
		}
		for _, p := range cfg.Peers {
			peer := p
			g.Go(func() error {
				client := coordinator.NewClient(peer.Endpoint, peer.Token)
				co := coordinator.New(store, engine, mappings, peer.ID, client)
				co.SetPollInterval(cfg.PollInterval())
				co.SetBatchLimit(cfg.BatchLimit)
				co.SetMetrics(metrics)
				return co.Run(gctx)
			})
		}

		log.Printf("serve: %s node listening on %s, %d peers", store.Dialect().Name(), cfg.Listen, len(cfg.Peers))
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return exitErrf(exitDatabase, "serve: %v", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
