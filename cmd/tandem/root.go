package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tandemsync/tandem/internal/changelog"
	"github.com/tandemsync/tandem/internal/config"
	"github.com/tandemsync/tandem/internal/dialect"
	"github.com/tandemsync/tandem/internal/dialect/mysql"
	"github.com/tandemsync/tandem/internal/dialect/sqlite"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "tandem",
	Short:         "Offline-first bidirectional row sync",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default tandem.yaml in the working directory)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitErrf(exitConfig, "%v", err)
	}
	return cfg, nil
}

// openStore connects the configured database and wraps it in a log store.
// Failures map to the database-unavailable exit code.
func openStore(ctx context.Context, cfg *config.Config) (*changelog.Store, error) {
	var (
		db *sql.DB
		d  dialect.Dialect
	)
	switch cfg.Database.Driver {
	case "sqlite":
		sdb, err := sqlite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return nil, exitErrf(exitDatabase, "open sqlite %s: %v", cfg.Database.Path, err)
		}
		db, d = sdb, sqlite.New()
	case "mysql":
		mdb, err := mysql.Open(ctx, mysql.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			TLS:      cfg.Database.TLS,
		})
		if err != nil {
			return nil, exitErrf(exitDatabase, "connect mysql %s: %v", cfg.Database.Host, err)
		}
		db, d = mdb, mysql.New()
	default:
		return nil, exitErrf(exitConfig, "unknown database driver %q", cfg.Database.Driver)
	}
	return changelog.New(db, d), nil
}

func tableConfigs(cfg *config.Config) []changelog.TableConfig {
	out := make([]changelog.TableConfig, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		out = append(out, changelog.TableConfig{Name: t.Name, ExcludedColumns: t.ExcludedColumns})
	}
	return out
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
