// Package config loads the node configuration: the database to sync, the
// tables under capture, the peers to exchange with, and the tuning knobs.
// Values come from a YAML or JSON file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the file and environment leave a knob unset.
const (
	DefaultListen              = "127.0.0.1:8844"
	DefaultPollIntervalSeconds = 30
	DefaultBatchLimit          = 1000
	DefaultHeartbeatSeconds    = 15
	DefaultLingerSeconds       = 30
	DefaultFeedMillis          = 1000
)

// Database selects the dialect adapter and its connection parameters.
type Database struct {
	// Driver is "sqlite" or "mysql".
	Driver string `mapstructure:"driver"`
	// Path is the sqlite database file.
	Path string `mapstructure:"path"`
	// Server connection settings for the mysql driver.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	TLS      bool   `mapstructure:"tls"`
}

// Table names one application table under change capture.
type Table struct {
	Name            string   `mapstructure:"name"`
	ExcludedColumns []string `mapstructure:"excludedColumns"`
}

// Peer names one remote node to pull from and push to. Endpoint values may
// reference environment variables ("${CLINICAL_API_URL}") which are expanded
// at load time.
type Peer struct {
	ID       string `mapstructure:"id"`
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// Config is the full node configuration.
type Config struct {
	Listen    string   `mapstructure:"listen"`
	AuthToken string   `mapstructure:"authToken"`
	Database  Database `mapstructure:"database"`
	Tables    []Table  `mapstructure:"tables"`
	Peers     []Peer   `mapstructure:"peers"`

	// MappingFile points at the declarative mapping config. Empty means
	// identity pass-through.
	MappingFile string `mapstructure:"mappingFile"`

	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
	BatchLimit          int `mapstructure:"batchLimit"`
	HeartbeatSeconds    int `mapstructure:"heartbeatSeconds"`
	LingerSeconds       int `mapstructure:"lingerSeconds"`
	FeedMillis          int `mapstructure:"feedMillis"`
	SinkSize            int `mapstructure:"sinkSize"`
}

// Load reads the config file at path (or searches for tandem.yaml in the
// working directory when path is empty) and applies environment overrides
// POLL_INTERVAL_SECONDS and SYNC_BATCH_LIMIT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("pollIntervalSeconds", DefaultPollIntervalSeconds)
	v.SetDefault("batchLimit", DefaultBatchLimit)
	v.SetDefault("heartbeatSeconds", DefaultHeartbeatSeconds)
	v.SetDefault("lingerSeconds", DefaultLingerSeconds)
	v.SetDefault("feedMillis", DefaultFeedMillis)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tandem")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	_ = v.BindEnv("pollIntervalSeconds", "POLL_INTERVAL_SECONDS")
	_ = v.BindEnv("batchLimit", "SYNC_BATCH_LIMIT")

	if err := v.ReadInConfig(); err != nil {
		// A missing default-location file is fine; an explicit path is not.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Peers {
		cfg.Peers[i].Endpoint = os.ExpandEnv(cfg.Peers[i].Endpoint)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values for internal consistency.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mysql":
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q (want sqlite or mysql)", c.Database.Driver)
	}

	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d]: missing name", i)
		}
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("peers[%d]: missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Endpoint == "" {
			return fmt.Errorf("peer %s: missing endpoint", p.ID)
		}
	}

	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("pollIntervalSeconds must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.BatchLimit <= 0 {
		return fmt.Errorf("batchLimit must be positive, got %d", c.BatchLimit)
	}
	return nil
}

// PollInterval returns the coordinator cycle interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Heartbeat returns the stream heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Linger returns how long a detached subscription survives.
func (c *Config) Linger() time.Duration {
	return time.Duration(c.LingerSeconds) * time.Second
}

// FeedInterval returns the hub feeder poll interval.
func (c *Config) FeedInterval() time.Duration {
	return time.Duration(c.FeedMillis) * time.Millisecond
}

// ExcludedColumns returns the capture exclusions for one table.
func (c *Config) ExcludedColumns(table string) []string {
	for _, t := range c.Tables {
		if t.Name == table {
			return t.ExcludedColumns
		}
	}
	return nil
}
