// Package mysql implements the centralized-server dialect adapter on
// go-sql-driver/mysql. Suppression uses a real session variable on a pinned
// connection; version allocation rides the log table's AUTO_INCREMENT.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
)

// Config holds server connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

// Open connects to the server and verifies the connection. The DSN enables
// parseTime and a generous timeout; the pool is sized for a handful of
// concurrent apply and fetch paths.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	if cfg.User == "" {
		cfg.User = "root"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=30s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	if cfg.TLS {
		dsn += "&tls=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open server connection: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The server may be briefly unavailable on startup ordering; retry the
	// ping for transient errors only.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error {
		pingErr := db.PingContext(ctx)
		if pingErr != nil && isRetryableError(pingErr) {
			return pingErr
		}
		if pingErr != nil {
			return backoff.Permanent(pingErr)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping server: %w", err)
	}

	return db, nil
}

// isRetryableError returns true if the error is a transient connection error.
// go-sql-driver has no built-in retry; stale pool connections, brief network
// blips and server restarts all surface as these.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "driver: bad connection") {
		return true
	}
	if strings.Contains(errStr, "invalid connection") {
		return true
	}
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	// Server restart: the server may come back within the backoff window.
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	// Error 2013: mid-query disconnect.
	if strings.Contains(errStr, "lost connection") {
		return true
	}
	// Error 2006: idle connection timeout.
	if strings.Contains(errStr, "gone away") {
		return true
	}
	if strings.Contains(errStr, "i/o timeout") {
		return true
	}
	return false
}
