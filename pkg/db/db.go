// Package db holds the Postgres plumbing behind the pgstore backend:
// pool configuration, connecting with retries, schema migrations and pool
// metrics.
package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
)

// Config describes how to reach Postgres and how large the pool may grow.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns a Config sized for a single-consumer worker.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "meetings",
		User:            "transcriber",
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig with the DB_* variables applied.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from DB_HOST, DB_PORT, DB_NAME, DB_USER,
// DB_PASSWORD, DB_SSLMODE, DB_MAX_CONNS and DB_MIN_CONNS. Unset variables
// and unparsable numbers leave the field alone.
func (c *Config) ApplyEnv() {
	strs := map[string]*string{
		"DB_HOST":     &c.Host,
		"DB_NAME":     &c.Database,
		"DB_USER":     &c.User,
		"DB_PASSWORD": &c.Password,
		"DB_SSLMODE":  &c.SSLMode,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v, ok := envInt("DB_PORT", 0); ok {
		c.Port = int(v)
	}
	if v, ok := envInt("DB_MAX_CONNS", 32); ok {
		c.MaxConns = int32(v)
	}
	if v, ok := envInt("DB_MIN_CONNS", 32); ok {
		c.MinConns = int32(v)
	}
}

func envInt(key string, bits int) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, bits)
	return v, err == nil
}

// ConnectionString renders the config as a postgres:// URL.
func (c *Config) ConnectionString() string {
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Validate reports every missing or inconsistent field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("database host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid database port: %d", c.Port))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("database user is required"))
	}
	if c.MaxConns < c.MinConns {
		errs = append(errs, fmt.Errorf("max connections (%d) must be >= min connections (%d)", c.MaxConns, c.MinConns))
	}
	return errors.Join(errs...)
}

func (c *Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	pc.MaxConnLifetime = c.MaxConnLifetime
	pc.MaxConnIdleTime = c.MaxConnIdleTime
	return pc, nil
}

// Connect opens a pool and pings it. The caller owns the returned pool.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", pc.ConnConfig.Host, err)
	}
	return pool, nil
}

// ConnectWithRetry retries Connect with a fixed delay. An invalid config
// fails immediately since retrying cannot fix it.
func ConnectWithRetry(ctx context.Context, cfg *Config, maxAttempts int, retryDelay time.Duration, logger logging.Logger) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		pool, err := Connect(ctx, cfg)
		if err == nil {
			if attempt > 1 {
				logger.Info("postgres connected", logging.F("attempt", attempt))
			}
			return pool, nil
		}
		lastErr = err
		logger.Warn("postgres connect failed",
			logging.F("host", cfg.Host),
			logging.F("attempt", attempt),
			logging.F("max_attempts", maxAttempts),
			logging.Err(err))

		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", maxAttempts, lastErr)
}
