// Package cmd provides the CLI commands for penf-transcribe.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-transcribe/config"
	"github.com/otherjamesbrown/penf-transcribe/pkg/db"
	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store/mongostore"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store/pgstore"
)

// Deps holds the dependencies shared by all commands. Tests replace the
// factories to run commands against in-memory backends.
type Deps struct {
	LoadConfig func() (*config.Config, error)
	NewLogger  func(cfg *config.Config, sinks ...logging.Sink) logging.Logger
	OpenStore  func(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, error)
	NewBroker  func(cfg *config.Config, redisClient *redis.Client) (queue.Broker, error)
	NewRedis   func(cfg *config.Config) *redis.Client
	Out        io.Writer
	Now        func() time.Time
}

// DefaultDeps returns the production dependencies. configPath is read when a
// command runs so the --config flag is honored.
func DefaultDeps(configPath func() string) *Deps {
	return &Deps{
		LoadConfig: func() (*config.Config, error) {
			path := ""
			if configPath != nil {
				path = configPath()
			}
			return config.LoadConfig(path)
		},
		NewLogger: newLogger,
		OpenStore: openStore,
		NewBroker: newBroker,
		NewRedis:  newRedisClient,
		Out:       os.Stdout,
		Now:       time.Now,
	}
}

func orDefault(deps *Deps) *Deps {
	if deps == nil {
		return DefaultDeps(nil)
	}
	return deps
}

func newLogger(cfg *config.Config, sinks ...logging.Sink) logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:       logging.ParseLevel(cfg.LogLevel),
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		JSONFormat:  cfg.LogJSON,
		Output:      os.Stderr,
		Sinks:       sinks,
	})
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// newBroker builds the configured broker. redisClient is only used by the
// redis driver.
func newBroker(cfg *config.Config, redisClient *redis.Client) (queue.Broker, error) {
	switch cfg.Broker.Driver {
	case config.BrokerAMQP:
		return queue.NewAMQPBroker(queue.AMQPConfig{
			URL:         cfg.Broker.URL,
			ConsumerTag: cfg.Broker.ConsumerTag,
		}), nil
	case config.BrokerRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return queue.NewRedisBroker(redisClient, queue.RedisConfig{
			VisibilityTimeout: cfg.Redis.VisibilityTimeout,
			RetentionPeriod:   cfg.Redis.Retention,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// openStore connects the configured backend, retrying the initial connection.
func openStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		s, err := mongostore.Connect(ctx, mongostore.Config{
			URI:      cfg.Store.MongoURI,
			Database: cfg.Store.MongoDatabase,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		dbCfg := cfg.DBConfig()
		if err := dbCfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid database config: %w", err)
		}
		pool, err := db.ConnectWithRetry(ctx, dbCfg, 5, 5*time.Second, logger)
		if err != nil {
			return nil, err
		}
		return pgstore.New(pool), nil
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// usesRedis reports whether cfg needs a redis client.
func usesRedis(cfg *config.Config) bool {
	return cfg.Broker.Driver == config.BrokerRedis || cfg.Worker.MeetingLock
}

// writeFormatted encodes v as JSON or YAML. Text output is left to the caller.
func writeFormatted(w io.Writer, format config.OutputFormat, v any) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func parseFormat(s string) (config.OutputFormat, error) {
	if s == "" {
		return config.OutputFormatText, nil
	}
	f := config.OutputFormat(s)
	if !f.IsValid() {
		return "", fmt.Errorf("invalid output format: %q (must be text, json, or yaml)", s)
	}
	return f, nil
}
