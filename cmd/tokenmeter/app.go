package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodrv "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/meter"
	"github.com/ineyio/tokenmeter/policy"
	"github.com/ineyio/tokenmeter/pricing"
	"github.com/ineyio/tokenmeter/store"
	"github.com/ineyio/tokenmeter/store/mongo"
	"github.com/ineyio/tokenmeter/store/postgres"
	"github.com/ineyio/tokenmeter/store/redis"
	"github.com/ineyio/tokenmeter/store/sqlite"
)

// app bundles everything a command needs. close releases the store.
type app struct {
	cfg    tokenmeter.Config
	logger *slog.Logger
	oracle *pricing.Oracle
	store  tokenmeter.LedgerStore
	engine *tokenmeter.Engine
	close  func()
}

func loadConfig() (tokenmeter.Config, error) {
	if cfgFile == "" {
		cfg := tokenmeter.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return tokenmeter.LoadConfig(cfgFile)
}

func newLogger(cfg tokenmeter.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore connects the ledger store selected by cfg.Store.Driver and
// prepares its schema.
func openStore(ctx context.Context, cfg tokenmeter.StoreConfig) (tokenmeter.LedgerStore, func(), error) {
	switch cfg.Driver {
	case tokenmeter.DriverMemory, "":
		return store.NewMemoryStore(), func() {}, nil

	case tokenmeter.DriverSQLite:
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case tokenmeter.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []postgres.Option
		if cfg.Prefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.Prefix))
		}
		s := postgres.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case tokenmeter.DriverRedis:
		ropts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		var opts []redis.Option
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Prefix))
		}
		return redis.New(client, opts...), func() { _ = client.Close() }, nil

	case tokenmeter.DriverMongo:
		client, err := mongodrv.Connect(options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		database := cfg.Database
		if database == "" {
			database = "tokenmeter"
		}
		s := mongo.New(client.Database(database), cfg.Prefix)
		if err := s.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		return s, closeFn, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// newApp loads config and wires the engine. Every engine event goes to the
// log meter and to each of the extra meters.
func newApp(ctx context.Context, extra ...tokenmeter.Meter) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	oracle, err := pricing.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, closeFn, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	var m tokenmeter.Meter = meter.NewLogMeter(logger)
	if len(extra) > 0 {
		m = meter.Multi(append([]tokenmeter.Meter{m}, extra...)...)
	}

	engine, err := tokenmeter.NewEngine(s,
		tokenmeter.WithPolicy(policy.NewPlanPolicy(policy.WithPlans(cfg.Plans))),
		tokenmeter.WithPlans(cfg.Plans),
		tokenmeter.WithPriceSource(oracle),
		tokenmeter.WithMeter(m),
		tokenmeter.WithLogger(logger),
	)
	if err != nil {
		closeFn()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		oracle: oracle,
		store:  s,
		engine: engine,
		close:  closeFn,
	}, nil
}

// withApp wraps a command body with app setup and teardown.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, a, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
