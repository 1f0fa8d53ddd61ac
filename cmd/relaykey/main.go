// Command relaykey administers relay credentials in the configured store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"tokenrelay/config"
	"tokenrelay/internal/cache"
	"tokenrelay/internal/credential"
	"tokenrelay/internal/logging"
	"tokenrelay/internal/storage"
	"tokenrelay/internal/usage"
)

func main() {
	os.Exit(run())
}

func run() int {
	result, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return 1
	}
	cfg := result.Config
	slog.SetDefault(logging.New(logging.Config{Format: cfg.Logging.Format, Level: "warn"}, os.Stderr))

	ctx := context.Background()
	store, err := storage.New(ctx, storage.Config{
		Type:       cfg.Storage.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.Storage.PostgreSQL.URL, MaxConns: cfg.Storage.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: cfg.Storage.MongoDB.URL, Database: cfg.Storage.MongoDB.Database},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open storage:", err)
		return 1
	}
	defer store.Close()

	creds, err := credential.New(ctx, store)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open credential store:", err)
		return 1
	}
	defer creds.Close()

	c := &cli{
		store:        creds,
		hasher:       credential.NewHasher(cfg.Auth.Pepper),
		keyPrefix:    cfg.Auth.KeyPrefix,
		defaultLimit: cfg.Quota.DefaultTokenLimit,
		in:           os.Stdin,
		out:          os.Stdout,
		table:        term.IsTerminal(int(os.Stdout.Fd())),
		now:          time.Now,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		c.readSecret = terminalSecret
	}

	if cfg.Usage.Enabled {
		u, err := usage.New(ctx, usage.Config{Enabled: true, RetentionDays: 0}, store)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to open usage store:", err)
			return 1
		}
		defer u.Close()
		c.reader = u.Reader
	}

	if cfg.Auth.CacheBackend == "redis" && cfg.Redis.URL != "" {
		client, err := storage.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			slog.Warn("redis unavailable, cached credentials expire on their own", "error", err)
		} else {
			defer func(client *redis.Client) { _ = client.Close() }(client)
			c.cache = cache.NewRedisCache(client, time.Duration(cfg.Auth.CacheTTL)*time.Second)
		}
	}

	if err := c.run(ctx, os.Args[1:]); err != nil {
		// bare errUsage means the usage text was already printed
		if err.Error() != errUsage.Error() {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 2
	}
	return 0
}
