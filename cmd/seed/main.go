package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hubenschmidt/voice-agent/internal/env"
	"github.com/hubenschmidt/voice-agent/internal/profile"
	"github.com/hubenschmidt/voice-agent/internal/store"
)

func main() {
	file := flag.String("file", env.Str("PROFILE_FILE", "profiles.yaml"), "YAML file of business profiles")
	dbURL := flag.String("database-url", env.Str("DATABASE_URL", ""), "Postgres connection string")
	redisURL := flag.String("redis-url", env.Str("REDIS_URL", ""), "Redis URL; cached profiles are invalidated when set")
	flag.Parse()

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "usage: seed --file profiles.yaml --database-url postgres://...")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	fs, err := profile.LoadFile(*file)
	if err != nil {
		slog.Error("load profiles", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := store.Open(ctx, *dbURL)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	pg := profile.NewPostgresStore(db)

	var cache *profile.CachedLookup
	if *redisURL != "" {
		opts, err := redis.ParseURL(*redisURL)
		if err != nil {
			slog.Error("redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		cache = profile.NewCachedLookup(pg, rdb, 0)
	}

	var total int
	for _, p := range fs.All() {
		if err := pg.Upsert(ctx, p); err != nil {
			slog.Error("seed profile", "number", p.Number, "error", err)
			continue
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, p.Number); err != nil {
				slog.Warn("invalidate cached profile", "number", p.Number, "error", err)
			}
		}
		total++
		slog.Info("seeded", "number", p.Number, "business", p.BusinessName)
	}

	slog.Info("done", "profiles", total, "file", *file)
}
