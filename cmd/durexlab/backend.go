package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"
	gomongo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/internal/config"
	"github.com/petrijr/durex/mongo"
	"github.com/petrijr/durex/postgres"
	"github.com/petrijr/durex/redis"
)

// openEngine connects to the configured backend. The returned close func
// releases the connection.
func openEngine(ctx context.Context, cfg config.BackendConfig, obs durex.Observer) (durex.Engine, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case config.BackendMemory:
		return durex.NewInMemoryEngineWithObserver(obs), noop, nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", "file:"+cfg.SQLitePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		eng, err := durex.NewSQLiteEngineWithObserver(db, obs)
		if err != nil {
			return nil, nil, errors.Join(err, db.Close())
		}
		return eng, db.Close, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("ping postgres: %w", err), db.Close())
		}
		eng, err := postgres.NewPostgresEngineWithObserver(db, obs)
		if err != nil {
			return nil, nil, errors.Join(err, db.Close())
		}
		return eng, db.Close, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("ping redis: %w", err), client.Close())
		}
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = redis.DefaultPrefix
		}
		return redis.NewRedisEngineWithPrefix(client, prefix, obs), client.Close, nil

	case config.BackendMongo:
		client, err := gomongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		eng, err := mongo.NewMongoEngineWithOptions(ctx, client, mongo.Options{
			Database: cfg.MongoDatabase,
			Observer: obs,
		})
		if err != nil {
			return nil, nil, errors.Join(err, disconnect())
		}
		return eng, disconnect, nil
	}
	return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
}
