package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"basegraph.app/triage/core/config"
)

// New builds the Client selected by cfg.Driver. The Redis driver pings the
// server so an unreachable broker fails at startup.
func New(ctx context.Context, cfg config.BrokerConfig) (Client, error) {
	switch cfg.Driver {
	case config.BrokerDriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return NewRedis(client, RedisConfig{
			StreamPrefix: cfg.StreamPrefix,
			BatchSize:    cfg.BatchSize,
			ClaimMinIdle: cfg.ClaimMinIdle,
		}), nil
	case config.BrokerDriverPandaproxy, "":
		return NewPandaproxy(cfg.ProxyURL), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
