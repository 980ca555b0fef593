package redisholder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trunov/webpconv/internal/config"
)

var ErrNoNodes = errors.New("no redis nodes defined")

// Build connects to the configured nodes, cluster first, and keeps the
// connection alive in the background until ctx ends.
func Build(ctx context.Context, cfg config.RedisConfig) (*Holder, error) {
	cl, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	h := NewHolder(cl)
	go healthLoop(ctx, h, cfg)
	return h, nil
}

func connect(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	if len(cfg.Nodes) > 1 {
		cl, err := newClusterClient(ctx, cfg)
		if err == nil {
			return cl, nil
		}
		log.Printf("[redis] cluster client failed (%v); using single-node client", err)
	}
	cl, err := newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return cl, nil
}

func healthLoop(ctx context.Context, h *Holder, cfg config.RedisConfig) {
	interval := cfg.HealthCheckInterval * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log.Printf("[redis] health loop started (interval=%v)", interval)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			log.Printf("[redis] health loop stopped (%v)", ctx.Err())
			return
		case <-t.C:
			checkAndReconnect(ctx, h, cfg)
		}
	}
}

func checkAndReconnect(ctx context.Context, h *Holder, cfg config.RedisConfig) {
	err := h.Ping(ctx)
	if err == nil {
		return
	}
	log.Printf("[redis] ping failed (%v); attempting reconnect", err)

	newCl, err := connect(ctx, cfg)
	if err != nil {
		log.Printf("[redis] reconnect failed: %v", err)
		return
	}
	if old := h.swap(newCl); old != nil {
		_ = old.Close()
	}
	log.Printf("[redis] reconnected")
}

func newClusterClient(ctx context.Context, cfg config.RedisConfig) (*redis.ClusterClient, error) {
	addrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		addrs = append(addrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          addrs,
		DialTimeout:    cfg.DialTimeout * time.Second,
		ReadTimeout:    cfg.ReadTimeout * time.Second,
		WriteTimeout:   cfg.WriteTimeout * time.Second,
		PoolSize:       poolSize(cfg),
		PoolTimeout:    30 * time.Second,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}
	return cl, nil
}

func newClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	stickyErr := ErrNoNodes

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout * time.Second,
			ReadTimeout:  cfg.ReadTimeout * time.Second,
			WriteTimeout: cfg.WriteTimeout * time.Second,
			PoolSize:     poolSize(cfg),
		})

		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server %s: %w", node.Addr(), err)
			continue
		}
		return cl, nil
	}

	return nil, stickyErr
}

func poolSize(cfg config.RedisConfig) int {
	if cfg.PoolSize > 0 {
		return cfg.PoolSize
	}
	return 20
}
