// Package store holds the replicated shared playback record.
//
// Every backend gives the same guarantees: Write merges only the fields
// present in the record, notifications carry the whole merged record, and
// one subscriber sees notifications one at a time in the order the writes
// were applied. Consecutive writes may be coalesced into one notification.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/watch-party/internal/platform/db"
	"github.com/example/watch-party/internal/platform/natsconn"
	"github.com/example/watch-party/services/watchsync/internal/playback"
)

var (
	ErrUnavailable = errors.New("shared state store unavailable")
	ErrEmptyPath   = errors.New("store path must not be empty")
)

type Store interface {
	Write(ctx context.Context, path string, rec playback.Record) error
	Subscribe(ctx context.Context, path string, fn func(playback.Record)) (unsubscribe func(), err error)
}

const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend     string
	NATS        natsconn.Options
	Bucket      string
	RedisURL    string
	DatabaseURL string
	ConnTimeout time.Duration
}

// Open connects the configured backend. The returned func releases its
// connections.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (Store, func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 10 * time.Second
	}

	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		log.Warn("using in-memory shared state; viewers in other processes will not sync")
		return NewMemory(), func() {}, nil

	case BackendNATS:
		nc, js, err := natsconn.JetStream(cfg.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		kv, err := NewNATSKV(js, cfg.Bucket, log)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return kv, func() { _ = nc.Drain() }, nil

	case BackendRedis:
		r, err := NewRedis(cfg.RedisURL, log)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
		defer cancel()
		if err := r.client.Ping(pingCtx).Err(); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return r, func() { _ = r.Close() }, nil

	case BackendPostgres:
		openCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
		defer cancel()
		pool, err := db.Open(openCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := NewPostgres(pool, log)
		if err := pg.EnsureSchema(openCtx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
