// Package natsconn provides the shared NATS connection factory used by the
// replicated store and the analytics publisher.
package natsconn

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/watch-party/internal/platform/config"
)

// Options configures the NATS connection behaviour.
// Zero values fall back to env vars or built-in defaults.
type Options struct {
	URL           string
	Name          string        // connection name reported to the server
	MaxReconnects int           // default from NATS_MAX_RECONNECTS or 5
	ReconnectWait time.Duration // default from NATS_RECONNECT_WAIT or 2s
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = config.String("NATS_URL", "nats://nats:4222")
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = config.Int("NATS_MAX_RECONNECTS", 5)
	}
	if o.ReconnectWait == 0 {
		o.ReconnectWait = config.Duration("NATS_RECONNECT_WAIT", 2*time.Second)
	}
	return o
}

// Connect establishes a NATS connection with the configured retry policy.
// On failure after all retries it returns an error so the caller can fail-fast.
func Connect(opts Options) (*nats.Conn, error) {
	opts = opts.withDefaults()

	natsOpts := []nats.Option{
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}

// JetStream connects and returns a JetStream context bound to the connection.
// The caller owns the connection and must close it.
func JetStream(opts Options) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := Connect(opts)
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("nats jetstream: %w", err)
	}
	return nc, js, nil
}
