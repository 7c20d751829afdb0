package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/example/watch-party/services/watchsync/internal/playback"
)

type breakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// WithBreaker fails writes fast with ErrUnavailable while cb is open.
// Subscriptions are not affected.
func WithBreaker(s Store, cb *gobreaker.CircuitBreaker) Store {
	if cb == nil {
		return s
	}
	return &breakerStore{Store: s, cb: cb}
}

func (b *breakerStore) Write(ctx context.Context, path string, rec playback.Record) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Store.Write(ctx, path, rec)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
