package run

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestUntil_StartReturnsNil(t *testing.T) {
	r := New(zap.NewNop())
	code := r.Until(context.Background(), func(context.Context) error { return nil })
	if code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
}

func TestUntil_StartFails(t *testing.T) {
	r := New(zap.NewNop())
	code := r.Until(context.Background(), func(context.Context) error { return errors.New("boom") })
	if code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
}

func TestUntil_ServerClosedIsClean(t *testing.T) {
	r := New(zap.NewNop())
	code := r.Until(context.Background(), func(context.Context) error { return http.ErrServerClosed })
	if code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
}

func TestUntil_ContextCancelled(t *testing.T) {
	r := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code := r.Until(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return errors.New("late")
	})
	if code != 0 {
		t.Fatalf("expected 0 on cancellation, got %d", code)
	}
}

func TestGraceful_PassesDeadline(t *testing.T) {
	r := New(zap.NewNop())
	r.ShutdownTimeout = time.Second
	var hadDeadline bool
	r.Graceful(func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})
	if !hadDeadline {
		t.Fatal("expected shutdown context to carry a deadline")
	}
}
