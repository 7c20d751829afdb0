package main

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/watch-party/internal/platform/analytics"
	"github.com/example/watch-party/internal/platform/eventloop"
	"github.com/example/watch-party/internal/platform/httpserver"
	"github.com/example/watch-party/internal/platform/logging"
	"github.com/example/watch-party/internal/platform/natsconn"
	"github.com/example/watch-party/internal/platform/run"
	"github.com/example/watch-party/services/watchsync/internal/config"
	"github.com/example/watch-party/services/watchsync/internal/handlers"
	"github.com/example/watch-party/services/watchsync/internal/player"
	"github.com/example/watch-party/services/watchsync/internal/store"
	"github.com/example/watch-party/services/watchsync/internal/syncengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	baseLog, err := logging.New(cfg.App.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = baseLog.Sync() }()
	log := logging.ForViewer(baseLog, cfg.App.ServiceName, cfg.ViewerID)

	ctx := context.Background()
	st, closeStore, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		log.Error("open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
		run.Exit(1)
	}
	defer closeStore()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-" + cfg.Store.Backend,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	st = store.WithBreaker(st, cb)

	var publisher *analytics.Publisher
	if cfg.AnalyticsEnabled {
		nc, js, err := natsconn.JetStream(natsconn.Options{Name: cfg.App.ServiceName + "-analytics"})
		if err != nil {
			log.Warn("analytics disabled: nats unavailable", zap.Error(err))
		} else {
			defer func() { _ = nc.Drain() }()
			publisher = analytics.New(js, cfg.ViewerID, log)
		}
	}

	loop := eventloop.New()
	sim := player.NewSim(player.SimOptions{
		Fetcher: player.NewManifestFetcher(cfg.ManifestTimeout),
	})
	ctrl := player.NewController(sim, loop, log)
	engine, err := syncengine.New(syncengine.Options{
		ViewerID:       cfg.ViewerID,
		Path:           cfg.SyncPath,
		Store:          st,
		Player:         ctrl,
		Loop:           loop,
		Log:            log,
		DriftThreshold: cfg.DriftThreshold,
		WriteTimeout:   cfg.WriteTimeout,
		Events:         publisher.Emit,
	})
	if err != nil {
		log.Error("init sync engine", zap.Error(err))
		run.Exit(1)
	}
	session := syncengine.NewHandle(engine, loop)

	var subscribed atomic.Bool
	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		Logger: log,
		ReadyFunc: func() error {
			if !subscribed.Load() {
				return errors.New("shared state not subscribed")
			}
			return nil
		},
	})
	handlers.Mount(r, session)
	srv := httpserver.New(httpserver.Options{Addr: cfg.App.HTTP.Addr, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		loopErr := make(chan error, 1)
		go func() { loopErr <- loop.Run(ctx) }()

		var startErr error
		if err := loop.Do(ctx, func() { startErr = engine.Start(ctx) }); err != nil {
			return err
		}
		if startErr != nil {
			cancel()
			<-loopErr
			return startErr
		}
		subscribed.Store(true)

		if cfg.InitialSource != "" {
			if err := session.ChangeVideo(ctx, cfg.InitialSource); err != nil {
				log.Warn("initial source", zap.String("url", cfg.InitialSource), zap.Error(err))
			}
		}

		serveErr := srv.Run(ctx, log)
		cancel()
		<-loopErr
		// The loop has exited; nothing else touches the engine now.
		engine.Stop()
		return serveErr
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}
