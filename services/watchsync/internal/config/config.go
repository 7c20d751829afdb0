package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	platformconfig "github.com/example/watch-party/internal/platform/config"
	"github.com/example/watch-party/internal/platform/natsconn"
	"github.com/example/watch-party/services/watchsync/internal/store"
)

type Config struct {
	App platformconfig.AppConfig

	ViewerID       string
	SyncPath       string
	Store          store.Config
	DriftThreshold float64
	WriteTimeout   time.Duration

	// Circuit-breaker settings for store writes.
	CBMaxRequests      uint32
	CBInterval         time.Duration
	CBTimeout          time.Duration
	CBFailureThreshold uint32

	ManifestTimeout  time.Duration
	InitialSource    string
	AnalyticsEnabled bool
}

func Load() (Config, error) {
	app := platformconfig.Load("watchsync")

	viewerID := platformconfig.String("VIEWER_ID", "")
	if viewerID == "" {
		viewerID = defaultViewerID()
	}

	backend := strings.ToLower(platformconfig.String("STORE_BACKEND", store.BackendMemory))
	cfg := Config{
		App:      app,
		ViewerID: viewerID,
		SyncPath: platformconfig.String("SYNC_PATH", "syncState"),
		Store: store.Config{
			Backend: backend,
			NATS: natsconn.Options{
				Name: app.ServiceName + "-" + viewerID,
			},
			Bucket:      platformconfig.String("NATS_KV_BUCKET", store.DefaultBucket),
			RedisURL:    platformconfig.String("REDIS_URL", ""),
			DatabaseURL: platformconfig.String("DATABASE_URL", ""),
		},
		DriftThreshold:     platformconfig.Float("DRIFT_THRESHOLD_SECONDS", 3),
		WriteTimeout:       platformconfig.Duration("WRITE_TIMEOUT", 5*time.Second),
		CBMaxRequests:      uint32(platformconfig.Int("CB_MAX_REQUESTS", 1)),
		CBInterval:         platformconfig.Duration("CB_INTERVAL", 60*time.Second),
		CBTimeout:          platformconfig.Duration("CB_TIMEOUT", 15*time.Second),
		CBFailureThreshold: uint32(platformconfig.Int("CB_FAILURE_THRESHOLD", 5)),
		ManifestTimeout:    platformconfig.Duration("MANIFEST_TIMEOUT", 10*time.Second),
		InitialSource:      platformconfig.String("INITIAL_SOURCE", ""),
		AnalyticsEnabled:   strings.EqualFold(platformconfig.String("ANALYTICS_ENABLED", "false"), "true"),
	}

	switch backend {
	case store.BackendMemory, store.BackendNATS:
	case store.BackendRedis:
		if cfg.Store.RedisURL == "" {
			return Config{}, errors.New("REDIS_URL is required for the redis store")
		}
	case store.BackendPostgres:
		if cfg.Store.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND %q is not one of memory, nats, redis, postgres", backend)
	}
	if cfg.DriftThreshold == 0 {
		return Config{}, errors.New("DRIFT_THRESHOLD_SECONDS must be positive")
	}
	return cfg, nil
}

// defaultViewerID combines the short host name with a random suffix so two
// viewers on one machine stay distinct.
func defaultViewerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "viewer"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host + "-" + uuid.NewString()[:8]
}
