package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/example/watch-party/services/watchsync/internal/playback"
)

const notifyChannel = "watch_sessions"

const schema = `CREATE TABLE IF NOT EXISTS watch_sessions (
	path       TEXT PRIMARY KEY,
	doc        JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres keeps each record as a jsonb document and fans out changes with
// LISTEN/NOTIFY. Notifications are delivered in commit order.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{pool: pool, log: log}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type sessionChange struct {
	Path string          `json:"path"`
	Doc  json.RawMessage `json:"doc"`
}

func (s *Postgres) Write(ctx context.Context, path string, rec playback.Record) error {
	if path == "" {
		return ErrEmptyPath
	}
	fields, err := rec.Fields()
	if err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	const q = `WITH up AS (
	               INSERT INTO watch_sessions (path, doc, updated_at)
	               VALUES ($1, $2::jsonb, now())
	               ON CONFLICT (path) DO UPDATE
	               SET doc = watch_sessions.doc || EXCLUDED.doc, updated_at = now()
	               RETURNING path, doc
	           )
	           SELECT pg_notify($3, json_build_object('path', up.path, 'doc', up.doc)::text) FROM up`
	if _, err := s.pool.Exec(ctx, q, path, string(patch), notifyChannel); err != nil {
		return fmt.Errorf("write session %s: %w", path, err)
	}
	return nil
}

func (s *Postgres) read(ctx context.Context, conn *pgx.Conn, path string) (json.RawMessage, bool, error) {
	var doc []byte
	err := conn.QueryRow(ctx, `SELECT doc FROM watch_sessions WHERE path = $1`, path).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Subscribe takes a dedicated connection out of the pool for LISTEN. It is
// closed, not returned, when the subscription ends.
func (s *Postgres) Subscribe(ctx context.Context, path string, fn func(playback.Record)) (func(), error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}
	current, ok, err := s.read(ctx, conn, path)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("read session %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close(context.Background())
		if ok {
			s.deliver(path, current, fn)
		}
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("session listener stopped", zap.String("path", path), zap.Error(err))
				}
				return
			}
			var change sessionChange
			if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
				s.log.Warn("ignoring malformed notification", zap.Error(err))
				continue
			}
			if change.Path != path {
				continue
			}
			s.deliver(path, change.Doc, fn)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (s *Postgres) deliver(path string, doc json.RawMessage, fn func(playback.Record)) {
	rec, skipped, err := playback.Decode(doc)
	if err != nil {
		s.log.Warn("ignoring malformed session document", zap.String("path", path), zap.Error(err))
		return
	}
	if len(skipped) > 0 {
		s.log.Debug("record fields skipped", zap.String("path", path), zap.Strings("fields", skipped))
	}
	fn(rec)
}
