package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/watch-party/services/watchsync/internal/playback"
)

const redisKeyPrefix = "watchparty:"

// mergeAndPublish sets the given hash fields and publishes the merged hash in
// one step, so notifications follow write order.
var mergeAndPublish = redis.NewScript(`
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local doc = redis.call('HGETALL', KEYS[1])
redis.call('PUBLISH', KEYS[2], cjson.encode(doc))
return #doc
`)

// Redis keeps each record as a hash of JSON-encoded fields and fans out
// changes over pub/sub.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(url string, log *zap.Logger) (*Redis, error) {
	if url == "" {
		return nil, fmt.Errorf("redis: url is required")
	}
	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	} else {
		// Bare host:port.
		opts = &redis.Options{Addr: url}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: redis.NewClient(opts), log: log}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func redisKeys(path string) (hash, channel string) {
	return redisKeyPrefix + path, redisKeyPrefix + path + ":changes"
}

func (r *Redis) Write(ctx context.Context, path string, rec playback.Record) error {
	if path == "" {
		return ErrEmptyPath
	}
	fields, err := rec.Fields()
	if err != nil {
		return err
	}
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, string(v))
	}
	hash, channel := redisKeys(path)
	if err := mergeAndPublish.Run(ctx, r.client, []string{hash, channel}, args...).Err(); err != nil {
		return fmt.Errorf("redis write %s: %w", path, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, path string, fn func(playback.Record)) (func(), error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	hash, channel := redisKeys(path)

	sub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription before reading the snapshot so that no
	// change falls between the two.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	current, err := r.client.HGetAll(ctx, hash).Result()
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis read %s: %w", hash, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if len(current) > 0 {
			r.deliver(path, current, fn)
		}
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				doc, err := decodeHashPairs(msg.Payload)
				if err != nil {
					r.log.Warn("ignoring malformed change message", zap.String("channel", channel), zap.Error(err))
					continue
				}
				r.deliver(path, doc, fn)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
			wg.Wait()
		})
	}, nil
}

func (r *Redis) deliver(path string, doc map[string]string, fn func(playback.Record)) {
	rec, skipped := playback.FromStrings(doc)
	if len(skipped) > 0 {
		r.log.Debug("record fields skipped", zap.String("path", path), zap.Strings("fields", skipped))
	}
	fn(rec)
}

// decodeHashPairs reads the flat [field, value, ...] list HGETALL returns
// inside a script.
func decodeHashPairs(payload string) (map[string]string, error) {
	var pairs []string
	if err := json.Unmarshal([]byte(payload), &pairs); err != nil {
		return nil, err
	}
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("odd field list length %d", len(pairs))
	}
	doc := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		doc[pairs[i]] = pairs[i+1]
	}
	return doc, nil
}
