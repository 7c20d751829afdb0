package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/watch-party/services/watchsync/internal/playback"
)

const (
	DefaultBucket = "watchparty"
	maxCASRetries = 8
)

// NATSKV keeps each record as one JSON document in a JetStream key-value
// bucket. Writes merge with compare-and-set on the entry revision.
type NATSKV struct {
	kv  nats.KeyValue
	log *zap.Logger
}

// NewNATSKV binds bucket, creating it when it does not exist.
func NewNATSKV(js nats.JetStreamContext, bucket string, log *zap.Logger) (*NATSKV, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if log == nil {
		log = zap.NewNop()
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "shared watch party playback state",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	return &NATSKV{kv: kv, log: log}, nil
}

// natsKey maps a slash-separated path onto a dotted KV key.
func natsKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (s *NATSKV) Write(ctx context.Context, path string, rec playback.Record) error {
	key := natsKey(path)
	if key == "" {
		return ErrEmptyPath
	}
	fields, err := rec.Fields()
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := s.kv.Get(key)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			doc, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			if _, err := s.kv.Create(key, doc); err != nil {
				if isCASConflict(err) {
					continue
				}
				return fmt.Errorf("kv create %s: %w", key, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("kv get %s: %w", key, err)
		}

		doc := make(map[string]json.RawMessage)
		if len(entry.Value()) > 0 {
			if err := json.Unmarshal(entry.Value(), &doc); err != nil {
				s.log.Warn("replacing unreadable kv document", zap.String("key", key), zap.Error(err))
				doc = make(map[string]json.RawMessage)
			}
		}
		for k, v := range fields {
			doc[k] = v
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if _, err := s.kv.Update(key, b, entry.Revision()); err != nil {
			if isCASConflict(err) {
				continue
			}
			return fmt.Errorf("kv update %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("kv write %s: too many concurrent updates", key)
}

func isCASConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// Subscribe watches the key. The watcher replays the current value first,
// then streams updates in revision order.
func (s *NATSKV) Subscribe(ctx context.Context, path string, fn func(playback.Record)) (func(), error) {
	key := natsKey(path)
	if key == "" {
		return nil, ErrEmptyPath
	}
	w, err := s.kv.Watch(key)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", key, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values.
				if entry == nil || entry.Operation() != nats.KeyValuePut {
					continue
				}
				rec, skipped, err := playback.Decode(entry.Value())
				if err != nil {
					s.log.Warn("ignoring malformed kv entry",
						zap.String("key", key), zap.Uint64("revision", entry.Revision()), zap.Error(err))
					continue
				}
				if len(skipped) > 0 {
					s.log.Debug("kv entry fields skipped", zap.String("key", key), zap.Strings("fields", skipped))
				}
				fn(rec)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := w.Stop(); err != nil {
				s.log.Debug("kv watcher stop", zap.Error(err))
			}
			wg.Wait()
		})
	}, nil
}
