package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/watch-party/services/watchsync/internal/playback"
)

// Memory is a development-only in-process store. It gives the same ordering
// guarantees as the networked backends, which makes it the backend for tests
// that run several viewers in one process.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]json.RawMessage
	subs map[string]map[*subscriber]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]json.RawMessage),
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

func (m *Memory) Write(ctx context.Context, path string, rec playback.Record) error {
	if path == "" {
		return ErrEmptyPath
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	fields, err := rec.Fields()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[path]
	if doc == nil {
		doc = make(map[string]json.RawMessage, len(fields))
		m.docs[path] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, _ := playback.FromFields(doc)
	for sub := range m.subs[path] {
		sub.push(merged)
	}
	return nil
}

// Subscribe delivers the current record, if any, then every later change.
func (m *Memory) Subscribe(ctx context.Context, path string, fn func(playback.Record)) (func(), error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	sub := newSubscriber(fn)

	m.mu.Lock()
	if doc, ok := m.docs[path]; ok {
		snapshot, _ := playback.FromFields(doc)
		sub.push(snapshot)
	}
	if m.subs[path] == nil {
		m.subs[path] = make(map[*subscriber]struct{})
	}
	m.subs[path][sub] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[path], sub)
			if len(m.subs[path]) == 0 {
				delete(m.subs, path)
			}
			m.mu.Unlock()
			sub.stop()
		})
	}
	go func() {
		sub.run(ctx)
		unsubscribe()
	}()
	return unsubscribe, nil
}

func (m *Memory) subscribers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[path])
}

// subscriber delivers records to fn one at a time, in push order. The queue
// is unbounded so a slow subscriber never blocks writers.
type subscriber struct {
	fn func(playback.Record)

	mu    sync.Mutex
	queue []playback.Record
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

func newSubscriber(fn func(playback.Record)) *subscriber {
	return &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (s *subscriber) push(rec playback.Record) {
	s.mu.Lock()
	s.queue = append(s.queue, rec)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			rec := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.quit:
				return
			default:
			}
			s.fn(rec)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}
