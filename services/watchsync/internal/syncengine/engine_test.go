package syncengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/watch-party/services/watchsync/internal/playback"
	"github.com/example/watch-party/services/watchsync/internal/player"
	"github.com/example/watch-party/services/watchsync/internal/player/playertest"
	"github.com/example/watch-party/services/watchsync/internal/syncengine"
)

type fakeStore struct {
	mu     sync.Mutex
	writes []playback.Record
	subs   []func(playback.Record)
	err    error
}

func (s *fakeStore) Write(ctx context.Context, path string, rec playback.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, rec)
	return nil
}

func (s *fakeStore) Subscribe(ctx context.Context, path string, fn func(playback.Record)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	return func() {}, nil
}

func (s *fakeStore) deliver(rec playback.Record) {
	s.mu.Lock()
	subs := append([]func(playback.Record){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(rec)
	}
}

func (s *fakeStore) last(t *testing.T) playback.Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		t.Fatal("expected a write")
	}
	return s.writes[len(s.writes)-1]
}

type harness struct {
	engine *syncengine.Engine
	player *playertest.Recorder
	loop   *playertest.Queue
	store  *fakeStore
	events []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		player: playertest.New(),
		loop:   &playertest.Queue{},
		store:  &fakeStore{},
	}
	ctrl := player.NewController(h.player, h.loop, nil)
	e, err := syncengine.New(syncengine.Options{
		ViewerID: "v1",
		Path:     "sessions/room1",
		Store:    h.store,
		Player:   ctrl,
		Loop:     h.loop,
		Events: func(name string, props map[string]any) {
			h.events = append(h.events, name)
		},
		Dispatch: func(fn func()) { fn() },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine = e
	return h
}

func (h *harness) remote(rec playback.Record) {
	h.store.deliver(rec)
	h.loop.Drain()
}

// loaded brings the harness to a ready, paused stream1.m3u8 written by v2.
func (h *harness) loaded(t *testing.T) {
	t.Helper()
	h.remote(playback.State{VideoSource: "stream1.m3u8", LastWriter: "v2", WriteID: "x:1"}.Record())
	h.player.ReadyLatest(nil)
	h.loop.Drain()
	h.player.Reset()
	h.events = nil
}

func TestNew_Validates(t *testing.T) {
	if _, err := syncengine.New(syncengine.Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestRemoteSourceLoadsAndEmitsEvent(t *testing.T) {
	h := newHarness(t)

	h.remote(playback.State{VideoSource: "stream1.m3u8", IsPlaying: true, LastWriter: "v2"}.Record())
	if h.player.Count("load stream1.m3u8") != 1 {
		t.Fatalf("expected load, got %v", h.player.Calls())
	}
	h.player.ReadyLatest(nil)
	h.loop.Drain()

	if h.player.IsPaused() {
		t.Fatal("expected playing after ready")
	}
	if len(h.events) != 1 || h.events[0] != "source_loaded" {
		t.Fatalf("expected source_loaded, got %v", h.events)
	}
}

func TestOwnSeekEchoIsNotReapplied(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)
	h.player.SetDuration(600)

	if err := h.engine.SeekTo(42); err != nil {
		t.Fatalf("seek: %v", err)
	}
	echo := h.store.last(t)
	if *echo.LastWriter != "v1" || echo.WriteID == nil || *echo.Position != 42 {
		t.Fatalf("unexpected write: %+v", echo)
	}

	h.player.SetPosition(47)
	h.remote(echo)

	if got := h.player.Count("seek 42"); got != 1 {
		t.Fatalf("expected exactly one seek to 42, got %d (%v)", got, h.player.Calls())
	}
	if v := h.engine.View(); v.PendingWrites != 0 || v.Shared.Position != 42 {
		t.Fatalf("expected echo consumed and mirrored, got %+v", v)
	}
}

func TestCoalescedEchoDropsOlderWrites(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	if err := h.engine.SetPlaying(true); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := h.engine.SetPlaying(false); err != nil {
		t.Fatalf("pause: %v", err)
	}
	second := h.store.last(t)
	h.player.Reset()

	// The store collapsed both writes into one notification.
	h.remote(second)

	if v := h.engine.View(); v.PendingWrites != 0 {
		t.Fatalf("expected no pending writes, got %d", v.PendingWrites)
	}
	if len(h.player.Calls()) != 0 {
		t.Fatalf("expected no player calls, got %v", h.player.Calls())
	}
}

func TestStaleEchoDoesNotUndoLaterLocalAction(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	h.engine.SetPlaying(true)
	playEcho := h.store.last(t)
	h.engine.SetPlaying(false)
	h.player.Reset()

	h.remote(playEcho)

	if h.player.Count("play") != 0 {
		t.Fatalf("expected echo of superseded play to be ignored, got %v", h.player.Calls())
	}
	if !h.player.IsPaused() {
		t.Fatal("expected player to stay paused")
	}
}

func TestRemotePlayFromOtherViewerApplies(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	h.remote(playback.Record{
		IsPlaying:  playback.Bool(true),
		LastWriter: playback.String("v2"),
		WriteID:    playback.String("other:2"),
	})

	if h.player.Count("play") != 1 {
		t.Fatalf("expected play, got %v", h.player.Calls())
	}
}

func TestRecordWithOwnWriterButUnknownIDIsReconciled(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	h.remote(playback.Record{
		IsPlaying:  playback.Bool(true),
		LastWriter: playback.String("v1"),
		WriteID:    playback.String("previous-process:9"),
	})

	if h.player.Count("play") != 1 {
		t.Fatalf("expected play, got %v", h.player.Calls())
	}
}

func TestDriftCorrection(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)
	h.player.SetPosition(50)

	h.remote(playback.Record{Position: playback.Float(41), LastWriter: playback.String("v2")})

	if h.player.Count("seek 41") != 1 {
		t.Fatalf("expected seek 41, got %v", h.player.Calls())
	}
	if len(h.events) != 1 || h.events[0] != "drift_corrected" {
		t.Fatalf("expected drift_corrected, got %v", h.events)
	}
}

func TestMalformedFieldsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)
	h.player.SetPosition(10)

	rec, skipped, err := playback.Decode([]byte(`{"position":"abc","isPlaying":true,"lastWriter":"v2"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected position skipped, got %v", skipped)
	}
	h.remote(rec)

	calls := h.player.Calls()
	if len(calls) != 1 || calls[0] != "play" {
		t.Fatalf("expected only play, got %v", calls)
	}
}

func TestWriteFailureForgetsPendingWrite(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)
	h.store.err = errors.New("store down")

	if err := h.engine.SetPlaying(true); err != nil {
		t.Fatalf("set playing: %v", err)
	}
	h.loop.Drain()

	if h.player.IsPaused() {
		t.Fatal("expected local play to stand after failed write")
	}
	if v := h.engine.View(); v.PendingWrites != 0 {
		t.Fatalf("expected pending write dropped, got %d", v.PendingWrites)
	}
}

func TestReportVideoChangeLoadsOnEcho(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.ReportVideoChange(""); !errors.Is(err, syncengine.ErrEmptySource) {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
	if err := h.engine.ChangeVideo("movie.m3u8"); err != nil {
		t.Fatalf("change video: %v", err)
	}
	if len(h.player.Calls()) != 0 {
		t.Fatalf("expected no local load before echo, got %v", h.player.Calls())
	}
	w := h.store.last(t)
	if *w.VideoSource != "movie.m3u8" || *w.Position != 0 || w.IsPlaying != nil {
		t.Fatalf("unexpected write: %+v", w)
	}

	h.remote(w)
	if h.player.Count("load movie.m3u8") != 1 {
		t.Fatalf("expected load on echo, got %v", h.player.Calls())
	}
}

func TestSeekValidationAndClamp(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.SeekTo(10); !errors.Is(err, syncengine.ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}

	h.loaded(t)
	h.player.SetDuration(100)

	if err := h.engine.ReportSeek(-1); !errors.Is(err, syncengine.ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	if err := h.engine.ReportSeek(101); !errors.Is(err, syncengine.ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition beyond duration, got %v", err)
	}
	if err := h.engine.SeekTo(150); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if *h.store.last(t).Position != 100 {
		t.Fatalf("expected clamped write at 100, got %v", *h.store.last(t).Position)
	}

	h.player.SetPosition(5)
	if err := h.engine.Skip(-10); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if h.player.Count("seek 0") != 1 {
		t.Fatalf("expected clamp to 0, got %v", h.player.Calls())
	}
}

func TestTogglePlayPause(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	h.engine.TogglePlayPause()
	if h.player.IsPaused() || !*h.store.last(t).IsPlaying {
		t.Fatal("expected toggle to play")
	}
	h.engine.TogglePlayPause()
	if !h.player.IsPaused() || *h.store.last(t).IsPlaying {
		t.Fatal("expected toggle to pause")
	}
}

func TestLoadFailureEmitsEventAndBlocksControls(t *testing.T) {
	h := newHarness(t)

	h.remote(playback.State{VideoSource: "broken.m3u8", IsPlaying: true, LastWriter: "v2"}.Record())
	h.player.ReadyLatest(errors.New("manifest 404"))
	h.loop.Drain()

	if len(h.events) != 1 || h.events[0] != "load_failed" {
		t.Fatalf("expected load_failed, got %v", h.events)
	}
	h.player.Reset()
	h.remote(playback.Record{Position: playback.Float(90), LastWriter: playback.String("v2")})
	if len(h.player.Calls()) != 0 {
		t.Fatalf("expected no instructions after failed load, got %v", h.player.Calls())
	}
	if v := h.engine.View(); v.Local.Err == "" {
		t.Fatal("expected visible load error")
	}
}

func TestEchoCoalescedWithOtherViewersSourceChangeLoads(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	if err := h.engine.SeekTo(42); err != nil {
		t.Fatalf("seek: %v", err)
	}
	own := h.store.last(t)

	// v2 switched videos and the store folded that into the echo of our seek.
	h.remote(playback.Record{
		VideoSource: playback.String("stream2.m3u8"),
		IsPlaying:   playback.Bool(false),
		Position:    playback.Float(42),
		LastWriter:  own.LastWriter,
		WriteID:     own.WriteID,
	})

	if h.player.Count("load stream2.m3u8") != 1 {
		t.Fatalf("expected load of stream2, got %v", h.player.Calls())
	}
	if h.player.Count("seek 42") != 1 {
		t.Fatalf("expected only the local seek, got %v", h.player.Calls())
	}
	if v := h.engine.View(); v.PendingWrites != 0 || v.Shared.VideoSource != "stream2.m3u8" {
		t.Fatalf("expected echo consumed on stream2, got %+v", v)
	}
}

func TestEchoCoalescedWithOtherViewersPlayApplies(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	if err := h.engine.SeekTo(20); err != nil {
		t.Fatalf("seek: %v", err)
	}
	own := h.store.last(t)
	h.player.Reset()

	h.remote(playback.Record{
		VideoSource: playback.String("stream1.m3u8"),
		IsPlaying:   playback.Bool(true),
		Position:    playback.Float(20),
		LastWriter:  own.LastWriter,
		WriteID:     own.WriteID,
	})

	calls := h.player.Calls()
	if len(calls) != 1 || calls[0] != "play" {
		t.Fatalf("expected only play, got %v", calls)
	}
}

func TestOwnEchoWithUnchangedPositionDoesNotSeek(t *testing.T) {
	h := newHarness(t)
	h.loaded(t)

	if err := h.engine.SetPlaying(true); err != nil {
		t.Fatalf("play: %v", err)
	}
	own := h.store.last(t)
	h.player.SetPosition(90)
	h.player.Reset()

	// Full record: the position is the last written one, far behind local.
	h.remote(playback.Record{
		VideoSource: playback.String("stream1.m3u8"),
		IsPlaying:   playback.Bool(true),
		Position:    playback.Float(0),
		LastWriter:  own.LastWriter,
		WriteID:     own.WriteID,
	})

	if len(h.player.Calls()) != 0 {
		t.Fatalf("expected no player calls, got %v", h.player.Calls())
	}
}
