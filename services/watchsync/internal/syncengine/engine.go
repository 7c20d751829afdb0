// Package syncengine keeps a viewer's player in step with the shared
// playback record. All Engine methods run on the event loop; store and media
// callbacks are posted there, so the mirrored record and the local player
// state are never touched concurrently.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/watch-party/internal/platform/eventloop"
	"github.com/example/watch-party/services/watchsync/internal/playback"
	"github.com/example/watch-party/services/watchsync/internal/player"
)

var (
	ErrEmptySource     = errors.New("video source must not be empty")
	ErrInvalidPosition = errors.New("position out of range")
	ErrNoSource        = errors.New("no video source loaded")
)

// maxPendingWrites bounds the echo table when a store never echoes.
const maxPendingWrites = 64

// Store is the replicated record the viewers share.
//
// Write merges the present fields of rec into the record at path.
// Subscribe calls fn with the current record, if one exists, and again after
// every change including this client's own. Calls for one subscriber are
// sequential and in store order.
type Store interface {
	Write(ctx context.Context, path string, rec playback.Record) error
	Subscribe(ctx context.Context, path string, fn func(playback.Record)) (unsubscribe func(), err error)
}

// EventFunc receives engine events: source_loaded, load_failed,
// drift_corrected.
type EventFunc func(name string, props map[string]any)

type Options struct {
	ViewerID string
	Path     string
	Store    Store
	Player   *player.Controller
	Loop     eventloop.Poster
	Log      *zap.Logger

	DriftThreshold float64       // default DefaultDriftThreshold
	WriteTimeout   time.Duration // default 5s
	Events         EventFunc

	// Dispatch runs store writes off the loop. Defaults to a new goroutine.
	Dispatch func(func())
}

type Engine struct {
	viewerID     string
	instance     string
	path         string
	store        Store
	player       *player.Controller
	loop         eventloop.Poster
	log          *zap.Logger
	threshold    float64
	writeTimeout time.Duration
	events       EventFunc
	dispatch     func(func())

	shared      playback.State
	seq         uint64
	pending     []pendingWrite
	unsubscribe func()
}

// pendingWrite is a write this engine applied locally and has not yet seen
// echoed back.
type pendingWrite struct {
	id     string
	fields playback.Record
}

// View is what a viewer displays: the shared record next to the local player.
type View struct {
	ViewerID      string          `json:"viewer_id"`
	Shared        playback.State  `json:"shared"`
	Local         player.Snapshot `json:"local"`
	PendingWrites int             `json:"pending_writes"`
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.ViewerID == "":
		return nil, errors.New("syncengine: viewer id is required")
	case opts.Path == "":
		return nil, errors.New("syncengine: path is required")
	case opts.Store == nil:
		return nil, errors.New("syncengine: store is required")
	case opts.Player == nil:
		return nil, errors.New("syncengine: player is required")
	case opts.Loop == nil:
		return nil, errors.New("syncengine: loop is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = DefaultDriftThreshold
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { go fn() }
	}

	e := &Engine{
		viewerID:     opts.ViewerID,
		instance:     uuid.NewString(),
		path:         opts.Path,
		store:        opts.Store,
		player:       opts.Player,
		loop:         opts.Loop,
		log:          opts.Log,
		threshold:    opts.DriftThreshold,
		writeTimeout: opts.WriteTimeout,
		events:       opts.Events,
		dispatch:     opts.Dispatch,
	}
	e.player.OnLoaded(e.onLoaded)
	return e, nil
}

// Start subscribes to the shared record. Updates are posted to the loop.
func (e *Engine) Start(ctx context.Context) error {
	unsubscribe, err := e.store.Subscribe(ctx, e.path, func(rec playback.Record) {
		if !e.loop.Post(func() { e.OnRemoteUpdate(rec) }) {
			e.log.Debug("loop stopped, dropping remote update")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.path, err)
	}
	e.unsubscribe = unsubscribe
	e.log.Info("subscribed to shared playback record", zap.String("path", e.path))
	return nil
}

func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// ReportVideoChange writes a new source starting at 0. The local player is
// not touched here: the store's notification of this write loads the source
// on every viewer, this one included, so it is never treated as an echo.
func (e *Engine) ReportVideoChange(url string) error {
	if url == "" {
		return ErrEmptySource
	}
	e.write(playback.Record{
		VideoSource: playback.String(url),
		Position:    playback.Float(0),
	}, false)
	return nil
}

// ReportPlayPause publishes a play/pause the user already applied locally.
// Never call it in reaction to a remote update.
func (e *Engine) ReportPlayPause(playing bool) {
	e.write(playback.Record{IsPlaying: playback.Bool(playing)}, true)
}

// ReportSeek publishes a seek the user already applied locally. t must lie
// within [0, duration]; callers clamp.
func (e *Engine) ReportSeek(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, t)
	}
	if d := e.player.Duration(); d > 0 && t > d {
		return fmt.Errorf("%w: %v beyond duration %v", ErrInvalidPosition, t, d)
	}
	e.write(playback.Record{Position: playback.Float(t)}, true)
	return nil
}

// OnRemoteUpdate handles one notification from the store.
func (e *Engine) OnRemoteUpdate(rec playback.Record) {
	if rec.Empty() {
		return
	}
	prev := e.shared
	e.shared = prev.Apply(rec)

	if own, ok := e.consumeEcho(rec); ok {
		// Another viewer's change may have been coalesced into the echo.
		rec = foreignChanges(prev, rec, own)
		if rec.Empty() {
			e.log.Debug("suppressed echo of own write", zap.String("write_id", e.shared.WriteID))
			return
		}
		e.log.Debug("echo carries changes from other viewers", zap.String("write_id", e.shared.WriteID))
	}

	local := e.player.Snapshot()
	for _, in := range Reconcile(prev, rec, local, e.threshold) {
		e.apply(in)
	}
}

// consumeEcho reports whether rec is the notification of a write this engine
// issued and has already applied locally. Older pending writes are dropped
// with it: the store may coalesce several writes into one notification. own
// holds every field still covered by a pending write, including the consumed
// ones; the local player already reflects them.
func (e *Engine) consumeEcho(rec playback.Record) (own playback.Record, ok bool) {
	if rec.WriteID == nil || rec.LastWriter == nil || *rec.LastWriter != e.viewerID {
		return playback.Record{}, false
	}
	match := -1
	for i, p := range e.pending {
		if p.id == *rec.WriteID {
			match = i
			break
		}
	}
	if match < 0 {
		return playback.Record{}, false
	}
	for _, p := range e.pending {
		if p.fields.IsPlaying != nil {
			own.IsPlaying = p.fields.IsPlaying
		}
		if p.fields.Position != nil {
			own.Position = p.fields.Position
		}
	}
	e.pending = append(e.pending[:0], e.pending[match+1:]...)
	return own, true
}

// foreignChanges keeps the fields of rec that changed since prev and that no
// pending write of this engine covers. A source change carries the rest of
// the record with it, since a load follows the whole shared state.
func foreignChanges(prev playback.State, rec, own playback.Record) playback.Record {
	var out playback.Record
	if rec.VideoSource != nil && *rec.VideoSource != prev.VideoSource {
		out.VideoSource = rec.VideoSource
		out.IsPlaying = rec.IsPlaying
		out.Position = rec.Position
		return out
	}
	if rec.IsPlaying != nil && own.IsPlaying == nil && *rec.IsPlaying != prev.IsPlaying {
		out.IsPlaying = rec.IsPlaying
	}
	if rec.Position != nil && own.Position == nil && *rec.Position != prev.Position {
		out.Position = rec.Position
	}
	return out
}

func (e *Engine) apply(in Instruction) {
	switch in.Op {
	case OpLoad:
		e.log.Info("loading shared source",
			zap.String("url", in.URL), zap.Bool("playing", in.Playing), zap.Float64("start", in.Position))
		e.player.Load(in.URL, in.Playing, in.Position)
	case OpPlay:
		e.player.Play()
	case OpPause:
		e.player.Pause()
	case OpSeek:
		e.log.Debug("correcting drift", zap.Float64("target", in.Position), zap.Float64("drift", in.Drift))
		e.player.Seek(in.Position)
		e.emit("drift_corrected", map[string]any{"position": in.Position, "drift": in.Drift})
	}
}

func (e *Engine) onLoaded(url string, err error) {
	if err != nil {
		e.emit("load_failed", map[string]any{"url": url, "error": err.Error()})
		return
	}
	e.emit("source_loaded", map[string]any{"url": url})
}

func (e *Engine) emit(name string, props map[string]any) {
	if e.events != nil {
		e.events(name, props)
	}
}

// write tags rec with this viewer and a fresh write id and sends it without
// waiting. When echo is true the id is remembered so the notification of this
// write is not re-applied. Failures are logged and dropped.
func (e *Engine) write(rec playback.Record, echo bool) {
	e.seq++
	id := e.instance + ":" + strconv.FormatUint(e.seq, 10)
	rec.LastWriter = playback.String(e.viewerID)
	rec.WriteID = playback.String(id)

	if echo {
		e.pending = append(e.pending, pendingWrite{id: id, fields: rec})
		if len(e.pending) > maxPendingWrites {
			e.pending = append(e.pending[:0], e.pending[len(e.pending)-maxPendingWrites:]...)
		}
	}

	e.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
		defer cancel()
		if err := e.store.Write(ctx, e.path, rec); err != nil {
			e.log.Warn("shared state write failed", zap.String("write_id", id), zap.Error(err))
			if echo {
				e.loop.Post(func() { e.forget(id) })
			}
		}
	})
}

func (e *Engine) forget(id string) {
	for i, p := range e.pending {
		if p.id == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// ChangeVideo switches every viewer to url.
func (e *Engine) ChangeVideo(url string) error {
	return e.ReportVideoChange(url)
}

// SetPlaying applies play/pause locally, then reports it.
func (e *Engine) SetPlaying(playing bool) error {
	if e.player.Source() == "" {
		return ErrNoSource
	}
	if playing {
		e.player.Play()
	} else {
		e.player.Pause()
	}
	e.ReportPlayPause(playing)
	return nil
}

func (e *Engine) TogglePlayPause() error {
	return e.SetPlaying(e.player.Paused())
}

// SeekTo clamps t to the media, seeks locally, then reports it.
func (e *Engine) SeekTo(t float64) error {
	if e.player.Source() == "" {
		return ErrNoSource
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, t)
	}
	t = e.player.Clamp(t)
	e.player.Seek(t)
	return e.ReportSeek(t)
}

// Skip seeks relative to the current position.
func (e *Engine) Skip(delta float64) error {
	return e.SeekTo(e.player.Position() + delta)
}

func (e *Engine) SetQualityLevel(level int) error {
	return e.player.SetQualityLevel(level)
}

func (e *Engine) SetVolume(v float64) error {
	return e.player.SetVolume(v)
}

func (e *Engine) SetMuted(muted bool) {
	e.player.SetMuted(muted)
}

func (e *Engine) Shared() playback.State {
	return e.shared
}

func (e *Engine) View() View {
	return View{
		ViewerID:      e.viewerID,
		Shared:        e.shared,
		Local:         e.player.Snapshot(),
		PendingWrites: len(e.pending),
	}
}
