// Package playertest provides a scripted player.Adapter for tests.
package playertest

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/example/watch-party/services/watchsync/internal/player"
)

// Recorder records every instruction it receives. Loads complete only when
// the test calls Ready.
type Recorder struct {
	mu sync.Mutex

	calls    []string
	pending  []pendingLoad
	paused   bool
	position float64
	duration float64
	levels   []player.QualityLevel
	// PlayErr, when set, is returned by Play while unmuted.
	PlayErr error
	muted   bool

	onBuffering []func(bool)
	onCanPlay   []func()
}

type pendingLoad struct {
	url   string
	ready func(error)
}

var _ player.Adapter = (*Recorder)(nil)

func New() *Recorder {
	return &Recorder{paused: true}
}

func (r *Recorder) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded instructions, e.g. "load stream1.m3u8",
// "play", "pause", "seek 41", "mute true".
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many recorded instructions equal call.
func (r *Recorder) Count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// Ready completes the i-th load (0-based, in request order).
func (r *Recorder) Ready(i int, err error) {
	r.mu.Lock()
	if i < 0 || i >= len(r.pending) || r.pending[i].ready == nil {
		r.mu.Unlock()
		panic("playertest: no pending load " + strconv.Itoa(i))
	}
	ready := r.pending[i].ready
	r.pending[i].ready = nil
	canPlay := append([]func(){}, r.onCanPlay...)
	r.mu.Unlock()

	ready(err)
	if err == nil {
		for _, fn := range canPlay {
			fn()
		}
	}
}

// ReadyLatest completes the most recent load.
func (r *Recorder) ReadyLatest(err error) {
	r.mu.Lock()
	i := len(r.pending) - 1
	r.mu.Unlock()
	r.Ready(i, err)
}

// SetPosition moves the decoder as if playback had advanced.
func (r *Recorder) SetPosition(t float64) {
	r.mu.Lock()
	r.position = t
	r.mu.Unlock()
}

func (r *Recorder) SetDuration(d float64) {
	r.mu.Lock()
	r.duration = d
	r.mu.Unlock()
}

func (r *Recorder) SetLevels(levels []player.QualityLevel) {
	r.mu.Lock()
	r.levels = levels
	r.mu.Unlock()
}

// Buffer fires the buffering callbacks.
func (r *Recorder) Buffer(buffering bool) {
	r.mu.Lock()
	fns := append([]func(bool){}, r.onBuffering...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(buffering)
	}
}

func (r *Recorder) LoadSource(url string, ready func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("load %s", url)
	r.pending = append(r.pending, pendingLoad{url: url, ready: ready})
	r.paused = true
	r.position = 0
}

func (r *Recorder) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("play")
	if r.PlayErr != nil && !r.muted {
		return r.PlayErr
	}
	r.paused = false
	return nil
}

func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("pause")
	r.paused = true
}

func (r *Recorder) Seek(t float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("seek %s", strconv.FormatFloat(t, 'f', -1, 64))
	r.position = t
}

func (r *Recorder) Position() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

func (r *Recorder) Duration() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration
}

func (r *Recorder) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Recorder) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("mute %t", muted)
	r.muted = muted
}

func (r *Recorder) SetVolume(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("volume %s", strconv.FormatFloat(v, 'f', -1, 64))
}

func (r *Recorder) OnBuffering(fn func(buffering bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBuffering = append(r.onBuffering, fn)
}

func (r *Recorder) OnCanPlay(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCanPlay = append(r.onCanPlay, fn)
}

func (r *Recorder) QualityLevels() []player.QualityLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]player.QualityLevel(nil), r.levels...)
}

func (r *Recorder) SetQualityLevel(level int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("quality %d", level)
}

// Queue is a manual eventloop.Poster: posted functions run on Drain, on the
// test goroutine.
type Queue struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	return true
}

// Drain runs queued functions, including ones they post, until none remain.
func (q *Queue) Drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}
