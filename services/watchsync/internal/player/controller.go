package player

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/watch-party/internal/platform/eventloop"
)

// Snapshot is the local playback state: a projection nudged towards the
// shared record, never overwritten wholesale.
type Snapshot struct {
	Source    string         `json:"source"`
	Loading   bool           `json:"loading"`
	Paused    bool           `json:"paused"`
	Position  float64        `json:"position"`
	Duration  float64        `json:"duration"`
	Buffering bool           `json:"buffering"`
	Levels    []QualityLevel `json:"levels,omitempty"`
	Level     int            `json:"level"`
	Volume    float64        `json:"volume"`
	Muted     bool           `json:"muted"`
	Err       string         `json:"error,omitempty"`
}

// Controller sequences loads on an Adapter and tracks what the user intends
// while a load is in flight. All methods must run on the event loop.
type Controller struct {
	adapter Adapter
	loop    eventloop.Poster
	log     *zap.Logger

	token    uint64
	source   string
	loading  bool
	wantPlay bool
	startAt  float64
	loadErr  error

	buffering bool
	level     int
	volume    float64
	muted     bool

	onLoaded func(url string, err error)
}

func NewController(a Adapter, loop eventloop.Poster, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		adapter: a,
		loop:    loop,
		log:     log,
		level:   AutoQuality,
		volume:  1,
	}
	a.OnBuffering(func(buffering bool) {
		loop.Post(func() { c.buffering = buffering })
	})
	a.OnCanPlay(func() {
		loop.Post(func() { c.buffering = false })
	})
	return c
}

// OnLoaded registers fn to run on the loop when the current load settles.
// Superseded loads never reach it.
func (c *Controller) OnLoaded(fn func(url string, err error)) {
	c.onLoaded = fn
}

// Load starts loading url and returns the load's sequence token. The decoder
// starts at 0; once ready it is set to playing (or not) and moved to startAt.
func (c *Controller) Load(url string, playing bool, startAt float64) uint64 {
	c.token++
	token := c.token
	c.source = url
	c.loading = true
	c.wantPlay = playing
	c.startAt = math.Max(0, startAt)
	c.loadErr = nil
	c.buffering = false
	c.level = AutoQuality

	c.log.Debug("loading source", zap.String("url", url), zap.Uint64("token", token))
	c.adapter.LoadSource(url, func(err error) {
		c.loop.Post(func() { c.finishLoad(token, url, err) })
	})
	return token
}

func (c *Controller) finishLoad(token uint64, url string, err error) {
	if token != c.token {
		c.log.Debug("discarding stale load completion",
			zap.String("url", url), zap.Uint64("token", token), zap.Uint64("current", c.token))
		return
	}
	c.loading = false
	if err != nil {
		c.loadErr = fmt.Errorf("load %s: %w", url, err)
		c.log.Warn("media load failed", zap.String("url", url), zap.Error(err))
		if c.onLoaded != nil {
			c.onLoaded(url, c.loadErr)
		}
		return
	}

	c.autoplayUnlock(c.wantPlay)
	if c.startAt > 0 {
		c.adapter.Seek(c.clamp(c.startAt))
	}
	c.startAt = 0
	if c.onLoaded != nil {
		c.onLoaded(url, nil)
	}
}

// autoplayUnlock starts playback muted, which autoplay policies permit, then
// restores the user's mute setting and pauses if the session is paused.
func (c *Controller) autoplayUnlock(playing bool) {
	c.adapter.SetMuted(true)
	if err := c.adapter.Play(); err != nil {
		c.log.Debug("muted autoplay rejected", zap.Error(err))
	}
	c.adapter.SetMuted(c.muted)
	if !playing {
		c.adapter.Pause()
	}
}

func (c *Controller) Play() {
	switch {
	case c.source == "" || c.loadErr != nil:
		return
	case c.loading:
		c.wantPlay = true
	default:
		if err := c.adapter.Play(); err != nil {
			c.log.Warn("play rejected", zap.Error(err))
		}
	}
}

func (c *Controller) Pause() {
	switch {
	case c.source == "" || c.loadErr != nil:
		return
	case c.loading:
		c.wantPlay = false
	default:
		c.adapter.Pause()
	}
}

// Seek moves to t clamped to the known duration.
func (c *Controller) Seek(t float64) {
	if c.source == "" || c.loadErr != nil {
		return
	}
	t = c.clamp(t)
	if c.loading {
		c.startAt = t
		return
	}
	c.adapter.Seek(t)
}

func (c *Controller) Source() string { return c.source }

func (c *Controller) Loading() bool { return c.loading }

// Paused reports the decoder state, or the intended state while loading.
func (c *Controller) Paused() bool {
	if c.loading {
		return !c.wantPlay
	}
	if c.source == "" {
		return true
	}
	return c.adapter.IsPaused()
}

// Position reports the decoder position, or the pending start while loading.
func (c *Controller) Position() float64 {
	if c.loading {
		return c.startAt
	}
	if c.source == "" {
		return 0
	}
	return c.adapter.Position()
}

// Duration is 0 until known.
func (c *Controller) Duration() float64 {
	if c.source == "" || c.loading {
		return 0
	}
	return c.adapter.Duration()
}

func (c *Controller) clamp(t float64) float64 {
	if t < 0 || math.IsNaN(t) {
		return 0
	}
	if d := c.Duration(); d > 0 && t > d {
		return d
	}
	return t
}

// Clamp bounds t to [0, duration] (upper bound only once duration is known).
func (c *Controller) Clamp(t float64) float64 { return c.clamp(t) }

func (c *Controller) SetQualityLevel(level int) error {
	if level != AutoQuality {
		levels := c.adapter.QualityLevels()
		if level < 0 || level >= len(levels) {
			return fmt.Errorf("%w: %d", ErrUnknownQualityLevel, level)
		}
	}
	c.adapter.SetQualityLevel(level)
	c.level = level
	return nil
}

// SetVolume sets the output volume; 0 also mutes.
func (c *Controller) SetVolume(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return ErrInvalidVolume
	}
	c.adapter.SetVolume(v)
	c.volume = v
	c.SetMuted(v == 0)
	return nil
}

func (c *Controller) SetMuted(muted bool) {
	c.adapter.SetMuted(muted)
	c.muted = muted
}

func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		Source:    c.source,
		Loading:   c.loading,
		Paused:    c.Paused(),
		Position:  c.Position(),
		Duration:  c.Duration(),
		Buffering: c.buffering,
		Level:     c.level,
		Volume:    c.volume,
		Muted:     c.muted,
	}
	if c.source != "" && !c.loading {
		s.Levels = c.adapter.QualityLevels()
	}
	if c.loadErr != nil {
		s.Err = c.loadErr.Error()
	}
	return s
}
