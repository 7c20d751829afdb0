package player

import (
	"context"
	"sync"
	"time"
)

// SimOptions configures a Sim. The zero value is an offline, policy-free
// player on the wall clock.
type SimOptions struct {
	Clock func() time.Time
	// Fetcher loads manifests for quality levels and duration. Nil skips
	// fetching and every load succeeds.
	Fetcher *ManifestFetcher
	// AutoplayPolicy rejects unmuted Play until Interact is called.
	AutoplayPolicy bool
}

// Sim is a headless Adapter whose position advances with the clock while
// playing and not buffering.
type Sim struct {
	mu             sync.Mutex
	now            func() time.Time
	fetcher        *ManifestFetcher
	autoplayPolicy bool
	interacted     bool

	seq       uint64
	source    string
	paused    bool
	base      float64
	anchor    time.Time
	duration  float64
	buffering bool
	muted     bool
	volume    float64
	levels    []QualityLevel
	level     int

	onBuffering []func(bool)
	onCanPlay   []func()
}

var _ Adapter = (*Sim)(nil)

func NewSim(opts SimOptions) *Sim {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Sim{
		now:            opts.Clock,
		fetcher:        opts.Fetcher,
		autoplayPolicy: opts.AutoplayPolicy,
		paused:         true,
		volume:         1,
		level:          AutoQuality,
	}
}

func (s *Sim) LoadSource(url string, ready func(err error)) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.source = url
	s.paused = true
	s.base = 0
	s.anchor = s.now()
	s.duration = 0
	s.levels = nil
	s.level = AutoQuality
	fetcher := s.fetcher
	s.mu.Unlock()

	go func() {
		var m Manifest
		var err error
		if fetcher != nil {
			m, err = fetcher.Fetch(context.Background(), url)
		}

		s.mu.Lock()
		current := seq == s.seq
		if current && err == nil {
			s.levels = m.QualityLevels()
			s.duration = m.Duration
		}
		canPlay := append([]func(){}, s.onCanPlay...)
		s.mu.Unlock()

		ready(err)
		if current && err == nil {
			for _, fn := range canPlay {
				fn()
			}
		}
	}()
}

func (s *Sim) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoplayPolicy && !s.interacted && !s.muted {
		return ErrAutoplayBlocked
	}
	if !s.paused {
		return nil
	}
	s.anchor = s.now()
	s.paused = false
	return nil
}

func (s *Sim) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.base = s.positionLocked()
	s.anchor = s.now()
	s.paused = true
}

func (s *Sim) Seek(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t < 0 {
		t = 0
	}
	if s.duration > 0 && t > s.duration {
		t = s.duration
	}
	s.base = t
	s.anchor = s.now()
}

func (s *Sim) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Sim) positionLocked() float64 {
	if s.paused || s.buffering {
		return s.base
	}
	p := s.base + s.now().Sub(s.anchor).Seconds()
	if s.duration > 0 && p > s.duration {
		p = s.duration
	}
	return p
}

func (s *Sim) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Sim) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Sim) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *Sim) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Sim) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *Sim) OnBuffering(fn func(buffering bool)) {
	s.mu.Lock()
	s.onBuffering = append(s.onBuffering, fn)
	s.mu.Unlock()
}

func (s *Sim) OnCanPlay(fn func()) {
	s.mu.Lock()
	s.onCanPlay = append(s.onCanPlay, fn)
	s.mu.Unlock()
}

func (s *Sim) QualityLevels() []QualityLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QualityLevel(nil), s.levels...)
}

func (s *Sim) SetQualityLevel(level int) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// Interact records a user gesture, lifting the autoplay restriction.
func (s *Sim) Interact() {
	s.mu.Lock()
	s.interacted = true
	s.mu.Unlock()
}

// SetBuffering simulates a stall (true) or recovery (false). The position is
// frozen while buffering.
func (s *Sim) SetBuffering(buffering bool) {
	s.mu.Lock()
	if s.buffering == buffering {
		s.mu.Unlock()
		return
	}
	s.base = s.positionLocked()
	s.anchor = s.now()
	s.buffering = buffering
	onBuffering := append([]func(bool){}, s.onBuffering...)
	onCanPlay := append([]func(){}, s.onCanPlay...)
	s.mu.Unlock()

	for _, fn := range onBuffering {
		fn(buffering)
	}
	if !buffering {
		for _, fn := range onCanPlay {
			fn()
		}
	}
}
