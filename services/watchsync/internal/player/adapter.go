// Package player drives the local media pipeline. Adapter is the capability
// surface of a decoder; Controller owns the load sequence and the local view
// of playback that the sync engine reconciles against.
package player

import "errors"

// AutoQuality selects adaptive bitrate instead of a fixed level.
const AutoQuality = -1

var (
	ErrAutoplayBlocked     = errors.New("autoplay blocked: unmuted play requires a user gesture")
	ErrUnknownQualityLevel = errors.New("unknown quality level")
	ErrInvalidVolume       = errors.New("volume must be within [0, 1]")
)

// QualityLevel is one rendition of an adaptive stream.
type QualityLevel struct {
	Index     int    `json:"index"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Bandwidth int    `json:"bandwidth,omitempty"`
	URI       string `json:"-"`
}

// Adapter is the media pipeline. Callbacks may be invoked from any goroutine.
//
// LoadSource replaces the current source, resets the position to 0 and
// leaves the decoder paused; ready is called once the manifest has been
// parsed or loading failed. Play may fail when the platform's autoplay
// policy rejects unmuted playback.
type Adapter interface {
	LoadSource(url string, ready func(err error))
	Play() error
	Pause()
	Seek(t float64)
	Position() float64
	Duration() float64
	IsPaused() bool
	SetMuted(muted bool)
	SetVolume(v float64)
	OnBuffering(fn func(buffering bool))
	OnCanPlay(fn func())
	QualityLevels() []QualityLevel
	SetQualityLevel(level int)
}
