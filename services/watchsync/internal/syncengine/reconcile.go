package syncengine

import (
	"math"

	"github.com/example/watch-party/services/watchsync/internal/playback"
	"github.com/example/watch-party/services/watchsync/internal/player"
)

// DefaultDriftThreshold is the drift, in seconds, above which a viewer is
// hard-seeked to the shared position. Drift of exactly the threshold is left
// alone.
const DefaultDriftThreshold = 3.0

type Op int

const (
	OpLoad Op = iota + 1
	OpPlay
	OpPause
	OpSeek
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpPlay:
		return "play"
	case OpPause:
		return "pause"
	case OpSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// Instruction is one player effect produced by Reconcile.
type Instruction struct {
	Op Op
	// URL is the source for OpLoad.
	URL string
	// Playing is the transport state to settle in once an OpLoad is ready.
	Playing bool
	// Position is the OpSeek target, or where an OpLoad starts once ready.
	Position float64
	// Drift is local minus shared position for OpSeek.
	Drift float64
}

// Reconcile decides which player effects bring local in line with an incoming
// record. prev is the shared state before rec was merged. Fields absent from
// rec are not reconciled.
//
// A new source is loaded from 0; the load carries the session's transport
// state and, for a viewer joining mid-session, the shared position as its
// start. Otherwise play/pause follows rec.IsPlaying when it differs from the
// decoder, and a seek is issued when the position drifts by more than
// threshold.
func Reconcile(prev playback.State, rec playback.Record, local player.Snapshot, threshold float64) []Instruction {
	next := prev.Apply(rec)

	if rec.VideoSource != nil && *rec.VideoSource != "" && *rec.VideoSource != local.Source {
		in := Instruction{Op: OpLoad, URL: *rec.VideoSource, Playing: next.IsPlaying}
		if drifted(0, next.Position, threshold) {
			in.Position = next.Position
		}
		return []Instruction{in}
	}

	if local.Source == "" || local.Err != "" {
		return nil
	}

	var out []Instruction
	if rec.IsPlaying != nil && *rec.IsPlaying == local.Paused {
		op := OpPause
		if *rec.IsPlaying {
			op = OpPlay
		}
		out = append(out, Instruction{Op: op})
	}
	if rec.Position != nil && drifted(local.Position, *rec.Position, threshold) {
		out = append(out, Instruction{
			Op:       OpSeek,
			Position: *rec.Position,
			Drift:    local.Position - *rec.Position,
		})
	}
	return out
}

func drifted(local, shared, threshold float64) bool {
	return math.Abs(local-shared) > threshold
}
