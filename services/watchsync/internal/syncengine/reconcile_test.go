package syncengine

import (
	"reflect"
	"testing"

	"github.com/example/watch-party/services/watchsync/internal/playback"
	"github.com/example/watch-party/services/watchsync/internal/player"
)

func playing(src string, pos float64) player.Snapshot {
	return player.Snapshot{Source: src, Paused: false, Position: pos}
}

func TestReconcile_DriftBoundary(t *testing.T) {
	prev := playback.State{VideoSource: "a.m3u8", IsPlaying: true}
	tests := []struct {
		name  string
		local float64
		seek  bool
	}{
		{name: "exactly threshold", local: 13, seek: false},
		{name: "just over", local: 13.0001, seek: true},
		{name: "behind", local: 6.9, seek: true},
		{name: "close", local: 11, seek: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := playback.Record{Position: playback.Float(10)}
			out := Reconcile(prev, rec, playing("a.m3u8", tt.local), DefaultDriftThreshold)
			if tt.seek {
				if len(out) != 1 || out[0].Op != OpSeek || out[0].Position != 10 {
					t.Fatalf("expected seek to 10, got %+v", out)
				}
				return
			}
			if len(out) != 0 {
				t.Fatalf("expected no instructions, got %+v", out)
			}
		})
	}
}

func TestReconcile_SourceChangeLoadsFromZero(t *testing.T) {
	prev := playback.State{VideoSource: "a.m3u8", IsPlaying: true, Position: 120}
	rec := playback.Record{VideoSource: playback.String("b.m3u8"), Position: playback.Float(0)}

	out := Reconcile(prev, rec, playing("a.m3u8", 121), DefaultDriftThreshold)

	want := []Instruction{{Op: OpLoad, URL: "b.m3u8", Playing: true}}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("expected %+v, got %+v", want, out)
	}
}

func TestReconcile_LateJoinerStartsAtSharedPosition(t *testing.T) {
	rec := playback.State{VideoSource: "a.m3u8", IsPlaying: false, Position: 41}.Record()

	out := Reconcile(playback.State{}, rec, player.Snapshot{Paused: true}, DefaultDriftThreshold)

	want := []Instruction{{Op: OpLoad, URL: "a.m3u8", Playing: false, Position: 41}}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("expected %+v, got %+v", want, out)
	}
}

func TestReconcile_NearStartIsNotASeek(t *testing.T) {
	rec := playback.State{VideoSource: "a.m3u8", IsPlaying: true, Position: 2}.Record()

	out := Reconcile(playback.State{}, rec, player.Snapshot{Paused: true}, DefaultDriftThreshold)

	if len(out) != 1 || out[0].Position != 0 {
		t.Fatalf("expected load from 0, got %+v", out)
	}
}

func TestReconcile_PlayPause(t *testing.T) {
	prev := playback.State{VideoSource: "a.m3u8"}

	out := Reconcile(prev, playback.Record{IsPlaying: playback.Bool(true)},
		player.Snapshot{Source: "a.m3u8", Paused: true}, DefaultDriftThreshold)
	if len(out) != 1 || out[0].Op != OpPlay {
		t.Fatalf("expected play, got %+v", out)
	}

	out = Reconcile(prev, playback.Record{IsPlaying: playback.Bool(false)},
		player.Snapshot{Source: "a.m3u8", Paused: false}, DefaultDriftThreshold)
	if len(out) != 1 || out[0].Op != OpPause {
		t.Fatalf("expected pause, got %+v", out)
	}
}

func TestReconcile_MissingFieldsChangeNothing(t *testing.T) {
	prev := playback.State{VideoSource: "a.m3u8", IsPlaying: true, Position: 100}
	rec := playback.Record{LastWriter: playback.String("v2")}

	if out := Reconcile(prev, rec, player.Snapshot{Source: "a.m3u8", Paused: true, Position: 3}, DefaultDriftThreshold); len(out) != 0 {
		t.Fatalf("expected no instructions, got %+v", out)
	}
}

func TestReconcile_NoSourceOrFailedLoadSkips(t *testing.T) {
	rec := playback.Record{IsPlaying: playback.Bool(true), Position: playback.Float(50)}

	if out := Reconcile(playback.State{}, rec, player.Snapshot{Paused: true}, DefaultDriftThreshold); len(out) != 0 {
		t.Fatalf("expected nothing without a source, got %+v", out)
	}
	failed := player.Snapshot{Source: "a.m3u8", Paused: true, Err: "load a.m3u8: 404"}
	if out := Reconcile(playback.State{VideoSource: "a.m3u8"}, rec, failed, DefaultDriftThreshold); len(out) != 0 {
		t.Fatalf("expected nothing after a failed load, got %+v", out)
	}
}

func TestReconcile_SettledStateIsIdempotent(t *testing.T) {
	shared := playback.State{VideoSource: "a.m3u8", IsPlaying: true, Position: 30}
	local := playing("a.m3u8", 31)

	for i := 0; i < 3; i++ {
		if out := Reconcile(shared, shared.Record(), local, DefaultDriftThreshold); len(out) != 0 {
			t.Fatalf("round %d: expected no instructions, got %+v", i, out)
		}
	}
}

func TestOpString(t *testing.T) {
	if OpSeek.String() != "seek" || Op(0).String() != "unknown" {
		t.Fatalf("unexpected op names: %s %s", OpSeek, Op(0))
	}
}
