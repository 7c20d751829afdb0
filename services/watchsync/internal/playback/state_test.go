package playback

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_FullRecord(t *testing.T) {
	rec, skipped, err := Decode([]byte(`{"videoSource":"stream1.m3u8","isPlaying":true,"position":41.5,"lastWriter":"v1","writeId":"a:1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected nothing skipped, got %v", skipped)
	}
	st := State{}.Apply(rec)
	want := State{VideoSource: "stream1.m3u8", IsPlaying: true, Position: 41.5, LastWriter: "v1", WriteID: "a:1"}
	if st != want {
		t.Fatalf("expected %+v, got %+v", want, st)
	}
}

func TestDecode_PartialAndMalformedFields(t *testing.T) {
	rec, skipped, err := Decode([]byte(`{"isPlaying":"yes","position":-4,"videoSource":null,"lastWriter":"v2","extra":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.IsPlaying != nil || rec.Position != nil || rec.VideoSource != nil {
		t.Fatalf("malformed fields should be absent: %+v", rec)
	}
	if rec.LastWriter == nil || *rec.LastWriter != "v2" {
		t.Fatal("valid field lost alongside malformed ones")
	}
	if len(skipped) != 3 {
		t.Fatalf("expected 3 skipped fields, got %v", skipped)
	}
}

func TestDecode_NotAnObject(t *testing.T) {
	for _, in := range []string{`null`, `[]`, `"x"`, `{`} {
		if _, _, err := Decode([]byte(in)); !errors.Is(err, ErrNotObject) {
			t.Fatalf("%s: expected ErrNotObject, got %v", in, err)
		}
	}
}

func TestApply_MissingFieldsKeepPrevious(t *testing.T) {
	prev := State{VideoSource: "a.m3u8", IsPlaying: true, Position: 10, LastWriter: "v1"}
	next := prev.Apply(Record{Position: Float(0)})
	if next.VideoSource != "a.m3u8" || !next.IsPlaying || next.Position != 0 || next.LastWriter != "v1" {
		t.Fatalf("unexpected merge result: %+v", next)
	}
}

func TestMarshalJSON_OnlyPresentFields(t *testing.T) {
	b, err := json.Marshal(Record{IsPlaying: Bool(false), LastWriter: String("v1")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("expected 2 keys, got %v", m)
	}
	if m[FieldIsPlaying] != false || m[FieldLastWriter] != "v1" {
		t.Fatalf("unexpected payload: %s", b)
	}
}

func TestFields_RejectsNegativePosition(t *testing.T) {
	if _, err := (Record{Position: Float(-1)}).Fields(); err == nil {
		t.Fatal("expected error for negative position")
	}
}

func TestFromStrings(t *testing.T) {
	rec, skipped := FromStrings(map[string]string{
		FieldVideoSource: `"b.m3u8"`,
		FieldPosition:    `12.25`,
		FieldIsPlaying:   `not-json`,
	})
	if rec.VideoSource == nil || *rec.VideoSource != "b.m3u8" {
		t.Fatalf("expected videoSource, got %+v", rec)
	}
	if rec.Position == nil || *rec.Position != 12.25 {
		t.Fatalf("expected position 12.25, got %+v", rec)
	}
	if len(skipped) != 1 || skipped[0] != FieldIsPlaying {
		t.Fatalf("expected isPlaying skipped, got %v", skipped)
	}
}

func TestStateRecord_RoundTripsThroughApply(t *testing.T) {
	s := State{VideoSource: "c.m3u8", IsPlaying: true, Position: 3, LastWriter: "v3", WriteID: "x:9"}
	if got := (State{}).Apply(s.Record()); got != s {
		t.Fatalf("expected %+v, got %+v", s, got)
	}
}
