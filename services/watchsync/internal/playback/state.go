// Package playback defines the replicated "now playing" record shared by all
// viewers of a session, and its partial form used for writes and for
// tolerant decoding of whatever the store hands back.
package playback

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Wire field names.
const (
	FieldVideoSource = "videoSource"
	FieldIsPlaying   = "isPlaying"
	FieldPosition    = "position"
	FieldLastWriter  = "lastWriter"
	FieldWriteID     = "writeId"
)

var ErrNotObject = errors.New("playback record is not a JSON object")

// State is the full shared record as last observed. An empty VideoSource
// means no session is active.
type State struct {
	VideoSource string  `json:"videoSource"`
	IsPlaying   bool    `json:"isPlaying"`
	Position    float64 `json:"position"`
	LastWriter  string  `json:"lastWriter"`
	WriteID     string  `json:"writeId,omitempty"`
}

// Record is a partial State. A nil field means "absent": on write it is not
// merged, on read it means no change for that field.
type Record struct {
	VideoSource *string
	IsPlaying   *bool
	Position    *float64
	LastWriter  *string
	WriteID     *string
}

// Apply merges the present fields of r into s.
func (s State) Apply(r Record) State {
	if r.VideoSource != nil {
		s.VideoSource = *r.VideoSource
	}
	if r.IsPlaying != nil {
		s.IsPlaying = *r.IsPlaying
	}
	if r.Position != nil {
		s.Position = *r.Position
	}
	if r.LastWriter != nil {
		s.LastWriter = *r.LastWriter
	}
	if r.WriteID != nil {
		s.WriteID = *r.WriteID
	}
	return s
}

// Record returns s with every field present.
func (s State) Record() Record {
	return Record{
		VideoSource: String(s.VideoSource),
		IsPlaying:   Bool(s.IsPlaying),
		Position:    Float(s.Position),
		LastWriter:  String(s.LastWriter),
		WriteID:     String(s.WriteID),
	}
}

func (r Record) Empty() bool {
	return r.VideoSource == nil && r.IsPlaying == nil && r.Position == nil &&
		r.LastWriter == nil && r.WriteID == nil
}

// Fields encodes each present field separately. Stores that merge per field
// (hash fields, jsonb keys) write these as-is.
func (r Record) Fields() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, 5)
	put := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = b
		return nil
	}
	if r.VideoSource != nil {
		if err := put(FieldVideoSource, *r.VideoSource); err != nil {
			return nil, err
		}
	}
	if r.IsPlaying != nil {
		if err := put(FieldIsPlaying, *r.IsPlaying); err != nil {
			return nil, err
		}
	}
	if r.Position != nil {
		if !validPosition(*r.Position) {
			return nil, fmt.Errorf("encode %s: invalid value %v", FieldPosition, *r.Position)
		}
		if err := put(FieldPosition, *r.Position); err != nil {
			return nil, err
		}
	}
	if r.LastWriter != nil {
		if err := put(FieldLastWriter, *r.LastWriter); err != nil {
			return nil, err
		}
	}
	if r.WriteID != nil {
		if err := put(FieldWriteID, *r.WriteID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	fields, err := r.Fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// Decode parses a wire record. Fields that are missing, null, of the wrong
// type or out of range are left absent and their names returned in skipped;
// the rest of the record survives. Only a payload that is not a JSON object
// is an error.
func Decode(data []byte) (rec Record, skipped []string, err error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return Record{}, nil, ErrNotObject
	}
	rec, skipped = FromFields(raw)
	return rec, skipped, nil
}

// FromFields decodes per-field values, with the same tolerance as Decode.
// Unknown fields are ignored.
func FromFields(raw map[string]json.RawMessage) (rec Record, skipped []string) {
	decode := func(name string, dst any) bool {
		v, ok := raw[name]
		if !ok {
			return false
		}
		if string(v) == "null" || json.Unmarshal(v, dst) != nil {
			skipped = append(skipped, name)
			return false
		}
		return true
	}

	var src string
	if decode(FieldVideoSource, &src) {
		rec.VideoSource = &src
	}
	var playing bool
	if decode(FieldIsPlaying, &playing) {
		rec.IsPlaying = &playing
	}
	var pos float64
	if decode(FieldPosition, &pos) {
		if validPosition(pos) {
			rec.Position = &pos
		} else {
			skipped = append(skipped, FieldPosition)
		}
	}
	var writer string
	if decode(FieldLastWriter, &writer) {
		rec.LastWriter = &writer
	}
	var id string
	if decode(FieldWriteID, &id) {
		rec.WriteID = &id
	}
	return rec, skipped
}

// FromStrings adapts string-valued field maps such as Redis hashes.
func FromStrings(raw map[string]string) (Record, []string) {
	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		fields[k] = json.RawMessage(v)
	}
	return FromFields(fields)
}

func validPosition(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p >= 0
}

func String(v string) *string { return &v }

func Bool(v bool) *bool { return &v }

func Float(v float64) *float64 { return &v }
