// Package analytics provides a fire-and-forget NATS publisher for watch-party
// events. Nothing in the sync path waits on it.
package analytics

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectSourceLoaded   = "analytics.watchparty.source_loaded"
	SubjectLoadFailed     = "analytics.watchparty.load_failed"
	SubjectDriftCorrected = "analytics.watchparty.drift_corrected"
)

// subjects maps engine event names to subjects.
var subjects = map[string]string{
	"source_loaded":   SubjectSourceLoaded,
	"load_failed":     SubjectLoadFailed,
	"drift_corrected": SubjectDriftCorrected,
}

// Event is the envelope sent to all analytics.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	ViewerID   string         `json:"viewer_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Publisher publishes analytics events to NATS JetStream.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	js       nats.JetStreamContext
	log      *zap.Logger
	viewerID string
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub.
func New(js nats.JetStreamContext, viewerID string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log, viewerID: viewerID}
}

// Emit routes an engine event name to its subject. Unknown names are dropped.
func (p *Publisher) Emit(name string, props map[string]any) {
	subject, ok := subjects[name]
	if !ok {
		return
	}
	p.Publish(subject, name, props)
}

// Publish sends an analytics event asynchronously (fire-and-forget).
// Failures are logged as warnings and never surface to the caller.
func (p *Publisher) Publish(subject, eventName string, props map[string]any) {
	if p == nil || p.js == nil {
		return
	}
	data, err := json.Marshal(p.envelope(eventName, props))
	if err != nil {
		p.log.Warn("analytics: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.log.Warn("analytics: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Publisher) envelope(eventName string, props map[string]any) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		ViewerID:   p.viewerID,
		OccurredAt: time.Now().UTC(),
		Properties: props,
	}
}
