// Package analytics provides a fire-and-forget NATS publisher for analytics events.
package analytics

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectLearningTimeFlushed      = "analytics.learning_time.flushed"
	SubjectLearningTimeDeadLettered = "analytics.learning_time.dead_lettered"
)

// Event is the canonical envelope sent to all analytics.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Publisher publishes analytics events to NATS JetStream.
// A nil pointer is a safe no-op stub.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
	now func() time.Time
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub.
func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log, now: time.Now}
}

// NewEvent builds the envelope Publish would send.
func (p *Publisher) NewEvent(eventName, userID string, props map[string]any) Event {
	now := time.Now
	if p != nil && p.now != nil {
		now = p.now
	}
	return Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		UserID:     userID,
		OccurredAt: now().UTC(),
		Properties: props,
	}
}

// Publish sends an analytics event asynchronously. Failures are logged
// and never surface to the caller.
func (p *Publisher) Publish(subject, eventName, userID string, props map[string]any) {
	if p == nil || p.js == nil {
		return
	}
	ev := p.NewEvent(eventName, userID, props)
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("analytics: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data, nats.MsgId(ev.EventID)); err != nil {
		p.log.Warn("analytics: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
