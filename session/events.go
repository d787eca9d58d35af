package session

import (
	"sync"
	"time"
)

// EventType identifies the kind of session event.
type EventType string

const (
	EventMessageAppended  EventType = "message_appended"
	EventStatusChanged    EventType = "status_changed"
	EventPlanCreated      EventType = "plan_created"
	EventStepUpdated      EventType = "step_updated"
	EventToolCallRecorded EventType = "tool_call_recorded"
)

// Event is one entry in a session's event stream.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventLog is a single-producer, multi-consumer event stream. Consumers see
// only events published after they subscribe; there is no history replay.
// The log is closed when the session reaches a terminal status, which closes
// every subscriber channel and so ends every stream.
type EventLog struct {
	sessionID string

	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

const subscriberBuffer = 64

// NewEventLog creates an event log for the given session.
func NewEventLog(sessionID string) *EventLog {
	return &EventLog{sessionID: sessionID, subs: make(map[int]chan Event)}
}

// Publish delivers an event to every current subscriber. A subscriber that
// cannot keep up has the event dropped rather than blocking the agent loop.
func (l *EventLog) Publish(t EventType, data map[string]any) {
	ev := Event{Type: t, SessionID: l.sessionID, Timestamp: time.Now(), Data: data}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe attaches a consumer and returns its channel plus a cancel
// function. Subscribing to a closed log returns an already-closed channel,
// so late consumers observe a finished (empty) stream rather than a hang.
func (l *EventLog) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.next
	l.next++
	l.subs[id] = ch
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close ends the stream for every subscriber. Idempotent.
func (l *EventLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
