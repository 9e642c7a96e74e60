package monitor

import (
	"context"
	"sync"
	"time"

	"rakgateway/command"
	"rakgateway/serialcomm"
)

// EventType classifies a live event.
type EventType string

const (
	EventFrame   EventType = "frame"
	EventSession EventType = "session"
)

// Event is the JSON envelope sent to websocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// FrameEvent summarizes a processed frame.
type FrameEvent struct {
	ReceivedAt time.Time                `json:"receivedAt"`
	Checksum   uint16                   `json:"checksum"`
	Result     command.Result           `json:"result"`
	Code       int                      `json:"code,omitempty"`
	Record     *serialcomm.SensorRecord `json:"record,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans events out to subscribers. Slow subscribers miss events
// rather than stall the publisher.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber. The returned func unregisters it and
// closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Observe implements command.Observer.
func (b *EventBus) Observe(_ context.Context, o command.Outcome) {
	fe := FrameEvent{
		ReceivedAt: o.Frame.ReceivedAt,
		Checksum:   o.Frame.Checksum(),
		Result:     o.Result,
		Code:       o.Code,
		Record:     o.Record,
	}
	if o.Err != nil {
		fe.Error = o.Err.Error()
	}
	b.Publish(Event{Type: EventFrame, Data: fe})
}

// PublishSession announces a session state change.
func (b *EventBus) PublishSession(status any) {
	b.Publish(Event{Type: EventSession, Data: status})
}

// Len returns the number of subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
