package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	taskID string
}

// EventBus stores recent events for incremental reads and fans every event
// out to live subscribers.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[*subscriber]struct{}
	log       *zap.Logger
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int, logger *zap.Logger) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[*subscriber]struct{}),
		log:       logger.Named("events"),
	}
}

// Publish appends one event, assigns sequence and timestamp and hands it to
// every matching subscriber. Subscribers whose buffer is full miss it.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for s := range b.subs {
		if s.taskID != "" && s.taskID != event.TaskID {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.log.Warn("dropping event for slow subscriber",
				zap.String("task_id", event.TaskID), zap.Int64("seq", event.Seq))
		}
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live listener. An empty taskID receives every
// event. The returned func closes the channel and must be called once.
func (b *EventBus) Subscribe(taskID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer), taskID: taskID}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
