package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"nusd/core/types"
	"nusd/observability"
)

const brokerHistoryLimit = 2048

// StreamEvent is a published event annotated with its position in the stream
// so subscribers can resume from a cursor after a disconnect.
type StreamEvent struct {
	Sequence  uint64       `json:"sequence"`
	Cursor    string       `json:"cursor"`
	Timestamp int64        `json:"ts"`
	Event     *types.Event `json:"event"`
}

func cloneStreamEvent(entry StreamEvent) StreamEvent {
	cloned := entry
	cloned.Event = entry.Event.Clone()
	return cloned
}

// eventRenderer is implemented by typed payloads that know their wire form.
type eventRenderer interface {
	Event() *types.Event
}

// Broker fans events out to stream subscribers. Publishing never blocks: slow
// subscribers miss events rather than stalling the ledger, and a bounded
// history window serves cursor-based backlog replay.
type Broker struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan StreamEvent
	history []StreamEvent

	nowFunc func() time.Time
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[uint64]chan StreamEvent),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the timestamp source for deterministic tests.
func (b *Broker) SetNowFunc(now func() time.Time) {
	if b == nil || now == nil {
		return
	}
	b.mu.Lock()
	b.nowFunc = now
	b.mu.Unlock()
}

// Emit implements the Emitter interface: the event is rendered to its wire
// form and published to all subscribers.
func (b *Broker) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	if renderer, ok := evt.(eventRenderer); ok {
		b.Publish(renderer.Event())
		return
	}
	b.Publish(&types.Event{Type: evt.EventType(), Attributes: map[string]string{}})
}

// Publish appends a wire event to the stream and fans it out.
func (b *Broker) Publish(evt *types.Event) {
	if b == nil || evt == nil {
		return
	}

	b.mu.Lock()
	b.seq++
	entry := StreamEvent{
		Sequence:  b.seq,
		Cursor:    strconv.FormatUint(b.seq, 10),
		Timestamp: b.nowFunc().Unix(),
		Event:     evt.Clone(),
	}
	b.history = append(b.history, entry)
	if len(b.history) > brokerHistoryLimit {
		excess := len(b.history) - brokerHistoryLimit
		trimmed := make([]StreamEvent, brokerHistoryLimit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	subscribers := make([]chan StreamEvent, 0, len(b.subs))
	for _, ch := range b.subs {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	observability.Events().RecordPublished(evt.Type)

	for _, ch := range subscribers {
		select {
		case ch <- cloneStreamEvent(entry):
		default:
		}
	}
}

// Subscribe registers a stream consumer. Events already published after the
// supplied cursor are returned as backlog; subsequent events arrive on the
// channel. The cancel function must be called (or ctx cancelled) to release
// the subscription.
func (b *Broker) Subscribe(ctx context.Context, cursor string) (<-chan StreamEvent, func(), []StreamEvent, error) {
	if b == nil {
		return nil, nil, nil, fmt.Errorf("event broker not initialised")
	}
	updates := make(chan StreamEvent, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	history := make([]StreamEvent, len(b.history))
	copy(history, b.history)
	b.mu.Unlock()

	backlog := make([]StreamEvent, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamEvent(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			sub, ok := b.subs[id]
			if ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
