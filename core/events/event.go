package events

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder buffers events raised during a single operation so they become
// visible only if the operation commits. Aborted operations drain the recorder
// without forwarding, keeping partial work unobservable.
type Recorder struct {
	buffered []Event
}

// Emit implements the Emitter interface by appending to the buffer.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.buffered = append(r.buffered, evt)
}

// Events returns the buffered events in emission order.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	return r.buffered
}

// FlushTo forwards every buffered event to the sink and clears the buffer.
func (r *Recorder) FlushTo(sink Emitter) {
	if r == nil {
		return
	}
	if sink != nil {
		for _, evt := range r.buffered {
			sink.Emit(evt)
		}
	}
	r.buffered = nil
}

// Reset drops all buffered events.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.buffered = nil
}
