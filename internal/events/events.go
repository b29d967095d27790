// Package events carries the three event kinds the core surfaces to a UI:
// Connected, Disconnected(reason) and UpData(bytes). Nothing else crosses
// this boundary (spec.md §7).
package events

// Kind identifies an event's payload shape.
type Kind int

const (
	Connected Kind = iota
	Disconnected
	UpData
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case UpData:
		return "UpData"
	default:
		return "Unknown"
	}
}

// Event is a single notification posted to a Bus subscriber.
type Event struct {
	Kind   Kind
	Reason error  // set for Disconnected
	Data   []byte // set for UpData
}

// Bus fans a single producer's events out to one subscriber channel. The
// core only ever has one consumer (the host UI, or in this repo the CLI),
// so a single buffered channel is sufficient.
type Bus struct {
	ch chan Event
}

// NewBus creates a Bus with the given channel capacity. A capacity of zero
// still works but risks the producer blocking on a slow subscriber.
func NewBus(capacity int) *Bus {
	return &Bus{ch: make(chan Event, capacity)}
}

// Events returns the read side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Emit posts an event, dropping it if the subscriber's buffer is full
// rather than blocking the poll scheduler or GDB bridge on a stalled UI.
func (b *Bus) Emit(e Event) {
	select {
	case b.ch <- e:
	default:
	}
}

// EmitConnected posts a Connected event.
func (b *Bus) EmitConnected() {
	b.Emit(Event{Kind: Connected})
}

// EmitDisconnected posts a Disconnected event carrying reason.
func (b *Bus) EmitDisconnected(reason error) {
	b.Emit(Event{Kind: Disconnected, Reason: reason})
}

// EmitUpData posts a chunk of up-stream bytes (RTT drain or sampler line).
func (b *Bus) EmitUpData(data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.Emit(Event{Kind: UpData, Data: cp})
}

// Close closes the underlying channel. Only the producer should call this.
func (b *Bus) Close() {
	close(b.ch)
}
