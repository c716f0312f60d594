// Package events broadcasts runner lifecycle changes to in-process
// subscribers such as the API's event stream.
package events

import (
	"time"

	"github.com/kelindar/event"

	"github.com/benaskins/warden/internal/runner"
)

// Event type identifiers.
const (
	TypeStateChanged uint32 = iota + 1
	TypeEvicted
)

// Event is anything the bus can carry.
type Event interface {
	Type() uint32
}

// StateChanged is published on every runner transition.
type StateChanged struct {
	Runner string       `json:"runner"`
	From   runner.State `json:"from"`
	To     runner.State `json:"to"`
	At     time.Time    `json:"at"`
}

func (StateChanged) Type() uint32 { return TypeStateChanged }

// Evicted is published when the collection drops a runner.
type Evicted struct {
	Runner string       `json:"runner"`
	State  runner.State `json:"state"`
	At     time.Time    `json:"at"`
}

func (Evicted) Type() uint32 { return TypeEvicted }

// Bus wraps a kelindar/event dispatcher. Delivery is asynchronous.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish sends ev to the subscribers of its concrete type.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case Evicted:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers fn for events of type T and returns the function
// that cancels the subscription.
func Subscribe[T Event](b *Bus, fn func(T)) func() {
	return event.Subscribe(b.dispatcher, fn)
}

// SubscribeChan forwards events of type T into ch, dropping them when ch is
// full so a slow reader never stalls the bus.
func SubscribeChan[T Event](b *Bus, ch chan<- Event) func() {
	return event.Subscribe(b.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// Forwarder is a runner listener that publishes every transition.
type Forwarder struct {
	runner.BaseListener
	bus *Bus
}

// NewForwarder creates a listener publishing onto b.
func NewForwarder(b *Bus) *Forwarder {
	return &Forwarder{bus: b}
}

func (f *Forwarder) OnStateChanged(r *runner.Runner, from, to runner.State) {
	f.bus.Publish(StateChanged{Runner: r.Name(), From: from, To: to, At: time.Now()})
}

// Evicted publishes the eviction of r.
func (f *Forwarder) Evicted(r *runner.Runner) {
	f.bus.Publish(Evicted{Runner: r.Name(), State: r.State(), At: time.Now()})
}
