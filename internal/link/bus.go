package link

import (
	"fmt"
	"sync"

	"bmsnet/internal/model"
	"bmsnet/internal/wire"
)

// Filter decides whether a frame is delivered. Returning false drops it.
type Filter func(from, to model.NodeID, payload []byte) bool

// Bus is an in-memory broadcast medium. It delivers synchronously into each
// endpoint's queue and keeps a transmit log per endpoint.
type Bus struct {
	mu        sync.Mutex
	endpoints map[model.NodeID]*Endpoint
	filter    Filter
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[model.NodeID]*Endpoint)}
}

// SetFilter installs a loss hook. nil delivers everything.
func (b *Bus) SetFilter(f Filter) {
	b.mu.Lock()
	b.filter = f
	b.mu.Unlock()
}

// Attach creates an endpoint for id with its own receive queue.
func (b *Bus) Attach(id model.NodeID, depth int) *Endpoint {
	ep := &Endpoint{bus: b, id: id, queue: NewQueue(depth)}
	b.mu.Lock()
	b.endpoints[id] = ep
	b.mu.Unlock()
	return ep
}

// Detach removes id from the bus. Frames addressed to it are lost.
func (b *Bus) Detach(id model.NodeID) {
	b.mu.Lock()
	delete(b.endpoints, id)
	b.mu.Unlock()
}

func (b *Bus) deliver(from, to model.NodeID, payload []byte) error {
	b.mu.Lock()
	filter := b.filter
	var targets []*Endpoint
	if to.IsBroadcast() {
		for id, ep := range b.endpoints {
			if id != from {
				targets = append(targets, ep)
			}
		}
	} else if ep, ok := b.endpoints[to]; ok {
		targets = append(targets, ep)
	}
	b.mu.Unlock()

	if len(targets) == 0 && !to.IsBroadcast() {
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	for _, ep := range targets {
		if filter != nil && !filter(from, to, payload) {
			continue
		}
		ep.queue.Push(from, payload)
	}
	return nil
}

// Sent is one entry in an endpoint's transmit log.
type Sent struct {
	To      model.NodeID
	Payload []byte
}

// Endpoint is one node's attachment to a Bus.
type Endpoint struct {
	bus   *Bus
	id    model.NodeID
	queue *Queue

	mu  sync.Mutex
	log []Sent
}

func (e *Endpoint) ID() model.NodeID { return e.id }

func (e *Endpoint) Queue() *Queue { return e.queue }

func (e *Endpoint) Send(to model.NodeID, payload []byte) error {
	if len(payload) > wire.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrOversize, len(payload))
	}
	cp := append([]byte(nil), payload...)
	e.mu.Lock()
	e.log = append(e.log, Sent{To: to, Payload: cp})
	e.mu.Unlock()
	return e.bus.deliver(e.id, to, cp)
}

// TxLog returns a copy of everything sent through the endpoint.
func (e *Endpoint) TxLog() []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Sent, len(e.log))
	copy(out, e.log)
	return out
}

// ResetTxLog clears the transmit log.
func (e *Endpoint) ResetTxLog() {
	e.mu.Lock()
	e.log = nil
	e.mu.Unlock()
}

// Inject places a frame in the endpoint's queue as if from was on the bus.
func (e *Endpoint) Inject(from model.NodeID, payload []byte) bool {
	return e.queue.Push(from, payload)
}
