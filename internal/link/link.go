// Package link carries raw frames between nodes.
//
// Receivers never run protocol logic: they copy the payload into a Queue and
// return. A single dispatch loop drains the queue.
package link

import (
	"errors"
	"sync/atomic"

	"bmsnet/internal/model"
	"bmsnet/internal/wire"
)

// DefaultQueueDepth is the receive buffer length used when none is configured.
const DefaultQueueDepth = 32

var (
	ErrClosed      = errors.New("link: closed")
	ErrUnreachable = errors.New("link: no route to node")
	ErrOversize    = errors.New("link: payload exceeds mtu")
)

// Sender transmits payloads to a node or to model.Broadcast.
type Sender interface {
	ID() model.NodeID
	Send(to model.NodeID, payload []byte) error
}

// Frame is one received payload. It is a value type so the receive path does
// not allocate.
type Frame struct {
	From model.NodeID
	N    int
	Buf  [wire.MaxFrameSize]byte
}

func (f *Frame) Payload() []byte { return f.Buf[:f.N] }

// Queue is a bounded handoff between a receive callback and the dispatch loop.
type Queue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{ch: make(chan Frame, depth)}
}

// Push copies payload into the queue. It never blocks; when the queue is full
// or the payload is over the MTU the frame is dropped and counted.
func (q *Queue) Push(from model.NodeID, payload []byte) bool {
	if len(payload) > wire.MaxFrameSize {
		q.dropped.Add(1)
		return false
	}
	f := Frame{From: from, N: len(payload)}
	copy(f.Buf[:], payload)
	select {
	case q.ch <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C is drained by the dispatch loop.
func (q *Queue) C() <-chan Frame { return q.ch }

// Dropped returns the number of frames discarded so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Len is the number of frames waiting.
func (q *Queue) Len() int { return len(q.ch) }
