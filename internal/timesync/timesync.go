// Package timesync implements the four-timestamp offset exchange used to
// align slave clocks with the master.
//
//	initiator                responder
//	T1 ---- SYNC_REQ(T1) ---->  T2
//	T3 <--- SYNC_ACK(T1,T2) --
//	   ---- SYNC_REF(T1,T2,T3) -> T4, apply offset
//	   <--- SYNC_FIN(T1..T4) ---
//
// All arithmetic goes through clock.Diff so counters may wrap.
package timesync

import (
	"errors"
	"fmt"
	"time"

	"bmsnet/internal/clock"
	"bmsnet/internal/model"
	"bmsnet/internal/wire"
)

// DefaultDeadline bounds the time between SYNC_REQ and its SYNC_ACK.
const DefaultDeadline = 200 * time.Millisecond

var (
	// ErrLateReply is returned when an ACK arrives after the round deadline or
	// echoes a T1 that no round is waiting for.
	ErrLateReply = errors.New("timesync: late reply")
	// ErrMismatch is returned when a SYNC_REF does not echo the stored T1/T2.
	ErrMismatch = errors.New("timesync: echoed timestamps mismatch")
	// ErrNoRound is returned when a SYNC_REF arrives with nothing in flight.
	ErrNoRound = errors.New("timesync: no round in flight")
)

// Offset is the correction the responder adds to its clock.
func Offset(t1, t2, t3, t4 uint64) int64 {
	return (clock.Diff(t2, t1) + clock.Diff(t3, t4)) / 2
}

// RoundTrip is the two-way delay minus the initiator's turnaround.
func RoundTrip(t1, t2, t3, t4 uint64) int64 {
	return clock.Diff(t4, t1) - clock.Diff(t3, t2)
}

// Result is a completed round.
type Result struct {
	T1, T2, T3, T4 uint64
	OffsetUS       int64
	RoundTripUS    int64
}

func Compute(t1, t2, t3, t4 uint64) Result {
	return Result{
		T1: t1, T2: t2, T3: t3, T4: t4,
		OffsetUS:    Offset(t1, t2, t3, t4),
		RoundTripUS: RoundTrip(t1, t2, t3, t4),
	}
}

// FromFin recomputes the result reported in a SYNC_FIN.
func FromFin(fin wire.SyncFin) Result {
	return Compute(fin.T1, fin.T2, fin.T3, fin.T4)
}

// Fin is the confirmation the responder sends after applying the offset.
func (r Result) Fin() wire.SyncFin {
	return wire.SyncFin{T1: r.T1, T2: r.T2, T3: r.T3, T4: r.T4}
}

// Exchange is the initiator half of a round.
type Exchange struct {
	Peer     model.NodeID
	T1       uint64
	Deadline uint64
}

// Start opens a round against peer (which may be broadcast) at now.
func Start(peer model.NodeID, now uint64, window time.Duration) *Exchange {
	if window <= 0 {
		window = DefaultDeadline
	}
	return &Exchange{Peer: peer, T1: now, Deadline: clock.Add(now, window)}
}

// Request is the SYNC_REQ that opens the round.
func (e *Exchange) Request() wire.SyncReq {
	return wire.SyncReq{T1: e.T1}
}

// Expired reports whether the deadline has passed at now.
func (e *Exchange) Expired(now uint64) bool {
	return clock.After(now, e.Deadline)
}

// Accept validates an ACK received at now and returns the SYNC_REF to send,
// stamped with T3 = now. A late or foreign ACK yields ErrLateReply and no
// reference.
func (e *Exchange) Accept(ack wire.SyncAck, now uint64) (wire.SyncRef, error) {
	if ack.T1 != e.T1 {
		return wire.SyncRef{}, fmt.Errorf("%w: echoed t1=%d want %d", ErrLateReply, ack.T1, e.T1)
	}
	if e.Expired(now) {
		return wire.SyncRef{}, fmt.Errorf("%w: %dus past deadline", ErrLateReply, clock.Diff(now, e.Deadline))
	}
	return wire.SyncRef{T1: e.T1, T2: ack.T2, T3: now}, nil
}

// Responder is the slave half of a round. It holds at most one round.
type Responder struct {
	pending bool
	t1, t2  uint64
}

// Request stamps T2 = now and returns the ACK. It replaces any round in flight.
func (r *Responder) Request(req wire.SyncReq, now uint64) wire.SyncAck {
	r.pending = true
	r.t1, r.t2 = req.T1, now
	return wire.SyncAck{T1: req.T1, T2: now}
}

// Reference checks the echo, stamps T4 = now and completes the round. On any
// error the responder state is left as it was and nothing should be applied.
func (r *Responder) Reference(ref wire.SyncRef, now uint64) (Result, error) {
	if !r.pending {
		return Result{}, ErrNoRound
	}
	if ref.T1 != r.t1 || ref.T2 != r.t2 {
		return Result{}, fmt.Errorf("%w: got (%d,%d) want (%d,%d)", ErrMismatch, ref.T1, ref.T2, r.t1, r.t2)
	}
	r.pending = false
	return Compute(ref.T1, ref.T2, ref.T3, now), nil
}

// Pending reports whether a round is waiting for its reference.
func (r *Responder) Pending() bool { return r.pending }

// Reset drops any round in flight.
func (r *Responder) Reset() { r.pending = false }
