// Package registry holds the master's bounded set of peer records.
//
// The registry is a fixed arena of slots. Removing or evicting a peer leaves a
// tombstone that a later Push may reuse. The registry is not safe for
// concurrent use; the coordinator serialises access.
package registry

import (
	"errors"
	"fmt"
	"time"

	"bmsnet/internal/clock"
	"bmsnet/internal/model"
)

// Capacity is the maximum number of peers.
const Capacity = 16

var (
	ErrRegistryFull = errors.New("registry: full")
	ErrDuplicate    = errors.New("registry: node already registered")
)

// Slot is a stable index into the registry.
type Slot int

type slotState uint8

const (
	stateEmpty slotState = iota
	stateOccupied
	stateTombstone
)

type entry struct {
	state slotState
	rec   model.PeerRecord
}

// Registry stores up to Capacity peer records keyed by node id.
type Registry struct {
	slots    [Capacity]entry
	occupied int
}

func New() *Registry {
	return &Registry{}
}

// Push inserts rec into the first free slot. It does not mutate the registry
// on error.
func (r *Registry) Push(rec model.PeerRecord) (Slot, error) {
	if _, ok := r.find(rec.ID); ok {
		return -1, fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	if r.occupied >= Capacity {
		return -1, fmt.Errorf("%w: %d peers", ErrRegistryFull, r.occupied)
	}
	free := -1
	for i := range r.slots {
		if r.slots[i].state == stateTombstone {
			free = i
			break
		}
		if r.slots[i].state == stateEmpty && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return -1, ErrRegistryFull
	}
	r.slots[free] = entry{state: stateOccupied, rec: rec}
	r.occupied++
	return Slot(free), nil
}

// Remove tombstones the slot holding id.
func (r *Registry) Remove(id model.NodeID) bool {
	i, ok := r.find(id)
	if !ok {
		return false
	}
	r.tombstone(i)
	return true
}

func (r *Registry) tombstone(i int) {
	r.slots[i] = entry{state: stateTombstone}
	r.occupied--
}

func (r *Registry) find(id model.NodeID) (int, bool) {
	for i := range r.slots {
		if r.slots[i].state == stateOccupied && r.slots[i].rec.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Get returns the record for id or nil. The pointer stays valid until the
// slot is removed.
func (r *Registry) Get(id model.NodeID) *model.PeerRecord {
	i, ok := r.find(id)
	if !ok {
		return nil
	}
	return &r.slots[i].rec
}

// SlotOf returns the slot index holding id.
func (r *Registry) SlotOf(id model.NodeID) (Slot, bool) {
	i, ok := r.find(id)
	return Slot(i), ok
}

// GetByAddress returns the first occupied record with the given string
// address.
func (r *Registry) GetByAddress(addr uint8) *model.PeerRecord {
	for i := range r.slots {
		if r.slots[i].state == stateOccupied && r.slots[i].rec.StringAddress == addr {
			return &r.slots[i].rec
		}
	}
	return nil
}

func (r *Registry) IsKnown(id model.NodeID) bool {
	_, ok := r.find(id)
	return ok
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int { return r.occupied }

// Each calls fn for every occupied slot in slot order until fn returns false.
// The set of slots is fixed when Each starts; a slot removed or reassigned by
// fn itself is skipped rather than visited.
func (r *Registry) Each(fn func(Slot, *model.PeerRecord) bool) {
	type visit struct {
		idx int
		id  model.NodeID
	}
	var visits [Capacity]visit
	n := 0
	for i := range r.slots {
		if r.slots[i].state == stateOccupied {
			visits[n] = visit{idx: i, id: r.slots[i].rec.ID}
			n++
		}
	}
	for _, v := range visits[:n] {
		e := &r.slots[v.idx]
		if e.state != stateOccupied || e.rec.ID != v.id {
			continue
		}
		if !fn(Slot(v.idx), &e.rec) {
			return
		}
	}
}

// IDs returns the occupied node ids in slot order.
func (r *Registry) IDs() []model.NodeID {
	ids := make([]model.NodeID, 0, r.occupied)
	r.Each(func(_ Slot, rec *model.PeerRecord) bool {
		ids = append(ids, rec.ID)
		return true
	})
	return ids
}

// EvictStale tombstones every peer not seen for more than ttl and returns
// the evicted ids.
func (r *Registry) EvictStale(now uint64, ttl time.Duration) []model.NodeID {
	var evicted []model.NodeID
	for i := range r.slots {
		e := &r.slots[i]
		if e.state != stateOccupied {
			continue
		}
		if clock.Elapsed(now, e.rec.LastSeen, ttl) {
			evicted = append(evicted, e.rec.ID)
			r.tombstone(i)
		}
	}
	return evicted
}

// Snapshot returns deep copies of all occupied records in slot order.
func (r *Registry) Snapshot() []model.PeerRecord {
	out := make([]model.PeerRecord, 0, r.occupied)
	r.Each(func(_ Slot, rec *model.PeerRecord) bool {
		cp := *rec
		cp.CellVoltages = append([]float32(nil), rec.CellVoltages...)
		cp.Temperatures = append([]float32(nil), rec.Temperatures...)
		out = append(out, cp)
		return true
	})
	return out
}
