// Package clock provides microsecond clocks and wraparound-safe arithmetic.
package clock

import (
	"sync"
	"time"
)

// Clock reads a free-running microsecond counter.
type Clock interface {
	Now() uint64
}

// Diff returns a-b as a signed value. The counters may wrap, so raw unsigned
// subtraction must never be compared directly.
func Diff(a, b uint64) int64 {
	return int64(a - b)
}

// After reports whether a is later than b.
func After(a, b uint64) bool {
	return Diff(a, b) > 0
}

// Elapsed reports whether more than d microseconds separate since and now.
func Elapsed(now, since uint64, d time.Duration) bool {
	return Diff(now, since) > d.Microseconds()
}

// Add offsets t by d, wrapping like the counter does.
func Add(t uint64, d time.Duration) uint64 {
	return t + uint64(d.Microseconds())
}

// System is a monotonic clock aligned to the Unix epoch at construction.
type System struct {
	base  uint64
	start time.Time
}

func NewSystem() *System {
	now := time.Now()
	return &System{base: uint64(now.UnixMicro()), start: now}
}

func (s *System) Now() uint64 {
	return s.base + uint64(time.Since(s.start).Microseconds())
}

// Manual is a clock driven by tests.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

func NewManual(start uint64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(v uint64) {
	m.mu.Lock()
	m.now = v
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += uint64(d.Microseconds())
	m.mu.Unlock()
}

// Adjustable layers a correction on top of a source clock. A slave uses it to
// take the master's epoch from WELCOME and the sync offset from SYNC_REF.
type Adjustable struct {
	mu     sync.Mutex
	src    Clock
	offset int64
}

func NewAdjustable(src Clock) *Adjustable {
	return &Adjustable{src: src}
}

func (a *Adjustable) Now() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.src.Now() + uint64(a.offset)
}

// SetEpoch steps the clock to epochUS truncated to whole seconds.
func (a *Adjustable) SetEpoch(epochUS uint64) {
	coarse := epochUS - epochUS%1_000_000
	a.mu.Lock()
	a.offset = Diff(coarse, a.src.Now())
	a.mu.Unlock()
}

// Adjust adds delta microseconds to the current correction.
func (a *Adjustable) Adjust(delta int64) {
	a.mu.Lock()
	a.offset += delta
	a.mu.Unlock()
}

func (a *Adjustable) Offset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}
