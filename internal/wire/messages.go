package wire

import "bmsnet/internal/model"

// Message is the closed set of frames understood by the protocol. The
// unexported method keeps other packages from adding variants, so every type
// switch over Message in this module is exhaustive by construction.
type Message interface {
	Kind() Kind
	append(b []byte) ([]byte, error)
}

// Search is broadcast by the master to discover slaves.
type Search struct{}

// Hello announces a slave's identity and capabilities.
type Hello struct {
	model.Identity
}

// Welcome accepts a slave and carries the master's epoch time.
type Welcome struct {
	EpochUS uint64
}

// DataReq asks a slave for its current measurement snapshot.
type DataReq struct{}

// Data carries a slave's measurement snapshot. Empty vectors decode as nil.
type Data struct {
	model.Measurement
}

// Conf pushes balancing configuration to a slave.
type Conf struct {
	model.BalanceConfig
}

// ConfAck confirms a Conf.
type ConfAck struct{}

// SyncReq opens a sync round.
type SyncReq struct {
	T1 uint64
}

// SyncAck answers a SyncReq with the responder receive time.
type SyncAck struct {
	T1, T2 uint64
}

// SyncRef carries the initiator's second timestamp.
type SyncRef struct {
	T1, T2, T3 uint64
}

// SyncFin reports all four timestamps back to the initiator.
type SyncFin struct {
	T1, T2, T3, T4 uint64
}

// Reconnect tells a sender that it must associate again.
type Reconnect struct{}

func (Search) Kind() Kind    { return KindSearch }
func (Hello) Kind() Kind     { return KindHello }
func (Welcome) Kind() Kind   { return KindWelcome }
func (DataReq) Kind() Kind   { return KindDataReq }
func (Data) Kind() Kind      { return KindData }
func (Conf) Kind() Kind      { return KindConf }
func (ConfAck) Kind() Kind   { return KindConfAck }
func (SyncReq) Kind() Kind   { return KindSyncReq }
func (SyncAck) Kind() Kind   { return KindSyncAck }
func (SyncRef) Kind() Kind   { return KindSyncRef }
func (SyncFin) Kind() Kind   { return KindSyncFin }
func (Reconnect) Kind() Kind { return KindReconnect }
