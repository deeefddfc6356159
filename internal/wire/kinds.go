// Package wire encodes and decodes the link-layer messages exchanged between
// the master and its slaves.
//
// Every frame starts with a one byte kind tag followed by a fixed or
// count-prefixed little-endian payload. HELLO is the only kind that carries a
// CRC-32 trailer. The package knows nothing about peers, clocks or registries.
package wire

import "fmt"

// Kind is the first byte of every frame.
type Kind byte

const (
	KindSearch    Kind = 10
	KindHello     Kind = 20
	KindWelcome   Kind = 30
	KindData      Kind = 40
	KindDataReq   Kind = 50
	KindConf      Kind = 60
	KindConfAck   Kind = 70
	KindSyncReq   Kind = 80
	KindSyncAck   Kind = 90
	KindSyncRef   Kind = 100
	KindSyncFin   Kind = 110
	KindReconnect Kind = 120
)

// Frame sizing.
const (
	// MaxFrameSize is the link MTU.
	MaxFrameSize = 250

	TagSize     = 1
	VersionSize = 32
	CRCSize     = 4

	helloSize   = TagSize + 1 + 2 + 2 + VersionSize + VersionSize + CRCSize
	welcomeSize = TagSize + 8
	confSize    = TagSize + 4 + 4 + 1 + 1
	syncReqSize = TagSize + 8
	syncAckSize = TagSize + 16
	syncRefSize = TagSize + 24
	syncFinSize = TagSize + 32
	dataHeader  = TagSize + 1 + 1
)

func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "SEARCH"
	case KindHello:
		return "HELLO"
	case KindWelcome:
		return "WELCOME"
	case KindData:
		return "DATA"
	case KindDataReq:
		return "DATA_REQ"
	case KindConf:
		return "CONF"
	case KindConfAck:
		return "CONF_ACK"
	case KindSyncReq:
		return "SYNC_REQ"
	case KindSyncAck:
		return "SYNC_ACK"
	case KindSyncRef:
		return "SYNC_REF"
	case KindSyncFin:
		return "SYNC_FIN"
	case KindReconnect:
		return "RECONNECT"
	default:
		return fmt.Sprintf("KIND(%d)", byte(k))
	}
}

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindSearch, KindHello, KindWelcome, KindData, KindDataReq, KindConf,
		KindConfAck, KindSyncReq, KindSyncAck, KindSyncRef, KindSyncFin, KindReconnect:
		return true
	}
	return false
}

// Peek returns the kind tag of a raw frame without decoding it.
func Peek(frame []byte) (Kind, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	return Kind(frame[0]), true
}
