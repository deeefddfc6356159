package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"strings"
	"unicode/utf8"

	"bmsnet/internal/model"
)

// Encode serialises msg into a new frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(msg.Kind()))
	buf, err := msg.append(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, msg.Kind(), len(buf))
	}
	return buf, nil
}

// MustEncode is Encode for messages known to be valid.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses a frame. It never panics: short, long or unknown frames yield
// ErrMalformedMessage and a bad HELLO trailer yields ErrIntegrity.
func Decode(frame []byte) (Message, error) {
	kind, ok := Peek(frame)
	if !ok {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds mtu", ErrMalformedMessage, len(frame))
	}
	body := frame[TagSize:]

	switch kind {
	case KindSearch, KindDataReq, KindConfAck, KindReconnect:
		if err := expectLen(kind, frame, TagSize); err != nil {
			return nil, err
		}
		return emptyMessage(kind), nil
	case KindHello:
		return decodeHello(frame)
	case KindWelcome:
		if err := expectLen(kind, frame, welcomeSize); err != nil {
			return nil, err
		}
		return Welcome{EpochUS: binary.LittleEndian.Uint64(body)}, nil
	case KindData:
		return decodeData(frame)
	case KindConf:
		if err := expectLen(kind, frame, confSize); err != nil {
			return nil, err
		}
		return Conf{BalanceConfig: model.BalanceConfig{
			StartVoltage: getFloat32(body[0:4]),
			Threshold:    getFloat32(body[4:8]),
			Enabled:      body[8] != 0,
			ExternalEn:   body[9] != 0,
		}}, nil
	case KindSyncReq:
		if err := expectLen(kind, frame, syncReqSize); err != nil {
			return nil, err
		}
		return SyncReq{T1: u64(body, 0)}, nil
	case KindSyncAck:
		if err := expectLen(kind, frame, syncAckSize); err != nil {
			return nil, err
		}
		return SyncAck{T1: u64(body, 0), T2: u64(body, 1)}, nil
	case KindSyncRef:
		if err := expectLen(kind, frame, syncRefSize); err != nil {
			return nil, err
		}
		return SyncRef{T1: u64(body, 0), T2: u64(body, 1), T3: u64(body, 2)}, nil
	case KindSyncFin:
		if err := expectLen(kind, frame, syncFinSize); err != nil {
			return nil, err
		}
		return SyncFin{T1: u64(body, 0), T2: u64(body, 1), T3: u64(body, 2), T4: u64(body, 3)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedMessage, byte(kind))
	}
}

func emptyMessage(kind Kind) Message {
	switch kind {
	case KindSearch:
		return Search{}
	case KindDataReq:
		return DataReq{}
	case KindConfAck:
		return ConfAck{}
	default:
		return Reconnect{}
	}
}

func expectLen(kind Kind, frame []byte, want int) error {
	if len(frame) != want {
		return fmt.Errorf("%w: %s wants %d bytes, got %d", ErrMalformedMessage, kind, want, len(frame))
	}
	return nil
}

func decodeHello(frame []byte) (Message, error) {
	if err := expectLen(KindHello, frame, helloSize); err != nil {
		return nil, err
	}
	crcPos := helloSize - CRCSize
	want := binary.LittleEndian.Uint32(frame[crcPos:])
	if got := crc32.ChecksumIEEE(frame[:crcPos]); got != want {
		return nil, fmt.Errorf("%w: hello crc %08x != %08x", ErrIntegrity, got, want)
	}
	body := frame[TagSize:crcPos]
	fwOff := 1 + 2 + 2
	hwOff := fwOff + VersionSize
	return Hello{Identity: model.Identity{
		StringAddress:   body[0],
		CellCount:       binary.LittleEndian.Uint16(body[1:3]),
		TempCount:       binary.LittleEndian.Uint16(body[3:5]),
		FirmwareVersion: getString(body[fwOff:hwOff]),
		HardwareVersion: getString(body[hwOff : hwOff+VersionSize]),
	}}, nil
}

func decodeData(frame []byte) (Message, error) {
	if len(frame) < dataHeader {
		return nil, fmt.Errorf("%w: DATA header truncated", ErrMalformedMessage)
	}
	cells := int(frame[1])
	temps := int(frame[2])
	if cells > model.MaxCells || temps > model.MaxTemps {
		return nil, fmt.Errorf("%w: DATA counts cells=%d temps=%d", ErrMalformedMessage, cells, temps)
	}
	if err := expectLen(KindData, frame, dataSize(cells, temps)); err != nil {
		return nil, err
	}
	off := dataHeader
	var m model.Measurement
	if cells > 0 {
		m.CellVoltages = make([]float32, cells)
	}
	if temps > 0 {
		m.Temperatures = make([]float32, temps)
	}
	for i := range m.CellVoltages {
		m.CellVoltages[i] = getFloat32(frame[off:])
		off += 4
	}
	m.StringVoltage = getFloat32(frame[off:])
	off += 4
	for i := range m.Temperatures {
		m.Temperatures[i] = getFloat32(frame[off:])
		off += 4
	}
	return Data{Measurement: m}, nil
}

func dataSize(cells, temps int) int {
	return dataHeader + 4*cells + 4 + 4*temps
}

func (Search) append(b []byte) ([]byte, error)    { return b, nil }
func (DataReq) append(b []byte) ([]byte, error)   { return b, nil }
func (ConfAck) append(b []byte) ([]byte, error)   { return b, nil }
func (Reconnect) append(b []byte) ([]byte, error) { return b, nil }

func (m Hello) append(b []byte) ([]byte, error) {
	b = append(b, m.StringAddress)
	b = binary.LittleEndian.AppendUint16(b, m.CellCount)
	b = binary.LittleEndian.AppendUint16(b, m.TempCount)
	b = putString(b, m.FirmwareVersion)
	b = putString(b, m.HardwareVersion)
	return appendCRC(b), nil
}

// appendCRC appends the CRC-32 (IEEE) of everything in b, tag included.
func appendCRC(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func (m Welcome) append(b []byte) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(b, m.EpochUS), nil
}

func (m Data) append(b []byte) ([]byte, error) {
	if len(m.CellVoltages) > model.MaxCells || len(m.Temperatures) > model.MaxTemps {
		return nil, fmt.Errorf("%w: DATA cells=%d temps=%d", ErrTooLarge, len(m.CellVoltages), len(m.Temperatures))
	}
	b = append(b, byte(len(m.CellVoltages)), byte(len(m.Temperatures)))
	for _, v := range m.CellVoltages {
		b = putFloat32(b, v)
	}
	b = putFloat32(b, m.StringVoltage)
	for _, v := range m.Temperatures {
		b = putFloat32(b, v)
	}
	return b, nil
}

func (m Conf) append(b []byte) ([]byte, error) {
	b = putFloat32(b, m.StartVoltage)
	b = putFloat32(b, m.Threshold)
	return append(b, boolByte(m.Enabled), boolByte(m.ExternalEn)), nil
}

func (m SyncReq) append(b []byte) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(b, m.T1), nil
}

func (m SyncAck) append(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, m.T1)
	return binary.LittleEndian.AppendUint64(b, m.T2), nil
}

func (m SyncRef) append(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, m.T1)
	b = binary.LittleEndian.AppendUint64(b, m.T2)
	return binary.LittleEndian.AppendUint64(b, m.T3), nil
}

func (m SyncFin) append(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, m.T1)
	b = binary.LittleEndian.AppendUint64(b, m.T2)
	b = binary.LittleEndian.AppendUint64(b, m.T3)
	return binary.LittleEndian.AppendUint64(b, m.T4), nil
}

func u64(body []byte, idx int) uint64 {
	return binary.LittleEndian.Uint64(body[idx*8 : idx*8+8])
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[:4]))
}

func putFloat32(b []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// putString writes s as a fixed-width null padded field, cutting on a rune
// boundary when s is too long.
func putString(b []byte, s string) []byte {
	if len(s) > VersionSize {
		cut := VersionSize
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	var field [VersionSize]byte
	copy(field[:], s)
	return append(b, field[:]...)
}

func getString(field []byte) string {
	s := strings.TrimRight(string(field), "\x00")
	return strings.ToValidUTF8(s, "�")
}
