package wire

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"bmsnet/internal/model"
)

func TestEncodeDecode_AllKinds(t *testing.T) {
	t.Parallel()

	cells := make([]float32, 14)
	for i := range cells {
		cells[i] = 3.3 + float32(i)*0.01
	}
	full := make([]float32, model.MaxCells)

	msgs := []Message{
		Search{},
		Hello{Identity: model.Identity{StringAddress: 2, CellCount: 14, TempCount: 2, FirmwareVersion: "1.2.0", HardwareVersion: "rev-b"}},
		Welcome{EpochUS: 1_700_000_000_000_000},
		DataReq{},
		Data{Measurement: model.Measurement{CellVoltages: cells, StringVoltage: 46.5, Temperatures: []float32{21.5, 22}}},
		Data{},
		Data{Measurement: model.Measurement{CellVoltages: cells, StringVoltage: 46.5}},
		Data{Measurement: model.Measurement{CellVoltages: full, StringVoltage: 120, Temperatures: []float32{1, 2, 3, 4}}},
		Conf{BalanceConfig: model.BalanceConfig{StartVoltage: 3.5, Threshold: 0.02, Enabled: true}},
		ConfAck{},
		SyncReq{T1: 100},
		SyncAck{T1: 100, T2: 150},
		SyncRef{T1: 100, T2: 150, T3: 160},
		SyncFin{T1: 100, T2: 150, T3: 160, T4: 210},
		Reconnect{},
	}

	for _, in := range msgs {
		frame, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode %s: %v", in.Kind(), err)
		}
		if Kind(frame[0]) != in.Kind() {
			t.Fatalf("tag=%d want %d", frame[0], in.Kind())
		}
		out, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode %s: %v", in.Kind(), err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%s: got %+v want %+v", in.Kind(), out, in)
		}
	}
}

func TestEncode_FrameSizes(t *testing.T) {
	t.Parallel()

	cases := map[Kind]int{
		KindSearch:  1,
		KindHello:   74,
		KindWelcome: 9,
		KindConf:    11,
		KindSyncFin: 33,
	}
	msgs := map[Kind]Message{
		KindSearch:  Search{},
		KindHello:   Hello{},
		KindWelcome: Welcome{},
		KindConf:    Conf{},
		KindSyncFin: SyncFin{},
	}
	for kind, want := range cases {
		frame := MustEncode(msgs[kind])
		if len(frame) != want {
			t.Fatalf("%s len=%d want %d", kind, len(frame), want)
		}
	}

	frame := MustEncode(Data{Measurement: model.Measurement{CellVoltages: make([]float32, 32), Temperatures: make([]float32, 4)}})
	if len(frame) != 3+128+4+16 {
		t.Fatalf("max DATA len=%d", len(frame))
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	hello := MustEncode(Hello{Identity: model.Identity{StringAddress: 1}})
	cases := map[string][]byte{
		"empty":         nil,
		"unknown tag":   {0x07},
		"search extra":  {byte(KindSearch), 0},
		"welcome short": {byte(KindWelcome), 1, 2, 3},
		"hello short":   hello[:len(hello)-1],
		"data header":   {byte(KindData), 1},
		"data count":    {byte(KindData), 33, 0},
		"data short":    {byte(KindData), 2, 0, 0, 0, 0, 0},
		"sync fin long": append(MustEncode(SyncFin{}), 0),
	}
	for name, frame := range cases {
		msg, err := Decode(frame)
		if !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("%s: err=%v", name, err)
		}
		if msg != nil {
			t.Fatalf("%s: msg=%+v alongside error", name, msg)
		}
	}
}

func TestDecode_EmptyKindsRejectPayload(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindSearch, KindDataReq, KindConfAck, KindReconnect} {
		msg, err := Decode([]byte{byte(kind), 0})
		if !errors.Is(err, ErrMalformedMessage) || msg != nil {
			t.Fatalf("%s: msg=%v err=%v", kind, msg, err)
		}
		msg, err = Decode([]byte{byte(kind)})
		if err != nil || msg.Kind() != kind {
			t.Fatalf("%s: msg=%v err=%v", kind, msg, err)
		}
	}
}

func TestDecode_EmptyDataVectorsAreNil(t *testing.T) {
	t.Parallel()

	msg, err := Decode(MustEncode(Data{Measurement: model.Measurement{CellVoltages: []float32{}, StringVoltage: 1}}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	data := msg.(Data)
	if data.CellVoltages != nil || data.Temperatures != nil || data.StringVoltage != 1 {
		t.Fatalf("data=%#v", data)
	}
}

func TestDecode_HelloCRCMismatch(t *testing.T) {
	t.Parallel()

	frame := MustEncode(Hello{Identity: model.Identity{StringAddress: 3, CellCount: 8}})
	frame[2] ^= 0xff
	if _, err := Decode(frame); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err=%v", err)
	}
}

func TestDecode_InvalidUTF8Version(t *testing.T) {
	t.Parallel()

	frame := MustEncode(Hello{Identity: model.Identity{FirmwareVersion: "v1"}})
	// Corrupt the version field and refresh the trailer.
	frame[6] = 0xff
	frame[7] = 0xfe
	crcPos := helloSize - CRCSize
	fixed := appendCRC(append([]byte(nil), frame[:crcPos]...))

	msg, err := Decode(fixed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	fw := msg.(Hello).FirmwareVersion
	if !strings.Contains(fw, "�") {
		t.Fatalf("firmware=%q", fw)
	}
}

func TestEncode_VersionTruncatedOnRuneBoundary(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 31) + "é"
	msg, err := Decode(MustEncode(Hello{Identity: model.Identity{FirmwareVersion: long}}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := msg.(Hello).FirmwareVersion; got != strings.Repeat("a", 31) {
		t.Fatalf("firmware=%q", got)
	}
}

func TestEncode_DataTooLarge(t *testing.T) {
	t.Parallel()

	_, err := Encode(Data{Measurement: model.Measurement{CellVoltages: make([]float32, 33)}})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v", err)
	}
	_, err = Encode(Data{Measurement: model.Measurement{Temperatures: make([]float32, 5)}})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v", err)
	}
}

func TestDecode_BoolBytesNonZeroIsTrue(t *testing.T) {
	t.Parallel()

	frame := MustEncode(Conf{BalanceConfig: model.DefaultBalanceConfig()})
	frame[9] = 7
	frame[10] = 2
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	conf := msg.(Conf)
	if !conf.Enabled || !conf.ExternalEn {
		t.Fatalf("conf=%+v", conf)
	}
}
