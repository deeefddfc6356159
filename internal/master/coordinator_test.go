package master

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bmsnet/internal/api"
	"bmsnet/internal/clock"
	"bmsnet/internal/config"
	"bmsnet/internal/link"
	"bmsnet/internal/metrics"
	"bmsnet/internal/model"
	"bmsnet/internal/registry"
	"bmsnet/internal/store"
	"bmsnet/internal/timesync"
	"bmsnet/internal/wire"
)

var masterID = model.NodeID{0x24, 0x0a, 0xc4, 0, 0, 0x01}

func nodeID(n byte) model.NodeID {
	return model.NodeID{0x24, 0x0a, 0xc4, 0, 1, n}
}

type fixture struct {
	c   *Coordinator
	bus *link.Bus
	ep  *link.Endpoint
	clk *clock.Manual
}

func newFixture(t *testing.T, cfg config.MasterConfig) *fixture {
	t.Helper()
	bus := link.NewBus()
	ep := bus.Attach(masterID, 64)
	clk := clock.NewManual(1_700_000_000_000_000)
	c := New(cfg, ep, clk, zerolog.Nop())
	c.wall = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return &fixture{c: c, bus: bus, ep: ep, clk: clk}
}

func (f *fixture) lastTo(t *testing.T, to model.NodeID) wire.Message {
	t.Helper()
	log := f.ep.TxLog()
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].To != to {
			continue
		}
		msg, err := wire.Decode(log[i].Payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return msg
	}
	t.Fatalf("nothing sent to %s", to)
	return nil
}

func (f *fixture) hello(t *testing.T, id model.NodeID, addr uint8) {
	t.Helper()
	f.bus.Attach(id, 8)
	err := f.c.Dispatch(id, wire.Hello{Identity: model.Identity{StringAddress: addr, CellCount: 2, TempCount: 1}})
	if err != nil {
		t.Fatalf("HELLO %s: %v", id, err)
	}
}

func TestHello_RegistersAndWelcomes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.hello(t, nodeID(1), 2)

	welcome, ok := f.lastTo(t, nodeID(1)).(wire.Welcome)
	if !ok || welcome.EpochUS != f.clk.Now() {
		t.Fatalf("reply=%+v", f.lastTo(t, nodeID(1)))
	}
	peer, ok := f.c.Peer(nodeID(1))
	if !ok || peer.StringAddress != 2 || peer.CellCount != 2 || peer.LastSeen != f.clk.Now() {
		t.Fatalf("peer=%+v ok=%v", peer, ok)
	}
	if slot, _ := f.c.SlotOf(nodeID(1)); slot != 0 {
		t.Fatalf("slot=%d", slot)
	}
}

func TestHello_KnownPeerKeepsSlotAndState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.hello(t, nodeID(1), 2)
	f.hello(t, nodeID(2), 3)
	f.c.mu.Lock()
	f.c.reg.Get(nodeID(2)).Synced = true
	f.c.mu.Unlock()

	f.ep.ResetTxLog()
	f.clk.Advance(time.Second)
	f.hello(t, nodeID(2), 3)

	if slot, _ := f.c.SlotOf(nodeID(2)); slot != 1 {
		t.Fatalf("slot=%d", slot)
	}
	peer, _ := f.c.Peer(nodeID(2))
	if !peer.Synced || peer.LastSeen != f.clk.Now() {
		t.Fatalf("peer=%+v", peer)
	}
	if _, ok := f.lastTo(t, nodeID(2)).(wire.Welcome); !ok {
		t.Fatalf("no WELCOME for re-announced peer")
	}
	if got := len(f.c.Snapshot()); got != 2 {
		t.Fatalf("peers=%d", got)
	}
}

func TestHello_AddressCollisionRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.hello(t, nodeID(1), 4)
	f.bus.Attach(nodeID(2), 8)
	f.ep.ResetTxLog()

	err := f.c.Dispatch(nodeID(2), wire.Hello{Identity: model.Identity{StringAddress: 4}})
	if !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("err=%v", err)
	}
	if len(f.ep.TxLog()) != 0 {
		t.Fatalf("replied to colliding HELLO")
	}
	if _, ok := f.c.Peer(nodeID(2)); ok {
		t.Fatalf("colliding peer registered")
	}
}

func TestHello_OutOfRangeIdentityRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	err := f.c.Dispatch(nodeID(1), wire.Hello{Identity: model.Identity{StringAddress: 1, CellCount: 33}})
	if !errors.Is(err, model.ErrOutOfRange) {
		t.Fatalf("err=%v", err)
	}
	if len(f.c.Snapshot()) != 0 {
		t.Fatalf("peer registered")
	}
}

func TestHello_RegistryFullNoReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	for i := 0; i < registry.Capacity; i++ {
		f.hello(t, nodeID(byte(i+1)), uint8(i))
	}
	f.ep.ResetTxLog()

	extra := model.NodeID{0x24, 0x0a, 0xc4, 0, 2, 1}
	f.bus.Attach(extra, 8)
	err := f.c.Dispatch(extra, wire.Hello{Identity: model.Identity{StringAddress: 0}})
	if err == nil {
		t.Fatalf("expected an error")
	}
	// Address 0 is held, so make sure the full check is reached on its own.
	f.c.mu.Lock()
	f.c.reg.Get(nodeID(1)).StringAddress = 15
	f.c.mu.Unlock()
	err = f.c.Dispatch(extra, wire.Hello{Identity: model.Identity{StringAddress: 0}})
	if !errors.Is(err, registry.ErrRegistryFull) {
		t.Fatalf("err=%v", err)
	}
	if len(f.ep.TxLog()) != 0 {
		t.Fatalf("replied with full registry: %d frames", len(f.ep.TxLog()))
	}
}

func TestUnknownSender_ReconnectOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	stranger := nodeID(9)
	f.bus.Attach(stranger, 8)

	err := f.c.Dispatch(stranger, wire.Data{Measurement: model.Measurement{CellVoltages: []float32{3.3}}})
	if !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("err=%v", err)
	}
	log := f.ep.TxLog()
	if len(log) != 1 || log[0].To != stranger {
		t.Fatalf("tx=%+v", log)
	}
	if _, ok := f.lastTo(t, stranger).(wire.Reconnect); !ok {
		t.Fatalf("reply is not RECONNECT")
	}
	if len(f.c.Snapshot()) != 0 {
		t.Fatalf("registry mutated")
	}
}

func TestUnknownSender_SlaveBoundKindsNotAnswered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	other := nodeID(9)
	f.bus.Attach(other, 8)

	for _, msg := range []wire.Message{
		wire.Reconnect{},
		wire.Welcome{EpochUS: 1},
		wire.SyncReq{T1: 1},
		wire.SyncRef{T1: 1, T2: 2, T3: 3},
		wire.Conf{BalanceConfig: model.DefaultBalanceConfig()},
		wire.DataReq{},
	} {
		if err := f.c.Dispatch(other, msg); err != nil {
			t.Fatalf("%s: err=%v", msg.Kind(), err)
		}
	}
	if len(f.ep.TxLog()) != 0 {
		t.Fatalf("answered slave-bound traffic: %d frames", len(f.ep.TxLog()))
	}
}

func TestTwoMasters_ReconnectDoesNotBounce(t *testing.T) {
	t.Parallel()

	bus := link.NewBus()
	idA, idB := masterID, model.NodeID{0x24, 0x0a, 0xc4, 0, 0, 0x0f}
	epA := bus.Attach(idA, 16)
	epB := bus.Attach(idB, 16)
	clk := clock.NewManual(1_000)
	a := New(config.MasterConfig{}, epA, clk, zerolog.Nop())
	b := New(config.MasterConfig{SyncTarget: config.SyncTargetBroadcast}, epB, clk, zerolog.Nop())

	epA.Inject(idB, wire.MustEncode(wire.Reconnect{}))
	b.StartSync()

	delivered := 0
	for ; delivered < 100; delivered++ {
		select {
		case fr := <-epA.Queue().C():
			a.Handle(fr.From, fr.Payload())
			continue
		default:
		}
		select {
		case fr := <-epB.Queue().C():
			b.Handle(fr.From, fr.Payload())
			continue
		default:
		}
		break
	}
	if delivered != 2 {
		t.Fatalf("delivered=%d", delivered)
	}
	if len(epA.TxLog()) != 0 {
		t.Fatalf("master replied %d frames", len(epA.TxLog()))
	}
}

func TestSearchFromOtherMasterIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	if err := f.c.Dispatch(nodeID(7), wire.Search{}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(f.ep.TxLog()) != 0 {
		t.Fatalf("replied to SEARCH")
	}
}

func TestData_InRangeStoredOutOfRangeKept(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.hello(t, nodeID(1), 2)

	good := wire.Data{Measurement: model.Measurement{CellVoltages: []float32{3.3, 3.4}, StringVoltage: 6.7, Temperatures: []float32{25}}}
	if err := f.c.Dispatch(nodeID(1), good); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	bad := wire.Data{Measurement: model.Measurement{CellVoltages: []float32{3.35, 7.0}, StringVoltage: -1, Temperatures: []float32{200}}}
	err := f.c.Dispatch(nodeID(1), bad)
	if !errors.Is(err, model.ErrOutOfRange) {
		t.Fatalf("err=%v", err)
	}
	peer, _ := f.c.Peer(nodeID(1))
	if peer.CellVoltages[0] != 3.35 || peer.CellVoltages[1] != 3.4 {
		t.Fatalf("cells=%v", peer.CellVoltages)
	}
	if peer.StringVoltage != 6.7 || peer.Temperatures[0] != 25 {
		t.Fatalf("string=%v temps=%v", peer.StringVoltage, peer.Temperatures)
	}

	short := wire.Data{Measurement: model.Measurement{CellVoltages: []float32{3.1}, StringVoltage: 6.0, Temperatures: []float32{26}}}
	if err := f.c.Dispatch(nodeID(1), short); !errors.Is(err, model.ErrOutOfRange) {
		t.Fatalf("err=%v", err)
	}
	peer, _ = f.c.Peer(nodeID(1))
	if peer.CellVoltages[0] != 3.35 || peer.StringVoltage != 6.0 || peer.Temperatures[0] != 26 {
		t.Fatalf("peer=%+v", peer.Measurement)
	}
}

func TestData_FirstReportOutOfRangeNotStored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.hello(t, nodeID(1), 2)

	bad := wire.Data{Measurement: model.Measurement{CellVoltages: []float32{3.3, 9.9}, StringVoltage: 13.2, Temperatures: []float32{500}}}
	if err := f.c.Dispatch(nodeID(1), bad); !errors.Is(err, model.ErrOutOfRange) {
		t.Fatalf("err=%v", err)
	}
	peer, _ := f.c.Peer(nodeID(1))
	if len(peer.CellVoltages) != 0 || len(peer.Temperatures) != 0 {
		t.Fatalf("cells=%v temps=%v", peer.CellVoltages, peer.Temperatures)
	}
	if peer.StringVoltage != 13.2 {
		t.Fatalf("string=%v", peer.StringVoltage)
	}

	good := wire.Data{Measurement: model.Measurement{CellVoltages: []float32{3.3, 3.4}, StringVoltage: 6.7, Temperatures: []float32{25}}}
	if err := f.c.Dispatch(nodeID(1), good); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	peer, _ = f.c.Peer(nodeID(1))
	if len(peer.CellVoltages) != 2 || peer.CellVoltages[1] != 3.4 || peer.Temperatures[0] != 25 {
		t.Fatalf("peer=%+v", peer.Measurement)
	}
}

func TestSync_UnicastRoundMarksSynced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "sync.csv")
	f := newFixture(t, config.MasterConfig{SyncCSVPath: csvPath})
	f.hello(t, nodeID(1), 2)

	f.c.StartSync()
	req, ok := f.lastTo(t, nodeID(1)).(wire.SyncReq)
	if !ok || req.T1 != f.clk.Now() {
		t.Fatalf("req=%+v", f.lastTo(t, nodeID(1)))
	}
	if f.c.PendingRounds() != 1 {
		t.Fatalf("pending=%d", f.c.PendingRounds())
	}

	f.clk.Advance(10 * time.Millisecond)
	if err := f.c.Dispatch(nodeID(1), wire.SyncAck{T1: req.T1, T2: req.T1 + 5_000}); err != nil {
		t.Fatalf("SYNC_ACK: %v", err)
	}
	ref, ok := f.lastTo(t, nodeID(1)).(wire.SyncRef)
	if !ok || ref.T1 != req.T1 || ref.T2 != req.T1+5_000 || ref.T3 != f.clk.Now() {
		t.Fatalf("ref=%+v", f.lastTo(t, nodeID(1)))
	}

	fin := wire.SyncFin{T1: ref.T1, T2: ref.T2, T3: ref.T3, T4: ref.T3 + 5_000}
	if err := f.c.Dispatch(nodeID(1), fin); err != nil {
		t.Fatalf("SYNC_FIN: %v", err)
	}
	peer, _ := f.c.Peer(nodeID(1))
	if !peer.Synced {
		t.Fatalf("peer not synced")
	}

	samples, err := metrics.ReadCSV(csvPath)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	want := timesync.FromFin(fin)
	if len(samples) != 1 || samples[0].NodeID != nodeID(1).String() || samples[0].OffsetUS != want.OffsetUS || samples[0].RoundTripUS != want.RoundTripUS {
		t.Fatalf("samples=%+v", samples)
	}
}

func TestSync_AckDeadline(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		delay time.Duration
		ok    bool
	}{
		{"inside", 199 * time.Millisecond, true},
		{"late", 201 * time.Millisecond, false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, config.MasterConfig{})
			f.hello(t, nodeID(1), 2)
			if err := f.c.SyncPeer(nodeID(1)); err != nil {
				t.Fatalf("SyncPeer: %v", err)
			}
			req := f.lastTo(t, nodeID(1)).(wire.SyncReq)
			f.ep.ResetTxLog()

			f.clk.Advance(tc.delay)
			err := f.c.Dispatch(nodeID(1), wire.SyncAck{T1: req.T1, T2: 42})
			if tc.ok {
				if err != nil {
					t.Fatalf("err=%v", err)
				}
				if _, isRef := f.lastTo(t, nodeID(1)).(wire.SyncRef); !isRef {
					t.Fatalf("no SYNC_REF")
				}
				return
			}
			if !errors.Is(err, timesync.ErrLateReply) {
				t.Fatalf("err=%v", err)
			}
			if len(f.ep.TxLog()) != 0 {
				t.Fatalf("SYNC_REF sent for late ACK")
			}
			if f.c.PendingRounds() != 0 {
				t.Fatalf("late round kept")
			}
		})
	}
}

func TestSync_FinMustMatchReference(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.hello(t, nodeID(1), 2)
	err := f.c.Dispatch(nodeID(1), wire.SyncFin{T1: 1, T2: 2, T3: 3, T4: 4})
	if !errors.Is(err, timesync.ErrMismatch) {
		t.Fatalf("err=%v", err)
	}
	if peer, _ := f.c.Peer(nodeID(1)); peer.Synced {
		t.Fatalf("synced without a round")
	}
}

func TestSync_BroadcastRound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{SyncTarget: config.SyncTargetBroadcast})
	f.hello(t, nodeID(1), 2)
	f.hello(t, nodeID(2), 3)

	f.c.StartSync()
	req, ok := f.lastTo(t, model.Broadcast).(wire.SyncReq)
	if !ok {
		t.Fatalf("no broadcast SYNC_REQ")
	}
	for _, id := range []model.NodeID{nodeID(1), nodeID(2)} {
		if err := f.c.Dispatch(id, wire.SyncAck{T1: req.T1, T2: 7}); err != nil {
			t.Fatalf("SYNC_ACK %s: %v", id, err)
		}
		if _, ok := f.lastTo(t, id).(wire.SyncRef); !ok {
			t.Fatalf("no SYNC_REF for %s", id)
		}
	}
	f.ep.ResetTxLog()
	if err := f.c.Dispatch(nodeID(1), wire.SyncAck{T1: req.T1, T2: 7}); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if len(f.ep.TxLog()) != 0 {
		t.Fatalf("duplicate ACK answered")
	}
}

func TestConfig_PushAndAck(t *testing.T) {
	t.Parallel()

	bal := model.BalanceConfig{StartVoltage: 3.5, Threshold: 0.02, Enabled: true}
	f := newFixture(t, config.MasterConfig{Balance: bal})
	f.hello(t, nodeID(1), 2)
	f.hello(t, nodeID(2), 3)

	f.c.mu.Lock()
	f.c.reg.Get(nodeID(1)).Synced = true
	f.c.mu.Unlock()

	f.c.PushPendingConfigs()
	conf, ok := f.lastTo(t, nodeID(1)).(wire.Conf)
	if !ok || conf.BalanceConfig != bal {
		t.Fatalf("conf=%+v", f.lastTo(t, nodeID(1)))
	}
	if _, ok := f.lastTo(t, nodeID(2)).(wire.Conf); ok {
		t.Fatalf("CONF sent to unsynced peer")
	}
	if peer, _ := f.c.Peer(nodeID(1)); !peer.ConfPending || peer.Configured {
		t.Fatalf("peer=%+v", peer)
	}

	if err := f.c.Dispatch(nodeID(1), wire.ConfAck{}); err != nil {
		t.Fatalf("CONF_ACK: %v", err)
	}
	if peer, _ := f.c.Peer(nodeID(1)); peer.ConfPending || !peer.Configured {
		t.Fatalf("peer=%+v", peer)
	}

	f.ep.ResetTxLog()
	f.c.PushPendingConfigs()
	if len(f.ep.TxLog()) != 0 {
		t.Fatalf("configured peer pushed again")
	}
	if err := f.c.PushConfig(nodeID(9)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err=%v", err)
	}
}

func TestEvict_StalePeersAndSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "peers.yaml")
	f := newFixture(t, config.MasterConfig{PeerTTL: time.Minute, SnapshotPath: path})
	f.hello(t, nodeID(1), 2)
	f.clk.Advance(30 * time.Second)
	f.hello(t, nodeID(2), 3)

	f.clk.Advance(31 * time.Second)
	evicted := f.c.Evict()
	if len(evicted) != 1 || evicted[0] != nodeID(1) {
		t.Fatalf("evicted=%v", evicted)
	}

	snap, err := store.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Peers) != 1 || snap.Peers[0].ID != nodeID(2) || snap.Master != masterID.String() {
		t.Fatalf("snapshot=%+v", snap)
	}

	// The evicted node is a stranger again.
	if err := f.c.Dispatch(nodeID(1), wire.ConfAck{}); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("err=%v", err)
	}
	// Its slot is reused.
	f.hello(t, nodeID(3), 4)
	if slot, _ := f.c.SlotOf(nodeID(3)); slot != 0 {
		t.Fatalf("slot=%d", slot)
	}
}

func TestDiscoverAndPoll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.c.Discover()
	if _, ok := f.lastTo(t, model.Broadcast).(wire.Search); !ok {
		t.Fatalf("no SEARCH broadcast")
	}
	f.hello(t, nodeID(1), 2)
	f.c.PollData()
	if _, ok := f.lastTo(t, nodeID(1)).(wire.DataReq); !ok {
		t.Fatalf("no DATA_REQ")
	}
}

func TestHandle_DropsMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	hello := wire.MustEncode(wire.Hello{Identity: model.Identity{StringAddress: 1}})
	hello[3] ^= 0x01
	f.c.Handle(nodeID(1), hello)
	f.c.Handle(nodeID(1), []byte{})
	if len(f.c.Snapshot()) != 0 || len(f.ep.TxLog()) != 0 {
		t.Fatalf("malformed frame had side effects")
	}
}

func TestStatusHandler_Peers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.MasterConfig{})
	f.hello(t, nodeID(1), 2)

	srv := httptest.NewServer(f.c.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := api.NewClient(srv.URL).Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if resp.Master != masterID.String() || len(resp.Peers) != 1 || resp.Peers[0].ID != nodeID(1) {
		t.Fatalf("resp=%+v", resp)
	}
}
