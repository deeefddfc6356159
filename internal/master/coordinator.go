// Package master drives discovery, association, clock sync, data polling and
// configuration push for every slave in the registry.
package master

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bmsnet/internal/clock"
	"bmsnet/internal/config"
	"bmsnet/internal/link"
	"bmsnet/internal/metrics"
	"bmsnet/internal/model"
	"bmsnet/internal/registry"
	"bmsnet/internal/timesync"
	"bmsnet/internal/wire"
)

var (
	// ErrUnknownSender is returned for traffic from a node that is not
	// registered. The sender is told to RECONNECT.
	ErrUnknownSender = errors.New("master: unknown sender")
	// ErrUnknownPeer is returned when an operation targets an unregistered node.
	ErrUnknownPeer = errors.New("master: unknown peer")
	// ErrAddressInUse is returned when a HELLO claims a string address held by
	// another peer.
	ErrAddressInUse = errors.New("master: string address in use")
)

// Coordinator is the master role. All exported methods are safe to call from
// the run loop and the status handler concurrently; each one runs to
// completion under a single lock.
type Coordinator struct {
	cfg   config.MasterConfig
	link  link.Sender
	clock clock.Clock
	log   zerolog.Logger
	rec   *metrics.Recorder
	wall  func() time.Time

	mu     sync.Mutex
	reg    *registry.Registry
	rounds map[model.NodeID]*timesync.Exchange
	bcast  *broadcastRound
	refs   map[model.NodeID]wire.SyncRef
}

type broadcastRound struct {
	ex       *timesync.Exchange
	answered map[model.NodeID]bool
}

// New builds a coordinator sending through sender. Zero config fields take
// their defaults.
func New(cfg config.MasterConfig, sender link.Sender, clk clock.Clock, log zerolog.Logger) *Coordinator {
	cfg.ApplyDefaults()
	return &Coordinator{
		cfg:    cfg,
		link:   sender,
		clock:  clk,
		log:    log.With().Str("role", "master").Str("self", sender.ID().String()).Logger(),
		rec:    metrics.NewRecorder(sender.ID().String(), "master"),
		wall:   time.Now,
		reg:    registry.New(),
		rounds: make(map[model.NodeID]*timesync.Exchange),
		refs:   make(map[model.NodeID]wire.SyncRef),
	}
}

// Handle decodes and dispatches one received frame. Errors are logged and
// counted, never returned to the link.
func (c *Coordinator) Handle(from model.NodeID, payload []byte) {
	msg, err := wire.Decode(payload)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, wire.ErrIntegrity) {
			reason = metrics.ReasonIntegrity
		}
		c.rec.Error(reason)
		c.log.Warn().Err(err).Str("node", from.String()).Msg("frame dropped")
		return
	}
	_ = c.Dispatch(from, msg)
}

// Dispatch applies a decoded message from a peer and returns the reason it
// was rejected, if any.
func (c *Coordinator) Dispatch(from model.NodeID, msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rec.Frame("rx", msg.Kind().String())
	now := c.clock.Now()

	var peer *model.PeerRecord
	switch msg.(type) {
	case wire.Search, wire.Hello:
	case wire.Welcome, wire.DataReq, wire.Conf, wire.SyncReq, wire.SyncRef, wire.Reconnect:
		// Slave-bound traffic, most likely from another master. Answering it
		// with RECONNECT would let two masters bounce frames forever.
		if p := c.reg.Get(from); p != nil {
			p.LastSeen = now
		}
	default:
		peer = c.reg.Get(from)
		if peer == nil {
			c.rec.Error(metrics.ReasonUnknownSender)
			c.log.Warn().Str("node", from.String()).Str("kind", msg.Kind().String()).Msg("unknown sender, requesting reconnect")
			c.send(from, wire.Reconnect{})
			return fmt.Errorf("%w: %s sent %s", ErrUnknownSender, from, msg.Kind())
		}
		peer.LastSeen = now
	}

	switch m := msg.(type) {
	case wire.Search:
		c.log.Debug().Str("node", from.String()).Msg("ignoring SEARCH from another master")
		return nil
	case wire.Hello:
		return c.onHello(from, m, now)
	case wire.Data:
		return c.onData(peer, m)
	case wire.ConfAck:
		return c.onConfAck(peer)
	case wire.SyncAck:
		return c.onSyncAck(from, m, now)
	case wire.SyncFin:
		return c.onSyncFin(peer, m)
	case wire.Welcome, wire.DataReq, wire.Conf, wire.SyncReq, wire.SyncRef, wire.Reconnect:
		c.log.Debug().Str("node", from.String()).Str("kind", msg.Kind().String()).Msg("ignoring slave-bound message")
		return nil
	default:
		return fmt.Errorf("%w: unhandled %s", wire.ErrMalformedMessage, msg.Kind())
	}
}

func (c *Coordinator) onHello(from model.NodeID, m wire.Hello, now uint64) error {
	log := c.log.With().Str("node", from.String()).Uint8("string_address", m.StringAddress).Logger()
	if err := m.Identity.Validate(); err != nil {
		c.rec.Error(metrics.ReasonOutOfRange)
		log.Warn().Err(err).Msg("HELLO rejected")
		return err
	}
	if other := c.reg.GetByAddress(m.StringAddress); other != nil && other.ID != from {
		c.rec.Error(metrics.ReasonAddrCollision)
		log.Warn().Str("holder", other.ID.String()).Msg("HELLO rejected: string address in use")
		return fmt.Errorf("%w: %d held by %s", ErrAddressInUse, m.StringAddress, other.ID)
	}

	if peer := c.reg.Get(from); peer != nil {
		if peer.CellCount != m.CellCount {
			peer.CellVoltages = nil
		}
		if peer.TempCount != m.TempCount {
			peer.Temperatures = nil
		}
		peer.Identity = m.Identity
		peer.LastSeen = now
		log.Debug().Msg("known peer re-announced")
	} else {
		slot, err := c.reg.Push(model.PeerRecord{ID: from, Identity: m.Identity, LastSeen: now})
		if err != nil {
			if errors.Is(err, registry.ErrRegistryFull) {
				c.rec.Error(metrics.ReasonRegistryFull)
			}
			log.Warn().Err(err).Msg("HELLO ignored")
			return err
		}
		c.rec.Peers(c.reg.Len())
		log.Info().
			Int("slot", int(slot)).
			Uint16("cells", m.CellCount).
			Uint16("temps", m.TempCount).
			Str("fw", m.FirmwareVersion).
			Str("hw", m.HardwareVersion).
			Msg("peer associated")
	}

	c.send(from, wire.Welcome{EpochUS: c.clock.Now()})
	return nil
}

// onData writes every in-range field of the report into the peer snapshot.
// Rejected fields keep their previous value. A vector with no previous value
// is only stored when every element is in range.
func (c *Coordinator) onData(peer *model.PeerRecord, m wire.Data) error {
	var rejected []string

	peer.CellVoltages, rejected = mergeVector("cell", peer.CellVoltages, m.CellVoltages, int(peer.CellCount), model.CellVoltageValid, rejected)

	if model.StringVoltageValid(m.StringVoltage) {
		peer.StringVoltage = m.StringVoltage
	} else {
		rejected = append(rejected, fmt.Sprintf("string_voltage=%g", m.StringVoltage))
	}

	peer.Temperatures, rejected = mergeVector("temp", peer.Temperatures, m.Temperatures, int(peer.TempCount), model.TemperatureValid, rejected)

	if len(rejected) == 0 {
		return nil
	}
	c.rec.Error(metrics.ReasonOutOfRange)
	c.log.Warn().Str("node", peer.ID.String()).Strs("rejected", rejected).Msg("DATA fields out of range")
	return fmt.Errorf("%w: %s", model.ErrOutOfRange, strings.Join(rejected, ", "))
}

// mergeVector applies in onto cur. When cur holds no reading of the
// registered length yet, in is taken whole or not at all.
func mergeVector(name string, cur, in []float32, want int, valid func(float32) bool, rejected []string) ([]float32, []string) {
	if len(in) != want {
		return cur, append(rejected, fmt.Sprintf("%s(len %d != %d)", name, len(in), want))
	}

	if len(cur) != len(in) {
		var bad []string
		for i, v := range in {
			if !valid(v) {
				bad = append(bad, fmt.Sprintf("%s[%d]=%g", name, i, v))
			}
		}
		if len(bad) > 0 {
			return cur, append(rejected, bad...)
		}
		return append([]float32(nil), in...), rejected
	}

	for i, v := range in {
		if valid(v) {
			cur[i] = v
		} else {
			rejected = append(rejected, fmt.Sprintf("%s[%d]=%g", name, i, v))
		}
	}
	return cur, rejected
}

func (c *Coordinator) onConfAck(peer *model.PeerRecord) error {
	if !peer.ConfPending {
		c.log.Debug().Str("node", peer.ID.String()).Msg("unsolicited CONF_ACK")
		return nil
	}
	peer.ConfPending = false
	peer.Configured = true
	c.log.Info().Str("node", peer.ID.String()).Msg("peer configured")
	return nil
}

func (c *Coordinator) send(to model.NodeID, msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Str("node", to.String()).Str("kind", msg.Kind().String()).Msg("encode failed")
		return
	}
	if err := c.link.Send(to, frame); err != nil {
		c.rec.Error(metrics.ReasonSendFailed)
		c.log.Warn().Err(err).Str("node", to.String()).Str("kind", msg.Kind().String()).Msg("send failed")
		return
	}
	c.rec.Frame("tx", msg.Kind().String())
}

// Snapshot copies the registry in slot order.
func (c *Coordinator) Snapshot() []model.PeerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.Snapshot()
}

// Peer returns a copy of one registry record.
func (c *Coordinator) Peer(id model.NodeID) (model.PeerRecord, bool) {
	for _, p := range c.Snapshot() {
		if p.ID == id {
			return p, true
		}
	}
	return model.PeerRecord{}, false
}

// SlotOf reports the registry slot holding id.
func (c *Coordinator) SlotOf(id model.NodeID) (registry.Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.SlotOf(id)
}

// ID is the master's own node id.
func (c *Coordinator) ID() model.NodeID { return c.link.ID() }
