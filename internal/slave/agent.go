// Package slave implements the string monitor's side of the protocol: it
// answers discovery, follows one master, runs the responder half of clock
// sync, applies balancing configuration and reports measurements.
package slave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bmsnet/internal/clock"
	"bmsnet/internal/link"
	"bmsnet/internal/metrics"
	"bmsnet/internal/model"
	"bmsnet/internal/timesync"
	"bmsnet/internal/wire"
)

var (
	// ErrNotMaster is returned for requests from a node other than the
	// recorded master.
	ErrNotMaster = errors.New("slave: sender is not the master")
	// ErrNotReady is returned when a request arrives in a state that cannot
	// serve it.
	ErrNotReady = errors.New("slave: not ready")
)

// State is the association state of the agent.
type State int

const (
	Unassociated State = iota
	AwaitingWelcome
	Associated
	Synced
	Configured
)

func (s State) String() string {
	switch s {
	case Unassociated:
		return "unassociated"
	case AwaitingWelcome:
		return "awaiting_welcome"
	case Associated:
		return "associated"
	case Synced:
		return "synced"
	case Configured:
		return "configured"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MeasurementSource supplies the snapshot sent in DATA.
type MeasurementSource interface {
	Measure() (model.Measurement, error)
}

// ConfigStore holds the balancing configuration.
type ConfigStore interface {
	Load() model.BalanceConfig
	Store(model.BalanceConfig) error
}

// Clock is the local clock the agent steps from WELCOME and corrects from
// completed sync rounds.
type Clock interface {
	clock.Clock
	SetEpoch(epochUS uint64)
	Adjust(deltaUS int64)
}

// Options wires an agent to its collaborators.
type Options struct {
	Identity    model.Identity
	Link        link.Sender
	Clock       Clock
	Source      MeasurementSource
	Store       ConfigStore
	Logger      zerolog.Logger
	SyncTimeout time.Duration
}

// Agent is the slave role.
type Agent struct {
	identity    model.Identity
	link        link.Sender
	clock       Clock
	source      MeasurementSource
	store       ConfigStore
	log         zerolog.Logger
	rec         *metrics.Recorder
	syncTimeout time.Duration

	mu        sync.Mutex
	state     State
	master    model.NodeID
	hasMaster bool
	responder timesync.Responder
	synced    bool
	// syncRef is when the sync timeout window started: association or the
	// last completed round.
	syncRef       uint64
	driftReported bool
}

func New(opts Options) *Agent {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 10 * time.Second
	}
	self := opts.Link.ID().String()
	return &Agent{
		identity:    opts.Identity,
		link:        opts.Link,
		clock:       opts.Clock,
		source:      opts.Source,
		store:       opts.Store,
		log:         opts.Logger.With().Str("role", "slave").Str("self", self).Logger(),
		rec:         metrics.NewRecorder(self, "slave"),
		syncTimeout: opts.SyncTimeout,
	}
}

// Handle decodes and dispatches one received frame. The receive time is
// taken before decoding so SYNC_REQ and SYNC_REF see the earliest stamp.
func (a *Agent) Handle(from model.NodeID, payload []byte) {
	now := a.clock.Now()
	msg, err := wire.Decode(payload)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, wire.ErrIntegrity) {
			reason = metrics.ReasonIntegrity
		}
		a.rec.Error(reason)
		a.log.Warn().Err(err).Str("node", from.String()).Msg("frame dropped")
		return
	}
	_ = a.DispatchAt(from, msg, now)
}

// Dispatch applies msg using the current clock as the receive time.
func (a *Agent) Dispatch(from model.NodeID, msg wire.Message) error {
	return a.DispatchAt(from, msg, a.clock.Now())
}

// DispatchAt applies msg received at now.
func (a *Agent) DispatchAt(from model.NodeID, msg wire.Message, now uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rec.Frame("rx", msg.Kind().String())

	switch m := msg.(type) {
	case wire.Search:
		return a.onSearch(from)
	case wire.Welcome:
		return a.onWelcome(from, m)
	case wire.Reconnect:
		return a.onReconnect(from)
	case wire.SyncReq:
		if err := a.fromMaster(from, msg.Kind(), Associated); err != nil {
			return err
		}
		a.send(from, a.responder.Request(m, now))
		return nil
	case wire.SyncRef:
		if err := a.fromMaster(from, msg.Kind(), Associated); err != nil {
			return err
		}
		return a.onSyncRef(from, m, now)
	case wire.Conf:
		if err := a.fromMaster(from, msg.Kind(), Synced); err != nil {
			return err
		}
		return a.onConf(from, m)
	case wire.DataReq:
		if err := a.fromMaster(from, msg.Kind(), Associated); err != nil {
			return err
		}
		return a.onDataReq(from)
	case wire.Hello, wire.Data, wire.ConfAck, wire.SyncAck, wire.SyncFin:
		a.log.Debug().Str("node", from.String()).Str("kind", msg.Kind().String()).Msg("ignoring master-bound message")
		return nil
	default:
		return fmt.Errorf("%w: unhandled %s", wire.ErrMalformedMessage, msg.Kind())
	}
}

// fromMaster admits a request only from the recorded master and only once the
// agent has reached min.
func (a *Agent) fromMaster(from model.NodeID, kind wire.Kind, min State) error {
	if !a.hasMaster || from != a.master {
		a.rec.Error(metrics.ReasonNotMaster)
		a.log.Warn().Str("node", from.String()).Str("kind", kind.String()).Msg("message from non-master ignored")
		return fmt.Errorf("%w: %s from %s", ErrNotMaster, kind, from)
	}
	if a.state < min {
		a.log.Warn().Str("kind", kind.String()).Str("state", a.state.String()).Msg("message ignored in current state")
		return fmt.Errorf("%w: %s in %s", ErrNotReady, kind, a.state)
	}
	return nil
}

func (a *Agent) onSearch(from model.NodeID) error {
	a.send(from, wire.Hello{Identity: a.identity})
	if a.state == Unassociated {
		a.state = AwaitingWelcome
	}
	return nil
}

func (a *Agent) onWelcome(from model.NodeID, m wire.Welcome) error {
	changed := !a.hasMaster || from != a.master
	if changed {
		if a.hasMaster {
			a.log.Warn().Str("old", a.master.String()).Str("node", from.String()).Msg("master changed, dropping old association")
		}
		a.master, a.hasMaster = from, true
		a.synced = false
		a.responder.Reset()
	}
	if !changed && a.state >= Associated {
		a.log.Debug().Str("node", from.String()).Msg("WELCOME from current master")
		return nil
	}

	a.clock.SetEpoch(m.EpochUS)
	a.syncRef = a.clock.Now()
	a.driftReported = false
	a.state = Associated
	a.log.Info().Str("node", from.String()).Uint64("epoch_us", m.EpochUS).Msg("associated with master")
	return nil
}

func (a *Agent) onReconnect(from model.NodeID) error {
	if a.hasMaster && from != a.master {
		a.rec.Error(metrics.ReasonNotMaster)
		a.log.Warn().Str("node", from.String()).Msg("RECONNECT from non-master ignored")
		return fmt.Errorf("%w: RECONNECT from %s", ErrNotMaster, from)
	}
	a.hasMaster = false
	a.master = model.NodeID{}
	a.synced = false
	a.responder.Reset()
	a.state = AwaitingWelcome
	a.log.Info().Str("node", from.String()).Msg("reconnect requested, re-announcing")
	a.send(from, wire.Hello{Identity: a.identity})
	return nil
}

func (a *Agent) onSyncRef(from model.NodeID, m wire.SyncRef, now uint64) error {
	res, err := a.responder.Reference(m, now)
	if err != nil {
		a.rec.Error(metrics.ReasonMismatch)
		a.log.Warn().Err(err).Str("node", from.String()).Msg("sync reference rejected")
		return err
	}
	a.clock.Adjust(res.OffsetUS)
	a.synced = true
	a.syncRef = a.clock.Now()
	a.driftReported = false
	if a.state < Synced {
		a.state = Synced
	}
	a.log.Info().Int64("offset_us", res.OffsetUS).Int64("rtt_us", res.RoundTripUS).Msg("clock synced")
	a.send(from, res.Fin())
	return nil
}

func (a *Agent) onConf(from model.NodeID, m wire.Conf) error {
	cfg := a.store.Load()
	rejected := cfg.Merge(m.BalanceConfig)
	if err := a.store.Store(cfg); err != nil {
		a.log.Error().Err(err).Msg("balance config not stored")
		return err
	}
	a.state = Configured
	a.send(from, wire.ConfAck{})

	if len(rejected) > 0 {
		a.rec.Error(metrics.ReasonOutOfRange)
		a.log.Warn().Strs("rejected", rejected).Msg("CONF fields out of range")
		return fmt.Errorf("%w: %s", model.ErrOutOfRange, strings.Join(rejected, ", "))
	}
	a.log.Info().
		Float32("bal_start_v", cfg.StartVoltage).
		Float32("bal_threshold", cfg.Threshold).
		Bool("bal_en", cfg.Enabled).
		Bool("bal_ext_en", cfg.ExternalEn).
		Msg("balance config applied")
	return nil
}

func (a *Agent) onDataReq(from model.NodeID) error {
	m, err := a.source.Measure()
	if err != nil {
		a.log.Warn().Err(err).Msg("measurement unavailable")
		return err
	}
	a.send(from, wire.Data{Measurement: m})
	return nil
}

func (a *Agent) send(to model.NodeID, msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		a.log.Error().Err(err).Str("kind", msg.Kind().String()).Msg("encode failed")
		return
	}
	if err := a.link.Send(to, frame); err != nil {
		a.rec.Error(metrics.ReasonSendFailed)
		a.log.Warn().Err(err).Str("node", to.String()).Str("kind", msg.Kind().String()).Msg("send failed")
		return
	}
	a.rec.Frame("tx", msg.Kind().String())
}

// CheckSync is the supervisor step. When associated and no round has
// completed within the sync timeout it logs a drift warning once and clears
// the synced flag. It does not re-associate. It reports whether the agent is
// out of sync.
func (a *Agent) CheckSync() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state < Associated {
		return false
	}
	now := a.clock.Now()
	if !clock.Elapsed(now, a.syncRef, a.syncTimeout) {
		return false
	}
	if !a.driftReported {
		a.log.Warn().
			Str("master", a.master.String()).
			Dur("timeout", a.syncTimeout).
			Int64("since_us", clock.Diff(now, a.syncRef)).
			Msg("no clock sync within timeout, clock may drift")
		a.driftReported = true
	}
	a.synced = false
	return true
}

// Run dispatches frames from in and runs the supervisor every interval until
// ctx is cancelled.
func (a *Agent) Run(ctx context.Context, in <-chan link.Frame, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	supervisorTicker := time.NewTicker(interval)
	defer supervisorTicker.Stop()

	a.log.Info().Str("state", a.State().String()).Msg("agent running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-in:
			a.Handle(f.From, f.Payload())
		case <-supervisorTicker.C:
			a.CheckSync()
		}
	}
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Synced reports whether a round completed within the sync timeout.
func (a *Agent) Synced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.synced
}

// Master returns the recorded master, if any.
func (a *Agent) Master() (model.NodeID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.master, a.hasMaster
}

// Balance returns the active balancing configuration.
func (a *Agent) Balance() model.BalanceConfig {
	return a.store.Load()
}
