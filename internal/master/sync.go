package master

import (
	"fmt"

	"bmsnet/internal/config"
	"bmsnet/internal/metrics"
	"bmsnet/internal/model"
	"bmsnet/internal/timesync"
	"bmsnet/internal/wire"
)

// StartSync opens a sync round: one SYNC_REQ per registered peer, or a single
// broadcast when sync_target is "broadcast". A new round replaces any round
// still waiting for its ACK.
func (c *Coordinator) StartSync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireRounds(c.clock.Now())
	if c.cfg.SyncTarget == config.SyncTargetBroadcast {
		ex := timesync.Start(model.Broadcast, c.clock.Now(), c.cfg.SyncDeadline)
		c.bcast = &broadcastRound{ex: ex, answered: make(map[model.NodeID]bool)}
		c.send(model.Broadcast, ex.Request())
		return
	}
	for _, id := range c.reg.IDs() {
		ex := timesync.Start(id, c.clock.Now(), c.cfg.SyncDeadline)
		c.rounds[id] = ex
		c.send(id, ex.Request())
	}
}

// SyncPeer opens a unicast round against one peer.
func (c *Coordinator) SyncPeer(id model.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.reg.IsKnown(id) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	ex := timesync.Start(id, c.clock.Now(), c.cfg.SyncDeadline)
	c.rounds[id] = ex
	c.send(id, ex.Request())
	return nil
}

func (c *Coordinator) onSyncAck(from model.NodeID, ack wire.SyncAck, now uint64) error {
	log := c.log.With().Str("node", from.String()).Logger()

	ex := c.rounds[from]
	broadcast := false
	if c.bcast != nil && ack.T1 == c.bcast.ex.T1 && (ex == nil || ex.T1 != ack.T1) {
		if c.bcast.answered[from] {
			log.Debug().Uint64("t1", ack.T1).Msg("duplicate SYNC_ACK")
			return nil
		}
		ex, broadcast = c.bcast.ex, true
	}
	if ex == nil {
		c.rec.Error(metrics.ReasonLateReply)
		log.Warn().Uint64("t1", ack.T1).Msg("SYNC_ACK without a round in flight")
		return fmt.Errorf("%w: no round for %s", timesync.ErrLateReply, from)
	}

	ref, err := ex.Accept(ack, now)
	if err != nil {
		c.rec.Error(metrics.ReasonLateReply)
		log.Warn().Err(err).Uint64("t1", ack.T1).Msg("sync round aborted")
		if ex.Expired(now) {
			if broadcast {
				c.bcast = nil
			} else {
				delete(c.rounds, from)
			}
		}
		return err
	}

	if broadcast {
		c.bcast.answered[from] = true
	} else {
		delete(c.rounds, from)
	}
	c.refs[from] = ref
	c.send(from, ref)
	return nil
}

func (c *Coordinator) onSyncFin(peer *model.PeerRecord, fin wire.SyncFin) error {
	log := c.log.With().Str("node", peer.ID.String()).Logger()

	ref, ok := c.refs[peer.ID]
	if !ok || ref.T1 != fin.T1 || ref.T2 != fin.T2 || ref.T3 != fin.T3 {
		c.rec.Error(metrics.ReasonMismatch)
		log.Warn().Uint64("t1", fin.T1).Msg("SYNC_FIN does not match the reference sent")
		return fmt.Errorf("%w: SYNC_FIN from %s", timesync.ErrMismatch, peer.ID)
	}
	delete(c.refs, peer.ID)

	res := timesync.FromFin(fin)
	peer.Synced = true
	c.rec.Sync(peer.ID.String(), res.OffsetUS, res.RoundTripUS)
	log.Info().Int64("offset_us", res.OffsetUS).Int64("rtt_us", res.RoundTripUS).Msg("peer synced")

	if c.cfg.SyncCSVPath != "" {
		sample := model.SyncSample{
			Timestamp:   c.wall().UTC(),
			NodeID:      peer.ID.String(),
			OffsetUS:    res.OffsetUS,
			RoundTripUS: res.RoundTripUS,
		}
		if err := metrics.AppendCSV(c.cfg.SyncCSVPath, []model.SyncSample{sample}); err != nil {
			log.Warn().Err(err).Str("path", c.cfg.SyncCSVPath).Msg("sync sample not written")
		}
	}
	return nil
}

// expireRounds discards rounds whose ACK deadline has passed.
func (c *Coordinator) expireRounds(now uint64) {
	for id, ex := range c.rounds {
		if ex.Expired(now) {
			delete(c.rounds, id)
			c.log.Warn().Str("node", id.String()).Msg("sync round timed out")
		}
	}
	if c.bcast != nil && c.bcast.ex.Expired(now) {
		if len(c.bcast.answered) == 0 {
			c.log.Warn().Msg("broadcast sync round timed out with no replies")
		}
		c.bcast = nil
	}
}

// PendingRounds reports how many unicast rounds await an ACK.
func (c *Coordinator) PendingRounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rounds)
}
