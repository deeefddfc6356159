package master

import (
	"context"
	"fmt"
	"time"

	"bmsnet/internal/link"
	"bmsnet/internal/model"
	"bmsnet/internal/store"
	"bmsnet/internal/wire"
)

// Discover broadcasts SEARCH.
func (c *Coordinator) Discover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send(model.Broadcast, wire.Search{})
}

// PollData sends DATA_REQ to every registered peer.
func (c *Coordinator) PollData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.reg.IDs() {
		c.send(id, wire.DataReq{})
	}
}

// PushConfig sends the configured balancing parameters to one peer. The peer
// counts as unconfigured until its CONF_ACK arrives.
func (c *Coordinator) PushConfig(id model.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushConfigLocked(id)
}

func (c *Coordinator) pushConfigLocked(id model.NodeID) error {
	peer := c.reg.Get(id)
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	peer.Configured = false
	peer.ConfPending = true
	c.send(id, wire.Conf{BalanceConfig: c.cfg.Balance})
	return nil
}

// PushPendingConfigs resends CONF to synced peers that have not acknowledged
// one yet.
func (c *Coordinator) PushPendingConfigs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.reg.IDs() {
		peer := c.reg.Get(id)
		if peer.Synced && !peer.Configured {
			_ = c.pushConfigLocked(id)
		}
	}
}

// Evict drops peers silent for longer than the TTL, discards timed out sync
// rounds and persists the registry snapshot.
func (c *Coordinator) Evict() []model.NodeID {
	c.mu.Lock()
	now := c.clock.Now()
	evicted := c.reg.EvictStale(now, c.cfg.PeerTTL)
	for _, id := range evicted {
		delete(c.rounds, id)
		delete(c.refs, id)
		c.log.Info().Str("node", id.String()).Dur("ttl", c.cfg.PeerTTL).Msg("peer evicted")
	}
	c.expireRounds(now)
	c.rec.Evicted(len(evicted))
	c.rec.Peers(c.reg.Len())
	c.mu.Unlock()

	if err := c.SaveSnapshot(); err != nil {
		c.log.Warn().Err(err).Str("path", c.cfg.SnapshotPath).Msg("snapshot not saved")
	}
	return evicted
}

// SaveSnapshot writes the registry to snapshot_path when configured.
func (c *Coordinator) SaveSnapshot() error {
	if c.cfg.SnapshotPath == "" {
		return nil
	}
	snap := &store.Snapshot{Master: c.ID().String(), Peers: c.Snapshot()}
	return store.SaveSnapshot(c.cfg.SnapshotPath, snap)
}

// Run dispatches frames from in and drives the periodic tasks until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context, in <-chan link.Frame) error {
	discoveryTicker := time.NewTicker(c.cfg.DiscoveryInterval)
	defer discoveryTicker.Stop()
	syncTicker := time.NewTicker(c.cfg.SyncInterval)
	defer syncTicker.Stop()
	pollTicker := time.NewTicker(c.cfg.PollInterval)
	defer pollTicker.Stop()
	configTicker := time.NewTicker(c.cfg.ConfigInterval)
	defer configTicker.Stop()
	evictTicker := time.NewTicker(c.cfg.EvictInterval)
	defer evictTicker.Stop()

	c.log.Info().
		Dur("discovery", c.cfg.DiscoveryInterval).
		Dur("sync", c.cfg.SyncInterval).
		Str("sync_target", c.cfg.SyncTarget).
		Msg("coordinator running")
	c.Discover()

	for {
		select {
		case <-ctx.Done():
			if err := c.SaveSnapshot(); err != nil {
				c.log.Warn().Err(err).Msg("final snapshot not saved")
			}
			return ctx.Err()
		case f := <-in:
			c.Handle(f.From, f.Payload())
		case <-discoveryTicker.C:
			c.Discover()
		case <-syncTicker.C:
			c.StartSync()
		case <-pollTicker.C:
			c.PollData()
		case <-configTicker.C:
			c.PushPendingConfigs()
		case <-evictTicker.C:
			c.Evict()
		}
	}
}
