package store

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"yawm/pkg/model"
)

// pruneMesh drops every record idle for at least ttl and reports whether the
// mesh itself is dead. It is the only expiry rule: request paths and the
// background sweep both go through it. Callers hold the mesh lock.
func pruneMesh(mesh *model.Mesh, now time.Time, ttl time.Duration) (evicted []model.NodeRecord, dead bool) {
	for addr, n := range mesh.Nodes {
		if expired(n.LastSeen, now, ttl) {
			evicted = append(evicted, n)
			delete(mesh.Nodes, addr)
		}
	}
	dead = len(mesh.Nodes) == 0 || expired(mesh.LastActive, now, ttl)
	return evicted, dead
}

func expired(ts, now time.Time, ttl time.Duration) bool {
	return now.Sub(ts) >= ttl
}

// Sweep applies the expiry rule to every mesh. The store lock is only held to
// copy the map and, briefly, to unlink each dead mesh.
func (m *MemoryStore) Sweep() SweepResult {
	now := m.opts.Clock.Now()
	m.mu.RLock()
	ids := make([]string, 0, len(m.meshes))
	entries := make([]*meshEntry, 0, len(m.meshes))
	for id, e := range m.meshes {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var res SweepResult
	for i, e := range entries {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		evicted, dead := pruneMesh(e.mesh, now, m.opts.TTL)
		e.mu.Unlock()
		res.NodesEvicted += len(evicted)
		if !dead {
			m.evicted(ids[i], evicted, false)
			continue
		}
		if m.unlinkIfDead(ids[i], e, evicted) {
			res.MeshesRemoved++
		}
	}
	return res
}

// Sweeper is implemented by stores that support an active expiry pass.
type Sweeper interface {
	Sweep() SweepResult
}

// Expirer runs Sweep on a fixed interval until its context is cancelled.
type Expirer struct {
	store    Sweeper
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger
}

func NewExpirer(s Sweeper, interval time.Duration, clk clock.Clock, log *zap.Logger) *Expirer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Expirer{store: s, interval: interval, clock: clk, log: log}
}

// Run blocks, sweeping every interval. It returns nil once ctx is done.
func (x *Expirer) Run(ctx context.Context) error {
	ticker := x.clock.Ticker(x.interval)
	defer ticker.Stop()
	x.log.Info("expirer started", zap.Duration("interval", x.interval))
	for {
		select {
		case <-ctx.Done():
			x.log.Info("expirer stopped")
			return nil
		case <-ticker.C:
			x.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass. A panic aborts the pass, not the process.
func (x *Expirer) SweepOnce() (res SweepResult) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("sweep aborted", zap.Any("panic", r))
		}
	}()
	res = x.store.Sweep()
	if res.NodesEvicted > 0 || res.MeshesRemoved > 0 {
		x.log.Info("sweep finished", zap.Int("nodes", res.NodesEvicted), zap.Int("meshes", res.MeshesRemoved))
	}
	return res
}
