package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"yawm/pkg/model"
)

// meshEntry guards one mesh. removed is set, under both the store and the
// entry lock, once the entry has been unlinked from the store map.
type meshEntry struct {
	mu      sync.Mutex
	mesh    *model.Mesh
	removed bool
}

// MemoryStore is the in-memory registry. The store lock guards the mesh map
// (creation, unlinking, the capacity check); each mesh has its own lock for
// node updates. Lock order is always store, then mesh.
type MemoryStore struct {
	mu     sync.RWMutex
	meshes map[string]*meshEntry
	opts   Options
	log    *zap.Logger
	subs   *notifier
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		meshes: make(map[string]*meshEntry),
		opts:   opts,
		log:    opts.Logger,
		subs:   newNotifier(),
	}
}

// Register inserts or refreshes the caller's record, creating the mesh on
// first use.
func (m *MemoryStore) Register(req RegisterRequest) (model.NodeRecord, error) {
	rec, err := req.normalize(m.opts.StrictKeys)
	if err != nil {
		return model.NodeRecord{}, err
	}
	for {
		e := m.lookup(req.MeshID)
		if e == nil {
			saved, created, err := m.createMesh(req.MeshID, rec)
			if err != nil {
				return model.NodeRecord{}, err
			}
			if created {
				return saved, nil
			}
			continue
		}
		if saved, ok := m.upsert(req.MeshID, e, rec); ok {
			return saved, nil
		}
	}
}

// GetMembers returns every live record of the mesh except the requester's.
func (m *MemoryStore) GetMembers(meshID, requester string) ([]model.NodeRecord, error) {
	v, err := m.View(meshID, requester)
	if err != nil {
		return nil, err
	}
	return v.Peers, nil
}

// View prunes the mesh and snapshots it for requester. A read by a live member
// refreshes the mesh's activity; a stranger's read does not.
func (m *MemoryStore) View(meshID, requester string) (MeshView, error) {
	requester = normalizeAddress(requester)
	for {
		e := m.lookup(meshID)
		if e == nil {
			return MeshView{}, fmt.Errorf("%w: %s", ErrMeshNotFound, meshID)
		}
		now := m.opts.Clock.Now()
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		evicted, dead := pruneMesh(e.mesh, now, m.opts.TTL)
		if dead {
			e.mu.Unlock()
			m.unlinkIfDead(meshID, e, evicted)
			return MeshView{}, fmt.Errorf("%w: %s", ErrMeshNotFound, meshID)
		}
		view := snapshot(e.mesh, requester)
		if view.Self != nil {
			// only a member's read counts as activity
			e.mesh.LastActive = now
		}
		e.mu.Unlock()
		m.evicted(meshID, evicted, false)
		return view, nil
	}
}

// Stats counts live meshes and nodes without mutating the registry.
func (m *MemoryStore) Stats() model.Stats {
	now := m.opts.Clock.Now()
	st := model.Stats{MaxMeshes: m.opts.MaxMeshes}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.meshes {
		e.mu.Lock()
		live := 0
		for _, n := range e.mesh.Nodes {
			if !expired(n.LastSeen, now, m.opts.TTL) {
				live++
			}
		}
		if live > 0 && !expired(e.mesh.LastActive, now, m.opts.TTL) {
			st.Meshes++
			st.Nodes += live
		}
		e.mu.Unlock()
	}
	return st
}

// Subscribe returns a channel signalled whenever the mesh's membership
// changes. The channel coalesces bursts; call cancel to release it.
func (m *MemoryStore) Subscribe(meshID string) (<-chan struct{}, func()) {
	return m.subs.subscribe(meshID)
}

func (m *MemoryStore) lookup(meshID string) *meshEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meshes[meshID]
}

// upsert writes rec into an existing mesh. It reports false when the entry was
// unlinked concurrently and the caller must look the mesh up again.
func (m *MemoryStore) upsert(meshID string, e *meshEntry, rec model.NodeRecord) (model.NodeRecord, bool) {
	now := m.opts.Clock.Now()
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return model.NodeRecord{}, false
	}
	evicted, _ := pruneMesh(e.mesh, now, m.opts.TTL)
	prev, existed := e.mesh.Nodes[rec.Address]
	rec.LastSeen = now
	e.mesh.Nodes[rec.Address] = rec
	e.mesh.LastActive = now
	e.mu.Unlock()

	m.evicted(meshID, evicted, false)
	if !existed || !samePayload(prev, rec) {
		m.log.Info("registered node", zap.String("mesh", meshID), zap.String("address", rec.Address), zap.Bool("updated", existed))
		m.subs.notify(meshID)
	} else {
		m.log.Debug("refreshed node", zap.String("mesh", meshID), zap.String("address", rec.Address))
	}
	return rec.Clone(), true
}

// createMesh admits a new mesh under the store lock. created is false when
// another caller created the mesh first.
func (m *MemoryStore) createMesh(meshID string, rec model.NodeRecord) (saved model.NodeRecord, created bool, err error) {
	now := m.opts.Clock.Now()
	m.mu.Lock()
	if _, ok := m.meshes[meshID]; ok {
		m.mu.Unlock()
		return model.NodeRecord{}, false, nil
	}
	var reaped []reapedMesh
	if len(m.meshes) >= m.opts.MaxMeshes {
		reaped = m.reapLocked(now)
	}
	if len(m.meshes) >= m.opts.MaxMeshes {
		m.mu.Unlock()
		m.reported(reaped)
		m.log.Warn("mesh capacity exceeded", zap.String("mesh", meshID), zap.Int("max", m.opts.MaxMeshes))
		return model.NodeRecord{}, false, fmt.Errorf("%w: %d live meshes", ErrMeshCapacityExceeded, m.opts.MaxMeshes)
	}
	mesh := model.NewMesh(meshID, now)
	rec.LastSeen = now
	mesh.Nodes[rec.Address] = rec
	m.meshes[meshID] = &meshEntry{mesh: mesh}
	total := len(m.meshes)
	m.mu.Unlock()

	m.reported(reaped)
	m.log.Info("mesh created", zap.String("mesh", meshID), zap.String("address", rec.Address), zap.Int("meshes", total))
	m.subs.notify(meshID)
	return rec.Clone(), true, nil
}

type reapedMesh struct {
	id      string
	evicted []model.NodeRecord
	removed bool
}

// reapLocked prunes every mesh and unlinks the dead ones. m.mu must be held
// exclusively.
func (m *MemoryStore) reapLocked(now time.Time) []reapedMesh {
	var out []reapedMesh
	for id, e := range m.meshes {
		e.mu.Lock()
		evicted, dead := pruneMesh(e.mesh, now, m.opts.TTL)
		if dead {
			e.removed = true
			delete(m.meshes, id)
		}
		e.mu.Unlock()
		if len(evicted) > 0 || dead {
			out = append(out, reapedMesh{id: id, evicted: evicted, removed: dead})
		}
	}
	return out
}

func (m *MemoryStore) reported(reaped []reapedMesh) {
	for _, r := range reaped {
		m.evicted(r.id, r.evicted, r.removed)
	}
}

// unlinkIfDead removes e from the map if it is still linked and still dead
// once both locks are held. evicted carries records the caller already pruned
// so the outcome is reported once. It reports whether the mesh was removed.
func (m *MemoryStore) unlinkIfDead(meshID string, e *meshEntry, evicted []model.NodeRecord) bool {
	now := m.opts.Clock.Now()
	m.mu.Lock()
	e.mu.Lock()
	removed := false
	if !e.removed && m.meshes[meshID] == e {
		more, dead := pruneMesh(e.mesh, now, m.opts.TTL)
		evicted = append(evicted, more...)
		if dead {
			e.removed = true
			delete(m.meshes, meshID)
			removed = true
		}
	}
	e.mu.Unlock()
	m.mu.Unlock()
	if len(evicted) > 0 || removed {
		m.evicted(meshID, evicted, removed)
	}
	return removed
}

// evicted logs and publishes an expiry outcome for one mesh.
func (m *MemoryStore) evicted(meshID string, nodes []model.NodeRecord, meshRemoved bool) {
	if len(nodes) == 0 && !meshRemoved {
		return
	}
	for _, n := range nodes {
		m.log.Debug("node expired", zap.String("mesh", meshID), zap.String("address", n.Address), zap.Time("lastSeen", n.LastSeen))
	}
	if meshRemoved {
		m.log.Info("mesh evicted", zap.String("mesh", meshID))
	}
	if m.opts.OnEvict != nil {
		m.opts.OnEvict(EvictEvent{MeshID: meshID, Nodes: len(nodes), MeshRemoved: meshRemoved})
	}
	m.subs.notify(meshID)
}

func snapshot(mesh *model.Mesh, requester string) MeshView {
	view := MeshView{MeshID: mesh.ID, Peers: make([]model.NodeRecord, 0, len(mesh.Nodes))}
	for addr, n := range mesh.Nodes {
		if addr == requester {
			self := n.Clone()
			view.Self = &self
			continue
		}
		view.Peers = append(view.Peers, n.Clone())
	}
	sort.Slice(view.Peers, func(i, j int) bool { return model.AddressLess(view.Peers[i].Address, view.Peers[j].Address) })
	return view
}

func samePayload(a, b model.NodeRecord) bool {
	if a.PublicKey != b.PublicKey || a.ListenPort != b.ListenPort || len(a.AllowedRoutes) != len(b.AllowedRoutes) {
		return false
	}
	for i := range a.AllowedRoutes {
		if a.AllowedRoutes[i] != b.AllowedRoutes[i] {
			return false
		}
	}
	return true
}
