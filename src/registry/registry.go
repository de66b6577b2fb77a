// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package registry owns the authoritative record of every worker node the hub
// has ever seen. Nodes are never deleted, only demoted to offline, so outcome
// counters survive reconnects and keep feeding the health score.
//
// Locking: the registry mutex only guards the map structure; every node has
// its own mutex serializing all mutation for that id. Operations on different
// nodes never contend.
package registry

import (
	"sort"
	"time"

	"sync"

	"github.com/google/uuid"

	"continuumhub/src/health"
	"continuumhub/src/model"
)

type entry struct {
	mu   sync.Mutex
	node model.Node
}

type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*entry

	defaultMaxTasks  int
	heartbeatTimeout time.Duration

	now func() time.Time
}

func New(defaultMaxTasks int, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		nodes:            make(map[string]*entry),
		defaultMaxTasks:  defaultMaxTasks,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// Register creates the node on first contact and assigns it an id if it did
// not declare one. Re-registering a known identity is idempotent: metadata is
// refreshed and the node comes back online, but the historical task counters
// are preserved.
func (r *Registry) Register(req model.RegisterRequest) (string, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok {
		e = &entry{node: model.Node{ID: id, RegisteredAt: r.now()}}
		r.nodes[id] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.Host = req.Host
	e.node.Port = req.Port
	e.node.Version = req.Version
	e.node.Capabilities = req.Capabilities
	e.node.Status = model.NodeOnline
	e.node.LastHeartbeat = r.now()
	return id, nil
}

// Heartbeat records a liveness/load signal. The reported active task count is
// clamped so it can never push the node past its concurrency limit.
func (r *Registry) Heartbeat(id string, load float64, activeTasks int) error {
	e := r.lookup(id)
	if e == nil {
		return model.ErrUnknownNode
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.LastHeartbeat = r.now()
	e.node.Status = model.NodeOnline
	e.node.CurrentLoad = clampLoad(load)
	e.node.ActiveTasks = clampInt(activeTasks, 0, r.maxFor(&e.node))
	return nil
}

func (r *Registry) Get(id string) (model.NodeSnapshot, error) {
	e := r.lookup(id)
	if e == nil {
		return model.NodeSnapshot{}, model.ErrNodeNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.snapshotLocked(e), nil
}

// List returns a snapshot of every node, ordered by id for deterministic
// output.
func (r *Registry) List() []model.NodeSnapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	snaps := make([]model.NodeSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snaps = append(snaps, r.snapshotLocked(e))
		e.mu.Unlock()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// MarkTaskOutcome records a finished task against the node: bumps the matching
// counter and frees the slot the task was holding.
func (r *Registry) MarkTaskOutcome(id string, success bool) error {
	e := r.lookup(id)
	if e == nil {
		return model.ErrUnknownNode
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.node.TasksCompleted++
	} else {
		e.node.TasksFailed++
	}
	if e.node.ActiveTasks > 0 {
		e.node.ActiveTasks--
	}
	return nil
}

// ReserveSlot atomically checks capacity and claims one task slot. The
// scheduler calls this before marking a task dispatched, which is what makes
// over-subscription impossible even with concurrent scheduling passes.
func (r *Registry) ReserveSlot(id string) error {
	e := r.lookup(id)
	if e == nil {
		return model.ErrUnknownNode
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node.ActiveTasks >= r.maxFor(&e.node) {
		return model.ErrNodeAtCapacity
	}
	e.node.ActiveTasks++
	return nil
}

// ReleaseSlot undoes a reservation without recording an outcome (dispatch
// failure, or a running task cancelled by the client).
func (r *Registry) ReleaseSlot(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node.ActiveTasks > 0 {
		e.node.ActiveTasks--
	}
}

// SweepOffline demotes every node whose heartbeat is older than the timeout
// and returns the ids that flipped on this pass. Status never influences the
// stored health counters; it only gates scheduling eligibility.
func (r *Registry) SweepOffline() []string {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var flipped []string
	now := r.now()
	for _, e := range entries {
		e.mu.Lock()
		if e.node.Status == model.NodeOnline && now.Sub(e.node.LastHeartbeat) > r.heartbeatTimeout {
			e.node.Status = model.NodeOffline
			flipped = append(flipped, e.node.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(flipped)
	return flipped
}

func (r *Registry) Stats() model.NodeCounts {
	var counts model.NodeCounts
	for _, snap := range r.List() {
		counts.Total++
		if snap.Status == model.NodeOnline {
			counts.Online++
		} else {
			counts.Offline++
		}
	}
	return counts
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// snapshotLocked derives the read view. Status is a pure function of heartbeat
// age, so a query between monitor sweeps still reports a silent node offline.
func (r *Registry) snapshotLocked(e *entry) model.NodeSnapshot {
	since := r.now().Sub(e.node.LastHeartbeat)
	online := since <= r.heartbeatTimeout

	in := health.ScoreInput{
		Load:             e.node.CurrentLoad,
		TasksCompleted:   e.node.TasksCompleted,
		TasksFailed:      e.node.TasksFailed,
		SinceHeartbeat:   since,
		HeartbeatTimeout: r.heartbeatTimeout,
		Online:           online,
	}

	snap := model.NodeSnapshot{
		Node:                  e.node,
		MaxConcurrentTasks:    r.maxFor(&e.node),
		HealthScore:           health.Score(in),
		EffectiveScore:        health.Effective(in),
		SecondsSinceHeartbeat: since.Seconds(),
	}
	if online {
		snap.Status = model.NodeOnline
	} else {
		snap.Status = model.NodeOffline
	}
	return snap
}

func (r *Registry) maxFor(n *model.Node) int {
	if n.Capabilities.MaxConcurrentTasks > 0 {
		return n.Capabilities.MaxConcurrentTasks
	}
	return r.defaultMaxTasks
}

func clampLoad(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
