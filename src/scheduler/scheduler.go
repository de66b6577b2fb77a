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

// Package scheduler matches pending tasks to eligible nodes, exactly one node
// per task. A scheduling pass drains the queue in submission order; per task
// it reserves a slot on the best node before marking the task dispatched, so
// two concurrent passes can never push a node past its concurrency limit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"continuumhub/src/logging"
	"continuumhub/src/model"
	"continuumhub/src/registry"
	"continuumhub/src/store"
)

// Dispatcher delivers an assignment to the chosen worker. A returned error is
// treated as transient: the task goes back to pending and the slot is freed.
type Dispatcher interface {
	Dispatch(ctx context.Context, node model.NodeSnapshot, task model.Task) error
}

type Config struct {
	Interval       time.Duration
	ExpiryInterval time.Duration
	MinHealthScore float64
}

type Scheduler struct {
	registry   *registry.Registry
	store      *store.Store
	dispatcher Dispatcher

	interval       time.Duration
	expiryInterval time.Duration
	minScore       float64

	kick chan struct{}
	now  func() time.Time
}

func New(reg *registry.Registry, st *store.Store, d Dispatcher, cfg Config) *Scheduler {
	return &Scheduler{
		registry:       reg,
		store:          st,
		dispatcher:     d,
		interval:       cfg.Interval,
		expiryInterval: cfg.ExpiryInterval,
		minScore:       cfg.MinHealthScore,
		kick:           make(chan struct{}, 1),
		now:            time.Now,
	}
}

// Kick asks for an immediate scheduling pass. Task submission calls it so new
// work does not wait out the ticker.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run is the scheduling loop: a fixed tick plus on-demand kicks.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Log(fmt.Sprintf("Scheduler started (tick %s, min health score %.0f)", s.interval, s.minScore), slog.LevelInfo)

	for {
		select {
		case <-ctx.Done():
			logging.Log("Scheduler stopped", slog.LevelInfo)
			return
		case <-ticker.C:
			s.SchedulePass(ctx)
		case <-s.kick:
			s.SchedulePass(ctx)
		}
	}
}

// SchedulePass walks the pending queue once, oldest submission first. A task
// with no eligible node is left pending and does not block the tasks behind
// it.
func (s *Scheduler) SchedulePass(ctx context.Context) {
	for _, id := range s.store.PendingIDs() {
		if ctx.Err() != nil {
			return
		}
		task, err := s.store.Get(id)
		if err != nil || task.Status != model.TaskPending {
			continue
		}
		s.dispatchOne(ctx, task)
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, task model.Task) bool {
	node, ok := s.selectNode(s.registry.List())
	if !ok {
		return false
	}

	// Reserve before marking dispatched; losing the capacity race just leaves
	// the task pending for the next pass.
	if err := s.registry.ReserveSlot(node.ID); err != nil {
		if !errors.Is(err, model.ErrNodeAtCapacity) {
			logging.Log(fmt.Sprintf("Slot reservation on node %s failed: %v", node.ID, err), slog.LevelError)
		}
		return false
	}

	if err := s.store.MarkDispatched(task.ID, node.ID); err != nil {
		// Task was cancelled or finished between the queue read and now.
		s.registry.ReleaseSlot(node.ID)
		return false
	}

	if err := s.dispatcher.Dispatch(ctx, node, task); err != nil {
		derr := &model.DispatchError{NodeID: node.ID, Err: err}
		logging.Log(fmt.Sprintf("Dispatch of task %s failed, requeueing: %v", task.ID, derr), slog.LevelWarn)
		logging.Count("hub_dispatch_failures", 1)

		if err := s.store.RevertDispatch(task.ID); err != nil {
			logging.Log(fmt.Sprintf("Failed to revert dispatch of task %s: %v", task.ID, err), slog.LevelError)
		}
		s.registry.ReleaseSlot(node.ID)
		return false
	}

	logging.Log(fmt.Sprintf("Task %s dispatched to node %s (score %.1f)", task.ID, node.ID, node.EffectiveScore), slog.LevelInfo)
	logging.Count("hub_tasks_dispatched", 1)
	return true
}

// selectNode applies the eligibility predicate and picks the best candidate:
// highest effective score, ties broken by lowest load, then by most recent
// heartbeat. The total order keeps scheduling deterministic.
func (s *Scheduler) selectNode(nodes []model.NodeSnapshot) (model.NodeSnapshot, bool) {
	var best model.NodeSnapshot
	found := false
	for _, n := range nodes {
		if !s.eligible(n) {
			continue
		}
		if !found || better(n, best) {
			best = n
			found = true
		}
	}
	return best, found
}

func (s *Scheduler) eligible(n model.NodeSnapshot) bool {
	return n.Status == model.NodeOnline &&
		n.ActiveTasks < n.MaxConcurrentTasks &&
		n.EffectiveScore >= s.minScore
}

func better(a, b model.NodeSnapshot) bool {
	if a.EffectiveScore != b.EffectiveScore {
		return a.EffectiveScore > b.EffectiveScore
	}
	if a.CurrentLoad != b.CurrentLoad {
		return a.CurrentLoad < b.CurrentLoad
	}
	return a.LastHeartbeat.After(b.LastHeartbeat)
}

// RunExpiry is the task timeout sweep. It can race a late worker report; the
// store's forward-only transition rule decides the winner.
func (s *Scheduler) RunExpiry(ctx context.Context) {
	ticker := time.NewTicker(s.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpiryPass()
		}
	}
}

// ExpiryPass fails every running task past its deadline and frees the owning
// node's slot, counting the timeout as a failure against that node.
func (s *Scheduler) ExpiryPass() {
	now := s.now()
	for _, task := range s.store.Running() {
		expired, nodeID, err := s.store.ExpireIfTimedOut(task.ID, now)
		if err != nil || !expired {
			continue
		}
		logging.Log(fmt.Sprintf("Task %s timed out on node %s", task.ID, nodeID), slog.LevelWarn)
		logging.Count("hub_tasks_timed_out", 1)
		if nodeID != "" {
			if err := s.registry.MarkTaskOutcome(nodeID, false); err != nil {
				logging.Log(fmt.Sprintf("Failed to record timeout against node %s: %v", nodeID, err), slog.LevelError)
			}
		}
	}
}
