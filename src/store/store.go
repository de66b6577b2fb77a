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

// Package store owns the authoritative record of submitted tasks. Transitions
// are forward-only (pending -> running -> terminal); whichever writer reaches
// a task first wins and the loser gets ErrInvalidTransition instead of a
// silent overwrite. Terminal tasks are retained for query.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"continuumhub/src/logging"
	"continuumhub/src/model"
)

type entry struct {
	mu   sync.Mutex
	seq  int // submission order, drives FIFO fairness
	task model.Task
}

type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*entry
	order   []string // ids in submission order
	pending []string // FIFO queue of pending ids

	taskTimeout time.Duration
	archive     *Archive

	now func() time.Time
}

func New(taskTimeout time.Duration) *Store {
	return &Store{
		tasks:       make(map[string]*entry),
		taskTimeout: taskTimeout,
		now:         time.Now,
	}
}

// SetArchive attaches the optional Postgres archive for terminal tasks.
func (s *Store) SetArchive(a *Archive) { s.archive = a }

// Submit validates the payload and creates a pending task at the back of the
// queue. The input itself stays opaque; only its shape is checked.
func (s *Store) Submit(p model.TaskPayload) (string, error) {
	if p.Model == "" {
		return "", fmt.Errorf("%w: missing model identifier", model.ErrInvalidPayload)
	}
	if len(bytes.TrimSpace(p.Input)) == 0 || !json.Valid(p.Input) {
		return "", fmt.Errorf("%w: input must be a non-empty JSON document", model.ErrInvalidPayload)
	}

	id := uuid.New().String()
	t := model.Task{
		ID:        id,
		Status:    model.TaskPending,
		Payload:   p,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.tasks[id] = &entry{seq: len(s.order), task: t}
	s.order = append(s.order, id)
	s.pending = append(s.pending, id)
	s.mu.Unlock()

	return id, nil
}

func (s *Store) Get(id string) (model.Task, error) {
	e := s.lookup(id)
	if e == nil {
		return model.Task{}, model.ErrTaskNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// List returns tasks in submission order, optionally filtered by status.
func (s *Store) List(status model.TaskStatus) []model.Task {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		e := s.lookup(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if status == "" || e.task.Status == status {
			out = append(out, e.task)
		}
		e.mu.Unlock()
	}
	return out
}

// PendingIDs is the scheduler's view of the queue, oldest submission first.
func (s *Store) PendingIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pending...)
}

// MarkDispatched transitions pending -> running and records the assignment.
// Any other starting state is an invalid transition (a task is dispatched at
// most once; dispatch-failure revert goes through RevertDispatch).
func (s *Store) MarkDispatched(id, nodeID string) error {
	e := s.lookup(id)
	if e == nil {
		return model.ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status != model.TaskPending {
		return fmt.Errorf("%w: task %s is %s, not pending", model.ErrInvalidTransition, id, e.task.Status)
	}
	now := s.now()
	e.task.Status = model.TaskRunning
	e.task.AssignedNode = nodeID
	e.task.DispatchedAt = &now

	s.removeFromPending(id)
	return nil
}

// RevertDispatch undoes MarkDispatched after the dispatch notification failed.
// The assignment never became observable, so it is cleared and the task goes
// back into the queue at its original submission position.
func (s *Store) RevertDispatch(id string) error {
	e := s.lookup(id)
	if e == nil {
		return model.ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status != model.TaskRunning {
		return fmt.Errorf("%w: task %s is %s, not running", model.ErrInvalidTransition, id, e.task.Status)
	}
	e.task.Status = model.TaskPending
	e.task.AssignedNode = ""
	e.task.DispatchedAt = nil

	s.requeue(id, e.seq)
	return nil
}

// MarkFinished transitions running -> completed/failed. Re-reporting the same
// outcome on a terminal task is an idempotent no-op; a different outcome is a
// conflict. The returned bool says whether the transition was applied on this
// call, so callers only touch node accounting once per task.
func (s *Store) MarkFinished(id string, success bool, result model.TaskResult) (bool, error) {
	e := s.lookup(id)
	if e == nil {
		return false, model.ErrTaskNotFound
	}

	e.mu.Lock()
	if e.task.Status.Terminal() {
		defer e.mu.Unlock()
		if sameOutcome(e.task.Status, success) {
			return false, nil
		}
		return false, fmt.Errorf("%w: task %s already %s", model.ErrConflictingOutcome, id, e.task.Status)
	}
	if e.task.Status != model.TaskRunning {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: task %s is %s, not running", model.ErrInvalidTransition, id, e.task.Status)
	}

	now := s.now()
	if success {
		e.task.Status = model.TaskCompleted
	} else {
		e.task.Status = model.TaskFailed
		if result.ErrorKind == "" {
			result.ErrorKind = model.ErrorKindWorker
		}
	}
	e.task.Result = &result
	e.task.FinishedAt = &now
	final := e.task
	e.mu.Unlock()

	s.archiveTask(final)
	return true, nil
}

// ExpireIfTimedOut forces a running task past its deadline into failed with a
// timeout-kind error. Returns the owning node id so the caller can free its
// slot. A worker report that arrives first wins; then this is a no-op.
func (s *Store) ExpireIfTimedOut(id string, now time.Time) (bool, string, error) {
	e := s.lookup(id)
	if e == nil {
		return false, "", model.ErrTaskNotFound
	}

	e.mu.Lock()
	if e.task.Status != model.TaskRunning || e.task.DispatchedAt == nil {
		e.mu.Unlock()
		return false, "", nil
	}
	age := now.Sub(*e.task.DispatchedAt)
	if age <= s.taskTimeout {
		e.mu.Unlock()
		return false, "", nil
	}

	e.task.Status = model.TaskFailed
	e.task.Result = &model.TaskResult{
		Error:     fmt.Sprintf("task timed out after %s (limit %s)", age.Truncate(time.Second), s.taskTimeout),
		ErrorKind: model.ErrorKindTimeout,
	}
	e.task.FinishedAt = &now
	nodeID := e.task.AssignedNode
	final := e.task
	e.mu.Unlock()

	s.archiveTask(final)
	return true, nodeID, nil
}

// Cancel removes a pending task from consideration, or marks a running task
// cancelled on an advisory basis (the remote worker is not stopped). Returns
// whether the task was running and, if so, the node holding its slot.
func (s *Store) Cancel(id string) (bool, string, error) {
	e := s.lookup(id)
	if e == nil {
		return false, "", model.ErrTaskNotFound
	}

	e.mu.Lock()
	if e.task.Status.Terminal() {
		e.mu.Unlock()
		return false, "", fmt.Errorf("%w: task %s already %s", model.ErrInvalidTransition, id, e.task.Status)
	}

	wasRunning := e.task.Status == model.TaskRunning
	now := s.now()
	e.task.Status = model.TaskCancelled
	e.task.Result = &model.TaskResult{
		Error:     "cancelled by client",
		ErrorKind: model.ErrorKindCancelled,
	}
	e.task.FinishedAt = &now
	nodeID := e.task.AssignedNode
	final := e.task

	if !wasRunning {
		s.removeFromPending(id)
	}
	e.mu.Unlock()

	s.archiveTask(final)
	return wasRunning, nodeID, nil
}

// Running snapshots all running tasks for the expiry sweep.
func (s *Store) Running() []model.Task {
	return s.List(model.TaskRunning)
}

func (s *Store) Stats() model.TaskCounts {
	var counts model.TaskCounts
	for _, t := range s.List("") {
		counts.Total++
		switch t.Status {
		case model.TaskPending:
			counts.Pending++
		case model.TaskRunning:
			counts.Running++
		case model.TaskCompleted:
			counts.Completed++
		case model.TaskFailed:
			counts.Failed++
		case model.TaskCancelled:
			counts.Cancelled++
		}
	}
	return counts
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

func (s *Store) removeFromPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pid := range s.pending {
		if pid == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// requeue reinserts a reverted task so the queue stays ordered by submission.
func (s *Store) requeue(id string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := len(s.pending)
	for i, pid := range s.pending {
		if e := s.tasks[pid]; e != nil && e.seq > seq {
			pos = i
			break
		}
	}
	s.pending = append(s.pending[:pos], append([]string{id}, s.pending[pos:]...)...)
}

func (s *Store) archiveTask(t model.Task) {
	if s.archive == nil {
		return
	}
	go func() {
		if err := s.archive.Record(t); err != nil {
			logging.Log(fmt.Sprintf("Failed to archive task %s: %v", t.ID, err), slog.LevelError)
			logging.Count("hub_archive_failures", 1)
		}
	}()
}

func sameOutcome(status model.TaskStatus, success bool) bool {
	if success {
		return status == model.TaskCompleted
	}
	return status == model.TaskFailed || status == model.TaskCancelled
}
