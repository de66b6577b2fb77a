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

package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"continuumhub/src/model"
)

const testTaskTimeout = 5 * time.Minute

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s := New(testTaskTimeout)
	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }
	return s, &current
}

func validPayload() model.TaskPayload {
	return model.TaskPayload{
		Model: "llama-3-8b",
		Input: json.RawMessage(`{"prompt":"hello"}`),
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Submit(model.TaskPayload{Input: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, model.ErrInvalidPayload)

	_, err = s.Submit(model.TaskPayload{Model: "m"})
	require.ErrorIs(t, err, model.ErrInvalidPayload)

	_, err = s.Submit(model.TaskPayload{Model: "m", Input: json.RawMessage(`{not json`)})
	require.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestSubmitCreatesPendingTask(t *testing.T) {
	s, _ := newTestStore(t)

	id, err := s.Submit(validPayload())
	require.NoError(t, err)

	task, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, task.Status)
	require.Empty(t, task.AssignedNode)
	require.Equal(t, []string{id}, s.PendingIDs())
}

func TestGetUnknownTask(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get("missing")
	require.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestDispatchLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())

	require.NoError(t, s.MarkDispatched(id, "node-a"))
	require.Empty(t, s.PendingIDs())

	task, _ := s.Get(id)
	require.Equal(t, model.TaskRunning, task.Status)
	require.Equal(t, "node-a", task.AssignedNode)
	require.NotNil(t, task.DispatchedAt)

	// A task is dispatched at most once.
	require.ErrorIs(t, s.MarkDispatched(id, "node-b"), model.ErrInvalidTransition)

	applied, err := s.MarkFinished(id, true, model.TaskResult{Output: "ok"})
	require.NoError(t, err)
	require.True(t, applied)
	task, _ = s.Get(id)
	require.Equal(t, model.TaskCompleted, task.Status)
	require.NotNil(t, task.FinishedAt)
	require.Equal(t, "ok", task.Result.Output)
}

func TestFinishRequiresRunning(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())

	_, err := s.MarkFinished(id, true, model.TaskResult{})
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestRepeatedReportIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())
	require.NoError(t, s.MarkDispatched(id, "node-a"))

	applied, err := s.MarkFinished(id, true, model.TaskResult{Output: "ok"})
	require.NoError(t, err)
	require.True(t, applied)

	// Same outcome again: no-op, not applied, result untouched.
	applied, err = s.MarkFinished(id, true, model.TaskResult{Output: "different"})
	require.NoError(t, err)
	require.False(t, applied)
	task, _ := s.Get(id)
	require.Equal(t, "ok", task.Result.Output)

	// Opposite outcome: conflict.
	_, err = s.MarkFinished(id, false, model.TaskResult{Error: "boom"})
	require.ErrorIs(t, err, model.ErrConflictingOutcome)
	task, _ = s.Get(id)
	require.Equal(t, model.TaskCompleted, task.Status)
}

func TestFailureGetsDefaultErrorKind(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())
	require.NoError(t, s.MarkDispatched(id, "node-a"))
	applied, err := s.MarkFinished(id, false, model.TaskResult{Error: "exit 1"})
	require.NoError(t, err)
	require.True(t, applied)

	task, _ := s.Get(id)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, model.ErrorKindWorker, task.Result.ErrorKind)
}

func TestRevertDispatchRestoresQueuePosition(t *testing.T) {
	s, _ := newTestStore(t)
	first, _ := s.Submit(validPayload())
	second, _ := s.Submit(validPayload())
	third, _ := s.Submit(validPayload())

	require.NoError(t, s.MarkDispatched(first, "node-a"))
	require.Equal(t, []string{second, third}, s.PendingIDs())

	require.NoError(t, s.RevertDispatch(first))

	// Back at the front: it was submitted before the others.
	require.Equal(t, []string{first, second, third}, s.PendingIDs())

	task, _ := s.Get(first)
	require.Equal(t, model.TaskPending, task.Status)
	require.Empty(t, task.AssignedNode)
	require.Nil(t, task.DispatchedAt)
}

func TestRevertDispatchRequiresRunning(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())
	require.ErrorIs(t, s.RevertDispatch(id), model.ErrInvalidTransition)
}

func TestExpireIfTimedOut(t *testing.T) {
	s, clock := newTestStore(t)
	id, _ := s.Submit(validPayload())
	require.NoError(t, s.MarkDispatched(id, "node-a"))

	// Within the deadline: no-op.
	expired, _, err := s.ExpireIfTimedOut(id, clock.Add(testTaskTimeout))
	require.NoError(t, err)
	require.False(t, expired)

	// Past the deadline: forced failure, owning node returned.
	expired, nodeID, err := s.ExpireIfTimedOut(id, clock.Add(testTaskTimeout+time.Second))
	require.NoError(t, err)
	require.True(t, expired)
	require.Equal(t, "node-a", nodeID)

	task, _ := s.Get(id)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, model.ErrorKindTimeout, task.Result.ErrorKind)

	// A late worker report on the expired task is a conflict, not an overwrite.
	_, err = s.MarkFinished(id, true, model.TaskResult{Output: "late"})
	require.ErrorIs(t, err, model.ErrConflictingOutcome)
}

func TestExpireSkipsNonRunningTasks(t *testing.T) {
	s, clock := newTestStore(t)
	id, _ := s.Submit(validPayload())

	expired, _, err := s.ExpireIfTimedOut(id, clock.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, expired)

	task, _ := s.Get(id)
	require.Equal(t, model.TaskPending, task.Status)
}

func TestCancelPendingTask(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())

	wasRunning, nodeID, err := s.Cancel(id)
	require.NoError(t, err)
	require.False(t, wasRunning)
	require.Empty(t, nodeID)
	require.Empty(t, s.PendingIDs())

	task, _ := s.Get(id)
	require.Equal(t, model.TaskCancelled, task.Status)
	require.Equal(t, model.ErrorKindCancelled, task.Result.ErrorKind)
}

func TestCancelRunningTaskReturnsNode(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())
	require.NoError(t, s.MarkDispatched(id, "node-a"))

	wasRunning, nodeID, err := s.Cancel(id)
	require.NoError(t, err)
	require.True(t, wasRunning)
	require.Equal(t, "node-a", nodeID)
}

func TestCancelTerminalTaskFails(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())
	require.NoError(t, s.MarkDispatched(id, "node-a"))
	_, err := s.MarkFinished(id, true, model.TaskResult{})
	require.NoError(t, err)

	_, _, err = s.Cancel(id)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCancelledTaskAcceptsMatchingFailureReport(t *testing.T) {
	// A worker reporting failure after an advisory cancel is treated as the
	// same outcome: acknowledged, but never applied a second time.
	s, _ := newTestStore(t)
	id, _ := s.Submit(validPayload())
	require.NoError(t, s.MarkDispatched(id, "node-a"))
	_, _, err := s.Cancel(id)
	require.NoError(t, err)

	applied, err := s.MarkFinished(id, false, model.TaskResult{Error: "aborted"})
	require.NoError(t, err)
	require.False(t, applied)

	_, err = s.MarkFinished(id, true, model.TaskResult{})
	require.ErrorIs(t, err, model.ErrConflictingOutcome)
}

func TestListFiltersByStatusInSubmissionOrder(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Submit(validPayload())
	b, _ := s.Submit(validPayload())
	c, _ := s.Submit(validPayload())

	require.NoError(t, s.MarkDispatched(b, "node-a"))

	all := s.List("")
	require.Len(t, all, 3)
	require.Equal(t, []string{a, b, c}, []string{all[0].ID, all[1].ID, all[2].ID})

	pending := s.List(model.TaskPending)
	require.Len(t, pending, 2)
	require.Equal(t, a, pending[0].ID)
	require.Equal(t, c, pending[1].ID)

	running := s.Running()
	require.Len(t, running, 1)
	require.Equal(t, b, running[0].ID)
}

func TestStatsBreakdown(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Submit(validPayload())
	b, _ := s.Submit(validPayload())
	s.Submit(validPayload()) // stays pending

	require.NoError(t, s.MarkDispatched(a, "node-a"))
	_, err := s.MarkFinished(a, true, model.TaskResult{})
	require.NoError(t, err)
	require.NoError(t, s.MarkDispatched(b, "node-a"))

	counts := s.Stats()
	require.Equal(t, model.TaskCounts{Total: 3, Pending: 1, Running: 1, Completed: 1}, counts)
}
