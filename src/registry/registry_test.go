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

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"continuumhub/src/model"
)

const testTimeout = 30 * time.Second

// newTestRegistry pins the clock so staleness is fully controlled by the test.
func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	r := New(5, testTimeout)
	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }
	return r, &current
}

func TestRegisterAssignsIDWhenMissing(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Register(model.RegisterRequest{Host: "edge-1", Port: 8001})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, "edge-1", snap.Host)
	require.Equal(t, model.NodeOnline, snap.Status)
}

func TestReRegisterPreservesCounters(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Register(model.RegisterRequest{ID: "node-a", Host: "old-host"})
	require.NoError(t, err)
	require.NoError(t, r.MarkTaskOutcome(id, true))
	require.NoError(t, r.MarkTaskOutcome(id, false))

	// Same identity comes back with new metadata.
	id2, err := r.Register(model.RegisterRequest{ID: "node-a", Host: "new-host", Port: 9000})
	require.NoError(t, err)
	require.Equal(t, id, id2)

	snap, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, "new-host", snap.Host)
	require.Equal(t, int64(1), snap.TasksCompleted)
	require.Equal(t, int64(1), snap.TasksFailed)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat("ghost", 0.5, 1)
	require.ErrorIs(t, err, model.ErrUnknownNode)
}

func TestHeartbeatClampsReportedValues(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register(model.RegisterRequest{ID: "node-a"})

	require.NoError(t, r.Heartbeat(id, 3.5, 99))

	snap, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, 1.0, snap.CurrentLoad)
	require.Equal(t, 5, snap.ActiveTasks) // default max
}

func TestNodeGoesOfflineAfterTimeoutAndComesBack(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, _ := r.Register(model.RegisterRequest{ID: "node-a"})

	// Just inside the window: still online, score degraded but nonzero.
	*clock = clock.Add(testTimeout - time.Second)
	snap, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, model.NodeOnline, snap.Status)
	require.Greater(t, snap.EffectiveScore, 0.0)

	// Past the window: derived status flips without waiting for the sweep.
	*clock = clock.Add(2 * time.Second)
	snap, err = r.Get(id)
	require.NoError(t, err)
	require.Equal(t, model.NodeOffline, snap.Status)
	require.Equal(t, 0.0, snap.EffectiveScore)

	// A heartbeat restores it.
	require.NoError(t, r.Heartbeat(id, 0.1, 0))
	snap, err = r.Get(id)
	require.NoError(t, err)
	require.Equal(t, model.NodeOnline, snap.Status)
	require.Greater(t, snap.EffectiveScore, 0.0)
}

func TestSweepOfflineFlipsOnlyStaleNodes(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Register(model.RegisterRequest{ID: "stale"})

	*clock = clock.Add(testTimeout + time.Second)
	r.Register(model.RegisterRequest{ID: "fresh"})

	flipped := r.SweepOffline()
	require.Equal(t, []string{"stale"}, flipped)

	// Second sweep is a no-op; already-offline nodes do not flip again.
	require.Empty(t, r.SweepOffline())

	stats := r.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Online)
	require.Equal(t, 1, stats.Offline)
}

func TestListIsSortedByID(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		r.Register(model.RegisterRequest{ID: id})
	}

	snaps := r.List()
	require.Len(t, snaps, 3)
	require.Equal(t, "alpha", snaps[0].ID)
	require.Equal(t, "bravo", snaps[1].ID)
	require.Equal(t, "charlie", snaps[2].ID)
}

func TestCapabilityOverridesMaxConcurrentTasks(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register(model.RegisterRequest{
		ID:           "gpu-1",
		Capabilities: model.NodeCapabilities{MaxConcurrentTasks: 2},
	})

	require.NoError(t, r.ReserveSlot(id))
	require.NoError(t, r.ReserveSlot(id))
	require.ErrorIs(t, r.ReserveSlot(id), model.ErrNodeAtCapacity)

	r.ReleaseSlot(id)
	require.NoError(t, r.ReserveSlot(id))
}

func TestConcurrentReservationsNeverExceedCapacity(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register(model.RegisterRequest{ID: "node-a"}) // default max 5

	var wg sync.WaitGroup
	granted := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.ReserveSlot(id); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	require.Equal(t, 5, len(granted))
	snap, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, 5, snap.ActiveTasks)
}

func TestMarkTaskOutcomeFreesSlotAndCounts(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register(model.RegisterRequest{ID: "node-a"})

	require.NoError(t, r.ReserveSlot(id))
	require.NoError(t, r.MarkTaskOutcome(id, true))

	snap, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, 0, snap.ActiveTasks)
	require.Equal(t, int64(1), snap.TasksCompleted)

	// Outcomes drive the health score down for failures.
	before := snap.HealthScore
	require.NoError(t, r.MarkTaskOutcome(id, false))
	snap, _ = r.Get(id)
	require.Less(t, snap.HealthScore, before)
}

func TestGetUnknownNode(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get("missing")
	require.ErrorIs(t, err, model.ErrNodeNotFound)
}
