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
	"context"
	"fmt"
	"log/slog"
	"time"

	"continuumhub/src/logging"
)

// RunMonitor is the heartbeat monitor loop: a fixed tick that demotes silent
// nodes to offline. It never blocks on the scheduler and never touches health
// scores directly. Runs until ctx is cancelled.
func (r *Registry) RunMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Log(fmt.Sprintf("Heartbeat monitor started (tick %s, timeout %s)", interval, r.heartbeatTimeout), slog.LevelInfo)

	for {
		select {
		case <-ctx.Done():
			logging.Log("Heartbeat monitor stopped", slog.LevelInfo)
			return
		case <-ticker.C:
			for _, id := range r.SweepOffline() {
				logging.Log(fmt.Sprintf("Node %s marked offline (heartbeat timeout)", id), slog.LevelWarn)
				logging.Count("hub_nodes_marked_offline", 1)
			}
		}
	}
}
