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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"continuumhub/src/config"
	"continuumhub/src/logging"
	"continuumhub/src/scheduler"
	"continuumhub/src/store"

	"continuumhub/src/registry"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup OpenTelemetry
	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	// Setup Hub Metrics
	logging.InitializeFloatCounter("hub_tasks_submitted", "Total number of tasks submitted to the hub", "Task")
	logging.InitializeFloatCounter("hub_tasks_dispatched", "Number of tasks dispatched to workers", "Task")
	logging.InitializeFloatCounter("hub_tasks_completed", "Number of tasks workers completed", "Task")
	logging.InitializeFloatCounter("hub_tasks_failed", "Number of tasks workers failed", "Task")
	logging.InitializeFloatCounter("hub_tasks_timed_out", "Number of running tasks expired by the timeout sweep", "Task")
	logging.InitializeFloatCounter("hub_tasks_cancelled", "Number of tasks cancelled by clients", "Task")
	logging.InitializeFloatCounter("hub_dispatch_failures", "Number of transient dispatch failures", "Task")
	logging.InitializeFloatCounter("hub_nodes_marked_offline", "Number of heartbeat-timeout demotions", "Node")
	logging.InitializeFloatCounter("hub_archive_failures", "Number of task archive write failures", "Task")

	reg := registry.New(cfg.MaxConcurrentTasks, cfg.HeartbeatTimeout)
	st := store.New(cfg.TaskTimeout)

	// Optional Postgres archive for terminal tasks
	if dsn := cfg.ArchiveDSN(); dsn != "" {
		archive, err := store.OpenArchive(dsn)
		if err != nil {
			logging.Log(fmt.Sprintf("Task archive unavailable, continuing memory-only: %v", err), slog.LevelWarn)
		} else {
			defer archive.Close()
			st.SetArchive(archive)
			fmt.Println("Task archive connected.")
		}
	}

	sched := scheduler.New(reg, st, scheduler.NewHTTPDispatcher(cfg.DispatchTimeout), scheduler.Config{
		Interval:       cfg.SchedulerInterval,
		ExpiryInterval: cfg.ExpiryInterval,
		MinHealthScore: cfg.MinHealthScore,
	})

	// Background loops: liveness sweep, scheduling, task expiry
	go reg.RunMonitor(ctx, cfg.HeartbeatInterval)
	go sched.Run(ctx)
	go sched.RunExpiry(ctx)

	logging.Log(fmt.Sprintf("Hub %s starting on %s:%s", version, cfg.HubHost, cfg.HubPort), slog.LevelInfo)

	if err := StartAPIServer(ctx, cfg.HubPort, reg, st, sched); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
