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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"continuumhub/src/logging"
	"continuumhub/src/model"
	"continuumhub/src/registry"
	"continuumhub/src/scheduler"
	"continuumhub/src/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	registry  *registry.Registry
	store     *store.Store
	scheduler *scheduler.Scheduler
	startTime time.Time
}

func newMux(srv *APIServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /nodes/register", srv.registerHandler)
	mux.HandleFunc("POST /nodes/heartbeat", srv.heartbeatHandler)
	mux.HandleFunc("GET /nodes", srv.listNodesHandler)
	mux.HandleFunc("GET /nodes/{id}", srv.getNodeHandler)
	mux.HandleFunc("POST /tasks", srv.submitTaskHandler)
	mux.HandleFunc("GET /tasks", srv.listTasksHandler)
	mux.HandleFunc("GET /tasks/{id}", srv.getTaskHandler)
	mux.HandleFunc("POST /tasks/{id}/report", srv.reportTaskHandler)
	mux.HandleFunc("DELETE /tasks/{id}", srv.cancelTaskHandler)
	mux.HandleFunc("GET /status", srv.statusHandler)
	return mux
}

// StartAPIServer starts the hub HTTP server with graceful shutdown and OTel
func StartAPIServer(ctx context.Context, port string, reg *registry.Registry, st *store.Store, sched *scheduler.Scheduler) error {
	srv := &APIServer{
		registry:  reg,
		store:     st,
		scheduler: sched,
		startTime: time.Now(),
	}

	otelHandler := otelhttp.NewHandler(newMux(srv), "hub-api-server")

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: otelHandler,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}

	return nil
}

func (s *APIServer) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	nodeID, err := s.registry.Register(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.RegisterResponse{NodeID: nodeID})
}

func (s *APIServer) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var req model.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.registry.Heartbeat(req.ID, req.CurrentLoad, req.ActiveTasks); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) listNodesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *APIServer) getNodeHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *APIServer) submitTaskHandler(w http.ResponseWriter, r *http.Request) {
	var payload model.TaskPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	taskID, err := s.store.Submit(payload)
	if err != nil {
		writeError(w, err)
		return
	}

	logging.Count("hub_tasks_submitted", 1)
	s.scheduler.Kick()
	writeJSON(w, http.StatusCreated, model.SubmitTaskResponse{TaskID: taskID, Status: model.TaskPending})
}

func (s *APIServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	status := model.TaskStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.store.List(status))
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// reportTaskHandler is the worker's completion/failure report. The report must
// come from the node the task was dispatched to.
func (s *APIServer) reportTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var report model.TaskReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task, err := s.store.Get(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.AssignedNode != report.NodeID {
		http.Error(w, "task not assigned to this node", http.StatusForbidden)
		return
	}

	applied, err := s.store.MarkFinished(taskID, report.Success, report.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	// A duplicate report is acknowledged but must not touch node accounting:
	// the slot was already freed and the outcome already counted.
	if applied {
		if err := s.registry.MarkTaskOutcome(report.NodeID, report.Success); err != nil {
			writeError(w, err)
			return
		}
		if report.Success {
			logging.Count("hub_tasks_completed", 1)
		} else {
			logging.Count("hub_tasks_failed", 1)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "task_id": taskID})
}

func (s *APIServer) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	wasRunning, nodeID, err := s.store.Cancel(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if wasRunning && nodeID != "" {
		// Advisory: free the slot, but the remote worker is not stopped.
		s.registry.ReleaseSlot(nodeID)
	}

	logging.Count("hub_tasks_cancelled", 1)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": taskID})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.SystemStats{
		Nodes:         s.registry.Stats(),
		Tasks:         s.store.Stats(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Version:       version,
		LastUpdated:   time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrTaskNotFound),
		errors.Is(err, model.ErrNodeNotFound),
		errors.Is(err, model.ErrUnknownNode):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrConflictingOutcome):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
