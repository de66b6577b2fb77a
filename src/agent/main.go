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

// The agent is the worker-side binary: it registers with the hub, heartbeats
// its load, accepts dispatched tasks on /execute, runs them in the model
// container, and reports the outcome back to the hub.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"continuumhub/src/logging"
	"continuumhub/src/model"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type agent struct {
	hubURL   string
	nodeID   string
	host     string
	port     int
	maxTasks int

	active   atomic.Int64
	executor *executor
	client   *http.Client
}

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	var (
		hubURL       = getEnv("HUB_URL", "http://localhost:8000")
		agentID      = os.Getenv("AGENT_ID")
		agentHost    = getEnv("AGENT_HOST", "localhost")
		agentPort, _ = strconv.Atoi(getEnv("AGENT_PORT", "8001"))
		maxTasks, _  = strconv.Atoi(getEnv("MAX_CONCURRENT_TASKS", "5"))
		hbSeconds, _ = strconv.Atoi(getEnv("HEARTBEAT_INTERVAL_SECONDS", "10"))
	)
	if agentID == "" {
		agentID = uuid.New().String()
	}
	fmt.Printf("Starting agent with ID: %s\n", agentID)

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

	// Initialize Docker Client
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		panic(fmt.Sprintf("failed to create docker client: %v", err))
	}
	defer cli.Close()

	exec := newExecutorFromEnv(cli)

	// Pre-pull the model image so the first dispatch does not pay for it
	fmt.Printf("Ensuring image %s is available...\n", exec.image)
	reader, err := cli.ImagePull(ctx, exec.image, image.PullOptions{})
	if err != nil {
		fmt.Printf("Warning: failed to pull image: %v. Execution might fail if image is not present locally.\n", err)
	} else {
		io.Copy(io.Discard, reader)
		reader.Close()
		fmt.Println("Model image is ready.")
	}

	a := &agent{
		hubURL:   hubURL,
		nodeID:   agentID,
		host:     agentHost,
		port:     agentPort,
		maxTasks: maxTasks,
		executor: exec,
		client:   &http.Client{Timeout: 10 * time.Second},
	}

	// Register, retrying until the hub is reachable
	for {
		if err := a.register(ctx); err == nil {
			break
		} else {
			logging.Log(fmt.Sprintf("Registration failed, retrying: %v", err), slog.LevelWarn)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
	logging.Log(fmt.Sprintf("Registered with hub as node %s", a.nodeID), slog.LevelInfo)

	go a.heartbeatLoop(ctx, time.Duration(hbSeconds)*time.Second)

	idleTimeout, err := time.ParseDuration(getEnv("CONTAINER_IDLE_TIMEOUT", "5m"))
	if err != nil {
		idleTimeout = 5 * time.Minute
	}
	go exec.runReaper(ctx, idleTimeout)

	if err := a.serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent server error: %v\n", err)
	}
	exec.cleanup(context.Background())
}

func (a *agent) register(ctx context.Context) error {
	req := model.RegisterRequest{
		ID:      a.nodeID,
		Host:    a.host,
		Port:    a.port,
		Version: "1.0.0",
		Capabilities: model.NodeCapabilities{
			MaxConcurrentTasks: a.maxTasks,
			SupportedModels:    splitModels(os.Getenv("SUPPORTED_MODELS")),
		},
	}

	var resp model.RegisterResponse
	if err := a.post(ctx, a.hubURL+"/nodes/register", req, &resp); err != nil {
		return err
	}
	if resp.NodeID != "" {
		a.nodeID = resp.NodeID
	}
	return nil
}

func (a *agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := int(a.active.Load())
			hb := model.HeartbeatRequest{
				ID:          a.nodeID,
				CurrentLoad: float64(active) / float64(a.maxTasks),
				ActiveTasks: active,
			}
			if err := a.post(ctx, a.hubURL+"/nodes/heartbeat", hb, nil); err != nil {
				logging.Log(fmt.Sprintf("Heartbeat failed: %v", err), slog.LevelWarn)
			}
		}
	}
}

func (a *agent) serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", a.executeHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: otelhttp.NewHandler(mux, "agent-server"),
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("Agent listening on :%d\n", a.port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// executeHandler accepts a dispatch, acknowledges immediately, and runs the
// task in the background. The hub already reserved a slot; the capacity check
// here only guards against a hub/agent disagreement.
func (a *agent) executeHandler(w http.ResponseWriter, r *http.Request) {
	var req model.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if int(a.active.Load()) >= a.maxTasks {
		http.Error(w, "agent at capacity", http.StatusTooManyRequests)
		return
	}

	a.active.Add(1)
	go a.runTask(req.Task)
	w.WriteHeader(http.StatusAccepted)
}

func (a *agent) runTask(task model.Task) {
	defer a.active.Add(-1)

	logging.Log(fmt.Sprintf("Executing task %s (model %s)", task.ID, task.Payload.Model), slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), a.executor.taskTimeout)
	defer cancel()

	start := time.Now()
	result, err := a.executor.Run(ctx, task.Payload)
	result.ProcessingSec = time.Since(start).Seconds()
	result.ModelUsed = task.Payload.Model

	report := model.TaskReport{NodeID: a.nodeID, Success: err == nil, Result: result}
	if err != nil {
		report.Result.Error = err.Error()
		report.Result.ErrorKind = model.ErrorKindWorker
		logging.Log(fmt.Sprintf("Task %s failed: %v", task.ID, err), slog.LevelError)
	}

	reportCtx, cancelReport := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelReport()
	url := fmt.Sprintf("%s/tasks/%s/report", a.hubURL, task.ID)
	if err := a.post(reportCtx, url, report, nil); err != nil {
		logging.Log(fmt.Sprintf("Failed to report task %s: %v", task.ID, err), slog.LevelError)
	}
}

func (a *agent) post(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitModels(s string) []string {
	if s == "" {
		return nil
	}
	var models []string
	for _, m := range bytes.Split([]byte(s), []byte(",")) {
		if trimmed := bytes.TrimSpace(m); len(trimmed) > 0 {
			models = append(models, string(trimmed))
		}
	}
	return models
}
