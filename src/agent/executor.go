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
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"continuumhub/src/logging"
	"continuumhub/src/model"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// executor runs task payloads inside a persistent model container. The
// container holds the loaded model between tasks; each task is one exec with
// the payload copied in as /payload.json. What the runner command does with
// the payload is the model image's business.
type executor struct {
	cli         *client.Client
	image       string
	runnerCmd   string
	memoryMB    int64
	cpuLimit    float64
	taskTimeout time.Duration

	mu          sync.Mutex
	containerID string
	lastUsedAt  time.Time
}

func newExecutorFromEnv(cli *client.Client) *executor {
	memoryMB, _ := strconv.ParseInt(getEnv("CONTAINER_MEMORY_MB", "4096"), 10, 64)
	cpuLimit, _ := strconv.ParseFloat(getEnv("CONTAINER_CPU_LIMIT", "2.0"), 64)
	timeoutSec, _ := strconv.Atoi(getEnv("TASK_TIMEOUT_SECONDS", "300"))

	return &executor{
		cli:         cli,
		image:       getEnv("CONTAINER_IMAGE", "python:3.9-slim"),
		runnerCmd:   getEnv("MODEL_RUNNER_COMMAND", "python /opt/continuum/infer.py /payload.json"),
		memoryMB:    memoryMB,
		cpuLimit:    cpuLimit,
		taskTimeout: time.Duration(timeoutSec) * time.Second,
	}
}

func (e *executor) getOrCreateContainer(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.containerID != "" {
		inspect, err := e.cli.ContainerInspect(ctx, e.containerID)
		if err == nil && inspect.State.Running {
			e.lastUsedAt = time.Now()
			return e.containerID, nil
		}
		e.containerID = ""
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: e.image,
		Cmd:   []string{"sleep", "infinity"}, // Keep it alive between tasks
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   e.memoryMB * 1024 * 1024,
			NanoCPUs: int64(e.cpuLimit * math.Pow10(9)),
		},
	}, nil, nil, "")
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create container: %v", err), slog.LevelError)
		return "", err
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		logging.Log(fmt.Sprintf("failed to start container: %v", err), slog.LevelError)
		return "", err
	}

	e.containerID = resp.ID
	e.lastUsedAt = time.Now()
	logging.Log(fmt.Sprintf("New model container created: %s", e.containerID[:12]), slog.LevelInfo)
	return e.containerID, nil
}

// Run executes one payload and returns the runner's stdout as the result.
func (e *executor) Run(ctx context.Context, payload model.TaskPayload) (model.TaskResult, error) {
	containerID, err := e.getOrCreateContainer(ctx)
	if err != nil {
		return model.TaskResult{}, err
	}

	// Ship the payload into the container as /payload.json
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	data, err := payloadDocument(payload)
	if err != nil {
		return model.TaskResult{}, err
	}
	if err := tw.WriteHeader(&tar.Header{Name: "payload.json", Mode: 0644, Size: int64(len(data))}); err != nil {
		return model.TaskResult{}, err
	}
	if _, err := tw.Write(data); err != nil {
		return model.TaskResult{}, err
	}
	if err := tw.Close(); err != nil {
		return model.TaskResult{}, err
	}

	if err := e.cli.CopyToContainer(ctx, containerID, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		logging.Log(fmt.Sprintf("failed to copy payload to container: %v", err), slog.LevelError)
		return model.TaskResult{}, err
	}

	execCreate, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", e.runnerCmd},
	})
	if err != nil {
		return model.TaskResult{}, err
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execCreate.ID, container.ExecStartOptions{})
	if err != nil {
		return model.TaskResult{}, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return model.TaskResult{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return model.TaskResult{}, err
		}
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return model.TaskResult{}, err
	}
	if inspect.ExitCode != 0 {
		return model.TaskResult{Output: stdout.String()},
			fmt.Errorf("runner exited with code %d: %s", inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}

	e.mu.Lock()
	e.lastUsedAt = time.Now()
	e.mu.Unlock()

	return model.TaskResult{Output: stdout.String()}, nil
}

// runReaper removes the model container once it has been idle long enough.
func (e *executor) runReaper(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.containerID != "" && time.Since(e.lastUsedAt) > timeout {
				id := e.containerID
				e.containerID = ""
				e.mu.Unlock()

				logging.Log(fmt.Sprintf("Idle timeout reached for container %s. Removing...", id[:12]), slog.LevelInfo)
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				e.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true})
				cancel()
			} else {
				e.mu.Unlock()
			}
		}
	}
}

func (e *executor) cleanup(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.containerID != "" {
		logging.Log(fmt.Sprintf("Cleaning up model container %s...", e.containerID[:12]), slog.LevelInfo)
		e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true})
		e.containerID = ""
	}
}

// payloadDocument renders the payload the runner reads. Input passes through
// untouched (TaskPayload.Input is a json.RawMessage).
func payloadDocument(p model.TaskPayload) ([]byte, error) {
	return json.Marshal(p)
}
