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

package model

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Error kinds recorded in TaskResult.ErrorKind so clients can tell a hub-side
// timeout apart from a failure the worker actually reported.
const (
	ErrorKindWorker    = "worker"
	ErrorKindTimeout   = "timeout"
	ErrorKindCancelled = "cancelled"
)

// TaskPayload is the opaque job specification. The hub validates its shape and
// passes it through; only the worker interprets Input.
type TaskPayload struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type TaskResult struct {
	Output          string  `json:"output,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	TokensGenerated int     `json:"tokens_generated,omitempty"`
	ProcessingSec   float64 `json:"processing_seconds,omitempty"`
	ModelUsed       string  `json:"model_used,omitempty"`
}

type Task struct {
	ID           string      `json:"id"`
	Status       TaskStatus  `json:"status"`
	Payload      TaskPayload `json:"payload"`
	Result       *TaskResult `json:"result,omitempty"`
	AssignedNode string      `json:"assigned_node,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	DispatchedAt *time.Time  `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// TaskCounts is the per-status breakdown exposed on /status.
type TaskCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
