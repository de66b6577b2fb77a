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

import "time"

// Request/response shapes shared between the hub API and the agent.

type RegisterRequest struct {
	ID           string           `json:"id,omitempty"`
	Host         string           `json:"host,omitempty"`
	Port         int              `json:"port,omitempty"`
	Version      string           `json:"version,omitempty"`
	Capabilities NodeCapabilities `json:"capabilities"`
}

type RegisterResponse struct {
	NodeID string `json:"node_id"`
}

type HeartbeatRequest struct {
	ID          string  `json:"id"`
	CurrentLoad float64 `json:"current_load"`
	ActiveTasks int     `json:"active_tasks"`
}

type SubmitTaskResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// TaskReport is the worker's completion/failure report for a dispatched task.
type TaskReport struct {
	NodeID  string     `json:"node_id"`
	Success bool       `json:"success"`
	Result  TaskResult `json:"result"`
}

// DispatchRequest is what the hub POSTs to an agent's /execute endpoint.
type DispatchRequest struct {
	Task Task `json:"task"`
}

type SystemStats struct {
	Nodes         NodeCounts `json:"nodes"`
	Tasks         TaskCounts `json:"tasks"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Version       string     `json:"version"`
	LastUpdated   time.Time  `json:"last_updated"`
}
