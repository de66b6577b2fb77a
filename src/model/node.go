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

type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// NodeCapabilities is what a worker declares about itself at registration.
// MaxConcurrentTasks of 0 means "use the hub default".
type NodeCapabilities struct {
	GPUCount           int      `json:"gpu_count,omitempty"`
	GPUMemoryMB        int      `json:"gpu_memory,omitempty"`
	CPUCores           int      `json:"cpu_cores,omitempty"`
	MemoryMB           int      `json:"memory,omitempty"`
	SupportedModels    []string `json:"supported_models,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
}

type Node struct {
	ID             string           `json:"id"`
	Host           string           `json:"host,omitempty"`
	Port           int              `json:"port,omitempty"`
	Version        string           `json:"version,omitempty"`
	Capabilities   NodeCapabilities `json:"capabilities"`
	Status         NodeStatus       `json:"status"`
	RegisteredAt   time.Time        `json:"registered_at"`
	LastHeartbeat  time.Time        `json:"last_heartbeat"`
	CurrentLoad    float64          `json:"current_load"`
	ActiveTasks    int              `json:"active_tasks"`
	TasksCompleted int64            `json:"tasks_completed"`
	TasksFailed    int64            `json:"tasks_failed"`
}

// NodeSnapshot is the read view of a node: the stored record plus the fields
// that are derived at read time. HealthScore is the intrinsic formula output;
// EffectiveScore is what scheduling uses and is 0 while the node is offline.
type NodeSnapshot struct {
	Node
	MaxConcurrentTasks    int     `json:"max_concurrent_tasks"`
	HealthScore           float64 `json:"health_score"`
	EffectiveScore        float64 `json:"effective_score"`
	SecondsSinceHeartbeat float64 `json:"seconds_since_heartbeat"`
}

type NodeCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}
