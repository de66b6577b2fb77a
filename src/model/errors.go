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
	"errors"
	"fmt"
)

var (
	// ErrUnknownNode: a heartbeat or outcome report named a node id that was
	// never registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNodeNotFound / ErrTaskNotFound: query miss.
	ErrNodeNotFound = errors.New("node not found")
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition: task transitions are forward-only,
	// pending -> running -> {completed, failed, cancelled}.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflictingOutcome: a terminal task was reported again with a
	// different outcome. Reporting the same outcome twice is a no-op.
	ErrConflictingOutcome = errors.New("conflicting terminal outcome")

	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrNodeAtCapacity: slot reservation raced another dispatch and lost.
	ErrNodeAtCapacity = errors.New("node at capacity")
)

// DispatchError marks a dispatch notification failure as retryable: the task
// went back to pending and the node's reserved slot was released.
type DispatchError struct {
	NodeID string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to node %s failed: %v", e.NodeID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
