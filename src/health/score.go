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

// Package health derives the 0-100 fitness score of a node from its reported
// load, task outcome history, and heartbeat recency. The score is a pure
// function of a snapshot so it can be recomputed on any read without touching
// node state.
package health

import "time"

const (
	// Weights: a fully loaded node loses up to 40 points, a node that fails
	// every task loses up to 30. Staleness is a multiplier rather than a
	// deduction so that a node one missed beat away from the offline cutoff
	// scores near zero no matter how clean its history is.
	maxLoadPenalty    = 40.0
	maxFailurePenalty = 30.0
)

// ScoreInput is the snapshot the scorer operates on.
type ScoreInput struct {
	Load             float64
	TasksCompleted   int64
	TasksFailed      int64
	SinceHeartbeat   time.Duration
	HeartbeatTimeout time.Duration
	Online           bool
}

// Score computes the intrinsic health score, clamped to [0,100]. A node with
// no task history takes no failure penalty, so a fresh idle node scores 100.
func Score(in ScoreInput) float64 {
	load := clamp(in.Load, 0, 1)

	failureRate := 0.0
	if total := in.TasksCompleted + in.TasksFailed; total > 0 {
		failureRate = float64(in.TasksFailed) / float64(total)
	}

	base := 100 - maxLoadPenalty*load - maxFailurePenalty*failureRate
	return clamp(base*freshness(in.SinceHeartbeat, in.HeartbeatTimeout), 0, 100)
}

// Effective is the score scheduling decisions use: zero while the node is
// offline, the intrinsic score otherwise. The registry exposes both.
func Effective(in ScoreInput) float64 {
	if !in.Online {
		return 0
	}
	return Score(in)
}

// freshness grades heartbeat staleness on a quadratic curve: negligible for a
// recent beat, falling to 0 as the gap approaches the offline timeout.
func freshness(since, timeout time.Duration) float64 {
	if timeout <= 0 || since <= 0 {
		return 1
	}
	ratio := float64(since) / float64(timeout)
	return clamp(1-ratio*ratio, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
