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

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"continuumhub/src/model"
)

// Archive writes terminal task records to Postgres for offline retention and
// audit. The in-memory store stays authoritative; how long archived rows are
// kept is up to the database owner.
type Archive struct {
	db *sql.DB
}

const archiveSchema = `
	CREATE TABLE IF NOT EXISTS TASK_ARCHIVE (
		id            TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		model         TEXT NOT NULL,
		assigned_node TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		dispatched_at TIMESTAMPTZ,
		finished_at   TIMESTAMPTZ,
		payload       JSONB NOT NULL,
		result        JSONB
	)`

// OpenArchive connects and makes sure the archive table exists.
func OpenArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Record upserts one terminal task and notifies listeners. A cancelled task
// raced by the expiry sweep can be recorded twice; the later write wins.
func (a *Archive) Record(t model.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	var result []byte
	if t.Result != nil {
		if result, err = json.Marshal(t.Result); err != nil {
			return err
		}
	}

	_, err = a.db.Exec(`
		INSERT INTO TASK_ARCHIVE (id, status, model, assigned_node, created_at, dispatched_at, finished_at, payload, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, finished_at = EXCLUDED.finished_at, result = EXCLUDED.result`,
		t.ID, t.Status, t.Payload.Model, nullable(t.AssignedNode),
		t.CreatedAt, t.DispatchedAt, t.FinishedAt, payload, result)
	if err != nil {
		return err
	}

	_, err = a.db.Exec(`SELECT pg_notify('tasks_archived', $1)`, t.ID)
	return err
}

func (a *Archive) Close() error { return a.db.Close() }

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
