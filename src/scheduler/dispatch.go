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

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"continuumhub/src/model"
)

// HTTPDispatcher notifies a worker of its assignment by POSTing the task to
// the agent's /execute endpoint. The agent acknowledges with 202 and reports
// the outcome later through the hub API.
type HTTPDispatcher struct {
	client *http.Client
}

func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, node model.NodeSnapshot, task model.Task) error {
	if node.Host == "" || node.Port == 0 {
		return fmt.Errorf("node %s registered without a reachable address", node.ID)
	}

	body, err := json.Marshal(model.DispatchRequest{Task: task})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/execute", node.Host, node.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}
