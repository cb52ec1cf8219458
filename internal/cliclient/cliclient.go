// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cliclient is a thin HTTP client over cerised's REST facade,
// shared by cerisectl's subcommands so none of them builds requests by
// hand.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arnikz/cerise/internal/jobstore"
)

// Client talks to one cerised instance's REST API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Client pointed at baseURL, e.g. "http://localhost:29593".
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors the {"error": "..."} body every non-2xx api response
// carries.
type apiError struct {
	Error string `json:"error"`
}

// Submit creates a job and returns its record.
func (c *Client) Submit(ctx context.Context, name, workflow, localInput string) (*jobstore.Job, error) {
	body, err := json.Marshal(map[string]string{
		"name":     name,
		"workflow": workflow,
		"input":    localInput,
	})
	if err != nil {
		return nil, err
	}
	var job jobstore.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", bytes.NewReader(body), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Get fetches one job by id.
func (c *Client) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	var job jobstore.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List enumerates jobs, optionally narrowed by state.
func (c *Client) List(ctx context.Context, state string) ([]*jobstore.Job, error) {
	path := "/jobs"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var jobs []*jobstore.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Cancel requests cancellation of a running job and returns its updated
// record.
func (c *Client) Cancel(ctx context.Context, id string) (*jobstore.Job, error) {
	var job jobstore.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Delete requests teardown of a job's remote and local state.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
