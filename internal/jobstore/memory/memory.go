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

// Package memory provides an in-memory Job Store for tests and ephemeral
// deployments. All access is guarded by one plain, non-re-entrant mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arnikz/cerise/internal/jobstore"
)

var _ jobstore.Store = (*Backend)(nil)

// Backend is an in-memory Job Store. mu is an ordinary mutex rather than a
// sync.RWMutex: try_transition and AppendLog both need read-then-write
// atomicity, and the workload is dominated by the runner loop's own
// sweeps rather than by read concurrency, so there is little to gain from
// a reader/writer split.
type Backend struct {
	mu   sync.Mutex
	jobs map[string]*jobstore.Job
}

// New creates an empty in-memory Job Store.
func New() *Backend {
	return &Backend{jobs: make(map[string]*jobstore.Job)}
}

// Close is a no-op; the store holds no external resources.
func (b *Backend) Close() error { return nil }

func clone(j *jobstore.Job) *jobstore.Job {
	cp := *j
	if j.WorkflowContent != nil {
		cp.WorkflowContent = append([]byte(nil), j.WorkflowContent...)
	}
	return &cp
}

// Create inserts a record with state Submitted.
func (b *Backend) Create(ctx context.Context, name, workflow, localInput string) (string, error) {
	id, err := jobstore.NewID()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[id] = &jobstore.Job{
		ID:         id,
		Name:       name,
		Workflow:   workflow,
		LocalInput: localInput,
		State:      jobstore.Submitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return id, nil
}

// Get looks up a job by id.
func (b *Backend) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, &jobstore.ErrNotFound{ID: id}
	}
	return clone(job), nil
}

// List enumerates present jobs, optionally narrowed by filter.
func (b *Backend) List(ctx context.Context, filter jobstore.Filter) ([]*jobstore.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := make([]*jobstore.Job, 0, len(b.jobs))
	for _, job := range b.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		jobs = append(jobs, clone(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// Delete removes a job record.
func (b *Backend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, id)
	return nil
}

// TryTransition is an atomic compare-and-swap on the state field.
func (b *Backend) TryTransition(ctx context.Context, id string, from, to jobstore.State) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return false, &jobstore.ErrNotFound{ID: id}
	}
	if job.State != from {
		return false, nil
	}
	job.State = to
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AppendLog appends a line to the job's log.
func (b *Backend) AppendLog(ctx context.Context, id string, line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	if job.Log != "" {
		job.Log += "\n"
	}
	job.Log += line
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetWorkflowContent writes the resolved workflow document body.
func (b *Backend) SetWorkflowContent(ctx context.Context, id string, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	job.WorkflowContent = append([]byte(nil), content...)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRemotePaths writes the five remote path fields set on entry to Staged.
func (b *Backend) SetRemotePaths(ctx context.Context, id string, workdir, workflow, input, stdout, stderr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	job.RemoteWorkdirPath = workdir
	job.RemoteWorkflowPath = workflow
	job.RemoteInputPath = input
	job.RemoteStdoutPath = stdout
	job.RemoteStderrPath = stderr
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRemoteJobID writes the scheduler handle, set exactly once on entry to Waiting.
func (b *Backend) SetRemoteJobID(ctx context.Context, id string, remoteJobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	job.RemoteJobID = remoteJobID
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRemoteOutput writes the raw JSON from the workflow runner.
func (b *Backend) SetRemoteOutput(ctx context.Context, id string, remoteOutput string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	job.RemoteOutput = remoteOutput
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetLocalOutput writes the published output description.
func (b *Backend) SetLocalOutput(ctx context.Context, id string, localOutput string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	job.LocalOutput = localOutput
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPleaseDelete marks a job for teardown once it reaches a terminal state.
func (b *Backend) SetPleaseDelete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	job.PleaseDelete = true
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// WithStore is the scoped acquisition point. It takes b.mu exactly once for
// the whole callback; tx's methods read and write b.jobs directly without
// locking. It is not re-entrant: calling WithStore or any Backend method
// from inside fn deadlocks, since every Backend method takes b.mu.
func (b *Backend) WithStore(ctx context.Context, fn func(tx jobstore.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(&tx{b: b})
}

type tx struct{ b *Backend }

func (t *tx) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	job, ok := t.b.jobs[id]
	if !ok {
		return nil, &jobstore.ErrNotFound{ID: id}
	}
	return clone(job), nil
}

func (t *tx) List(ctx context.Context, filter jobstore.Filter) ([]*jobstore.Job, error) {
	jobs := make([]*jobstore.Job, 0, len(t.b.jobs))
	for _, job := range t.b.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		jobs = append(jobs, clone(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (t *tx) TryTransition(ctx context.Context, id string, from, to jobstore.State) (bool, error) {
	job, ok := t.b.jobs[id]
	if !ok {
		return false, &jobstore.ErrNotFound{ID: id}
	}
	if job.State != from {
		return false, nil
	}
	job.State = to
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (t *tx) AppendLog(ctx context.Context, id string, line string) error {
	job, ok := t.b.jobs[id]
	if !ok {
		return &jobstore.ErrNotFound{ID: id}
	}
	if job.Log != "" {
		job.Log += "\n"
	}
	job.Log += line
	job.UpdatedAt = time.Now().UTC()
	return nil
}
