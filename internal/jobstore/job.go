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

// Package jobstore provides transactional persistence of job records and
// their state field: compare-and-swap state transitions, enumeration and
// lookup, and the scoped acquisition that every other component uses to
// read or mutate a job.
//
// # Interface Hierarchy
//
// Store is the single interface every backend implements in full; unlike
// the segregated RunStore/RunLister split this package is grounded on,
// there is no minimal subset a job-lifecycle backend can get away with
// implementing, because try_transition is load-bearing for every stage of
// the pipeline.
package jobstore

import (
	"context"
	"fmt"
	"io"
	"time"
)

// State is one of the enumerated job lifecycle states.
type State string

const (
	Submitted        State = "Submitted"
	Resolved         State = "Resolved"
	Staged           State = "Staged"
	Waiting          State = "Waiting"
	Running          State = "Running"
	Finished         State = "Finished"
	Destaged         State = "Destaged"
	Success          State = "Success"
	PermanentFailure State = "PermanentFailure"
	SystemError      State = "SystemError"
	Cancelled        State = "Cancelled"
	WaitingCR        State = "Waiting_CR"
	RunningCR        State = "Running_CR"
)

// Terminal reports whether state is one from which the execution manager
// no longer invokes a pipeline stage.
func (s State) Terminal() bool {
	switch s {
	case Success, PermanentFailure, SystemError, Cancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a cancellation request may be applied from
// this state. Waiting and Running shift into their _CR shadow state; the
// other cancellable states have no shadow and go straight to Cancelled.
func (s State) Cancellable() bool {
	switch s {
	case Submitted, Resolved, Staged, Waiting, Running:
		return true
	default:
		return false
	}
}

// shadowOf maps a cancellable state to its cancellation-in-progress shadow,
// or returns ok=false if the state has none (pre-submission states are
// cancelled directly rather than shadowed, since no remote job id exists
// yet to reconcile against).
func shadowOf(s State) (State, bool) {
	switch s {
	case Waiting:
		return WaitingCR, true
	case Running:
		return RunningCR, true
	default:
		return "", false
	}
}

// FileDescriptor describes a single file referenced by a workflow's input
// or output bindings: the CWL binding name, its basename on disk, and
// (where already resolved) its content or remote/external location.
type FileDescriptor struct {
	Binding  string `json:"binding"`
	Basename string `json:"basename"`
	Location string `json:"location,omitempty"`
	Bytes    []byte `json:"-"`
}

// Job is a record with the fields and invariants of the job lifecycle
// engine's central data type. Every field beyond ID, Name, Workflow and
// LocalInput is owned by exactly one manager component and set at a
// specific, single point in the state machine; see the field comments.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Workflow is the CWL document location as submitted: a file://,
	// http(s):// or API-relative reference. Immutable after creation.
	Workflow string `json:"workflow"`

	// LocalInput is the JSON document describing inputs, as submitted.
	// Immutable after creation.
	LocalInput string `json:"local_input"`

	State        State `json:"state"`
	PleaseDelete bool  `json:"please_delete"`

	// Log accumulates human-readable progress and diagnostic lines.
	// Mutated only through Store.AppendLog, never assigned directly.
	Log string `json:"log"`

	// WorkflowContent holds the resolved CWL document body. Set exactly
	// once, on entry to Resolved, by the local file manager.
	WorkflowContent []byte `json:"workflow_content,omitempty"`

	// Remote paths. Set on entry to Staged by the remote file manager;
	// stable thereafter.
	RemoteWorkdirPath  string `json:"remote_workdir_path,omitempty"`
	RemoteWorkflowPath string `json:"remote_workflow_path,omitempty"`
	RemoteInputPath    string `json:"remote_input_path,omitempty"`
	RemoteStdoutPath   string `json:"remote_stdout_path,omitempty"`
	RemoteStderrPath   string `json:"remote_stderr_path,omitempty"`

	// RemoteJobID is the scheduler's own job handle. Set exactly once,
	// on entry to Waiting, by the remote job runner.
	RemoteJobID string `json:"remote_job_id,omitempty"`

	// RemoteOutput is the raw JSON emitted by the workflow runner on the
	// remote side. Set on entry to Finished by the runner's update step.
	RemoteOutput string `json:"remote_output,omitempty"`

	// LocalOutput describes published output files. Set on entry to
	// Success or PermanentFailure when outputs exist; a nil PublishJobOutput
	// call never clears a value already present here.
	LocalOutput string `json:"local_output,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows a List call. An empty Filter returns every non-deleted job.
type Filter struct {
	State State
}

// Tx is the handle passed to a WithStore callback: the same read/write
// surface as Store, minus WithStore itself, so callbacks cannot recursively
// acquire a second scope by accident.
type Tx interface {
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) ([]*Job, error)
	TryTransition(ctx context.Context, id string, from, to State) (bool, error)
	AppendLog(ctx context.Context, id string, line string) error
}

// Store is the Job Store: transactional persistence of job records and
// their state field. try_transition is the only way state moves; outside
// callers never assign State directly.
type Store interface {
	// Create inserts a record with state Submitted and returns its id, a
	// globally unique token.
	Create(ctx context.Context, name, workflow, localInput string) (string, error)

	// List enumerates all present (non-deleted) records, optionally
	// narrowed by filter.
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// Get looks up a job by id. Returns ErrNotFound if absent or deleted.
	Get(ctx context.Context, id string) (*Job, error)

	// Delete removes a job record. Callers must have already torn down
	// remote state; Delete itself only removes the row.
	Delete(ctx context.Context, id string) error

	// WithStore is the scoped acquisition point: any read of a field used
	// to dispatch further work must occur under the same scope as the
	// decision it feeds. It is not re-entrant: calling WithStore again from
	// inside fn blocks forever, and on the memory backend so does calling
	// any other Store method; fn works through tx instead.
	WithStore(ctx context.Context, fn func(tx Tx) error) error

	// TryTransition is an atomic compare-and-swap on the state field:
	// succeeds only if the current state equals from. Returns whether a
	// row changed.
	TryTransition(ctx context.Context, id string, from, to State) (bool, error)

	// AppendLog atomically appends a line to the job's log, so concurrent
	// appends never lose a line. The only mutator of Log.
	AppendLog(ctx context.Context, id string, line string) error

	// SetWorkflowContent, SetRemotePaths, SetRemoteJobID, SetRemoteOutput
	// and SetLocalOutput each write the single field they name, once,
	// matching the ownership column of the data model: every call besides
	// try_transition that mutates a Job beyond its log goes through one of
	// these rather than a general-purpose Update.
	SetWorkflowContent(ctx context.Context, id string, content []byte) error
	SetRemotePaths(ctx context.Context, id string, workdir, workflow, input, stdout, stderr string) error
	SetRemoteJobID(ctx context.Context, id string, remoteJobID string) error
	SetRemoteOutput(ctx context.Context, id string, remoteOutput string) error
	SetLocalOutput(ctx context.Context, id string, localOutput string) error
	SetPleaseDelete(ctx context.Context, id string) error

	io.Closer
}

// ErrNotFound is returned by Get and Delete when no job with the given id
// is present.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("job not found: %s", e.ID)
}

// CancelRequest applies a cancellation: Cancellable states shift into their
// _CR shadow, letting the runner loop race completion against cancellation
// confirmation; states with no shadow (not yet submitted to a scheduler)
// go straight to Cancelled. Returns false if the job's current state is
// already terminal and cancellation is a no-op.
func CancelRequest(ctx context.Context, store Store, id string) (bool, error) {
	job, err := store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.State.Terminal() {
		return false, nil
	}
	if shadow, ok := shadowOf(job.State); ok {
		ok, err := store.TryTransition(ctx, id, job.State, shadow)
		return ok, err
	}
	ok, err := store.TryTransition(ctx, id, job.State, Cancelled)
	return ok, err
}
