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

// Package runner is the Remote Job Runner: it starts a staged job's CWL
// runner process on the configured compute resource, polls it for
// completion, and handles cancellation, through a pluggable
// scheduler.Scheduler.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/arnikz/cerise/internal/jobstore"
	"github.com/arnikz/cerise/internal/runner/scheduler"
	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// Config configures the Remote Job Runner.
type Config struct {
	// RemoteCWLRunner is the path to the CWL runner executable on the
	// compute resource, with $CERISE_USERNAME and $CERISE_API_FILES
	// already substituted.
	RemoteCWLRunner string
	QueueName       string
	SlotsPerNode    int
	MaxRuntime      time.Duration

	// StatusPollsPerSecond caps how often UpdateJob is allowed to issue
	// a scheduler status call, across all jobs sharing this Runner. A
	// sweep that touches dozens of Waiting/Running jobs at once would
	// otherwise fire one squeue/qstat-equivalent call per job; zero
	// disables the limiter.
	StatusPollsPerSecond float64
}

// DefaultRemoteCWLRunner is substituted for $CERISE_API_FILES before use.
const DefaultRemoteCWLRunner = "$CERISE_API_FILES/cerise/cwltiny.py"

// ExitFailureLogMarker prefixes the log line UpdateJob appends when the
// remote CWL runner process exits non-zero. The execution manager
// greps for this marker on a Finished job to decide whether it
// completed a workflow runtime error, since the job record itself has
// no dedicated exit-code field.
const ExitFailureLogMarker = "remote job exited with status"

// ResolveRemoteCWLRunner expands $CERISE_USERNAME and $CERISE_API_FILES
// in a configured cwl-runner path. username may be empty, in which case
// the $CERISE_USERNAME placeholder is left untouched, matching the
// original behaviour of skipping that substitution for local/anonymous
// connections.
func ResolveRemoteCWLRunner(path, username, apiFilesPath string) string {
	if username != "" {
		path = strings.ReplaceAll(path, "$CERISE_USERNAME", username)
	}
	return strings.ReplaceAll(path, "$CERISE_API_FILES", apiFilesPath)
}

// Runner is the Remote Job Runner.
type Runner struct {
	store   jobstore.Store
	sched   scheduler.Scheduler
	cfg     Config
	statusL *rate.Limiter
}

// New constructs a Runner bound to one scheduler. A deployment with
// multiple compute resources runs one Runner per resource.
func New(store jobstore.Store, sched scheduler.Scheduler, cfg Config) *Runner {
	r := &Runner{store: store, sched: sched, cfg: cfg}
	if cfg.StatusPollsPerSecond > 0 {
		r.statusL = rate.NewLimiter(rate.Limit(cfg.StatusPollsPerSecond), 1)
	}
	return r
}

// StartJob submits a staged job's CWL runner invocation to the compute
// resource and records the resulting scheduler handle as RemoteJobID.
//
// Submission is never performed inside a WithStore scope: a scheduler
// round trip can block for as long as the remote end takes to accept a
// job, and holding the store's scoped acquisition for that long would
// stall every other job's store access behind it. The discipline
// instead is read, release, submit, then a separate acquisition to
// record the result — matching the same "acquire, decide, release; do
// work; acquire, commit" shape UpdateJob follows.
func (r *Runner) StartJob(ctx context.Context, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	spec := scheduler.SubmitSpec{
		WorkingDir:   job.RemoteWorkdirPath,
		Executable:   r.cfg.RemoteCWLRunner,
		Args:         []string{job.RemoteWorkflowPath, job.RemoteInputPath},
		StdoutPath:   job.RemoteStdoutPath,
		StderrPath:   job.RemoteStderrPath,
		QueueName:    r.cfg.QueueName,
		SlotsPerNode: r.cfg.SlotsPerNode,
		MaxRuntime:   r.cfg.MaxRuntime,
	}
	handle, err := r.sched.Submit(ctx, spec)
	if err != nil {
		return err
	}
	return r.store.SetRemoteJobID(ctx, jobID, handle)
}

// UpdateJob polls the scheduler for a job's remote status and applies
// the corresponding state transition. Mirrors the original
// XenonJobRunner.update_job: a job found running moves Waiting->Running
// (or its cancellation-shadow equivalent); a job no longer found is
// treated as finished, unless it was in a cancellation shadow state, in
// which case it is now Cancelled.
//
// The rate-limiter wait and the scheduler poll both happen outside any
// WithStore scope: reading the remote job id is a quick, standalone
// Get, and only once a status is in hand does UpdateJob re-acquire the
// store to commit whatever transitions that status implies. Holding
// the store's scoped acquisition across a blocking SSH round trip (or
// a multi-second rate-limit wait) would stall every other job's store
// access behind this one poll.
func (r *Runner) UpdateJob(ctx context.Context, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.RemoteJobID == "" {
		return nil
	}

	if r.statusL != nil {
		if err := r.statusL.Wait(ctx); err != nil {
			return err
		}
	}

	status, err := r.sched.Status(ctx, job.RemoteJobID)
	if err != nil {
		return err
	}

	return r.store.WithStore(ctx, func(tx jobstore.Tx) error {
		if status.Phase == scheduler.PhaseRunning || status.Phase == scheduler.PhaseQueued {
			if _, err := tx.TryTransition(ctx, jobID, jobstore.Waiting, jobstore.Running); err != nil {
				return err
			}
			if _, err := tx.TryTransition(ctx, jobID, jobstore.WaitingCR, jobstore.RunningCR); err != nil {
				return err
			}
			return nil
		}

		if status.ExitCode != nil && *status.ExitCode != 0 {
			if err := tx.AppendLog(ctx, jobID, fmt.Sprintf("%s %d", ExitFailureLogMarker, *status.ExitCode)); err != nil {
				return err
			}
		}
		if _, err := tx.TryTransition(ctx, jobID, jobstore.Waiting, jobstore.Finished); err != nil {
			return err
		}
		if _, err := tx.TryTransition(ctx, jobID, jobstore.Running, jobstore.Finished); err != nil {
			return err
		}
		if _, err := tx.TryTransition(ctx, jobID, jobstore.WaitingCR, jobstore.Cancelled); err != nil {
			return err
		}
		if _, err := tx.TryTransition(ctx, jobID, jobstore.RunningCR, jobstore.Cancelled); err != nil {
			return err
		}
		return nil
	})
}

// CancelJob asks the scheduler to cancel a job's remote process, if it
// is currently in a cancellable remote state. Returns whether the job
// was still running when the cancellation was issued.
func (r *Runner) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.RemoteJobID == "" {
		return false, nil
	}
	switch job.State {
	case jobstore.Waiting, jobstore.Running, jobstore.WaitingCR, jobstore.RunningCR:
	default:
		return false, nil
	}

	stillRunning, err := r.sched.Cancel(ctx, job.RemoteJobID)
	if err != nil {
		var se *cerrors.SchedulerError
		if !cerrors.As(err, &se) {
			return false, err
		}
		return false, nil
	}
	return stillRunning, nil
}

// Close releases the underlying scheduler's resources.
func (r *Runner) Close() error {
	return r.sched.Close()
}

// RunToCompletion submits spec directly to the scheduler, outside the
// job lifecycle, and blocks until it finishes, returning its exit code.
// Used for one-shot bootstrap work such as the remote install script,
// which has no job record of its own to carry state between polls.
func (r *Runner) RunToCompletion(ctx context.Context, spec scheduler.SubmitSpec, pollInterval time.Duration) (int, error) {
	handle, err := r.sched.Submit(ctx, spec)
	if err != nil {
		return 0, err
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := r.sched.Status(ctx, handle)
		if err != nil {
			return 0, err
		}
		if status.Phase == scheduler.PhaseDone || status.Phase == scheduler.PhaseUnknown {
			if status.ExitCode != nil {
				return *status.ExitCode, nil
			}
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
