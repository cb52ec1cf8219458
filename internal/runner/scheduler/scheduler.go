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

// Package scheduler abstracts over the compute resource a job's CWL
// runner process is started on: a local subprocess, a remote SSH
// session, or a SLURM batch queue. It is the Go-native replacement for
// Xenon's scheduler abstraction in the original implementation.
package scheduler

import (
	"context"
	"time"
)

// SubmitSpec describes a single process to start on the compute
// resource: the CWL runner invocation for one job.
type SubmitSpec struct {
	WorkingDir  string
	Executable  string
	Args        []string
	StdoutPath  string
	StderrPath  string
	QueueName   string
	SlotsPerNode int
	MaxRuntime  time.Duration
}

// Phase is the coarse-grained remote execution state a Scheduler
// reports back, independent of any particular resource manager's own
// vocabulary.
type Phase int

const (
	// PhaseUnknown means the handle could not be found on the resource
	// at all; the caller treats this the same as PhaseDone.
	PhaseUnknown Phase = iota
	PhaseQueued
	PhaseRunning
	PhaseDone
)

// Status is a point-in-time report on a submitted job.
type Status struct {
	Phase    Phase
	ExitCode *int
}

// Scheduler submits, polls and cancels processes on a compute
// resource. Implementations: local (os/exec subprocess), ssh (remote
// shell session), slurm (sbatch/squeue/scancel over SSH).
type Scheduler interface {
	// Submit starts spec running and returns an opaque handle
	// identifying it to later Status/Cancel calls.
	Submit(ctx context.Context, spec SubmitSpec) (handle string, err error)

	// Status reports the current phase of a previously submitted job.
	// A job no longer known to the resource is reported as PhaseUnknown
	// (Local) or PhaseDone (SSH, Slurm), not as an error: jobs
	// legitimately disappear from a queue once they are done, and callers
	// treat both phases as finished.
	Status(ctx context.Context, handle string) (Status, error)

	// Cancel requests cancellation of a running job. It returns whether
	// the job was still running at the moment the cancellation was
	// issued; false means it had already finished or was never running.
	Cancel(ctx context.Context, handle string) (stillRunning bool, err error)

	// Close releases any held connections (SSH sessions, subprocess
	// handles).
	Close() error
}
