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

package scheduler

import (
	"context"
	"fmt"
	"strings"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// Slurm submits jobs to a SLURM batch queue over SSH, using
// sbatch/squeue/scancel. It wraps an SSH connection the same way the
// SSH scheduler does, since the two differ only in which remote
// commands they run, not in how they connect.
type Slurm struct {
	ssh       *SSH
	queueName string
	slots     int
}

var _ Scheduler = (*Slurm)(nil)

// SlurmConfig configures the SLURM scheduler adapter.
type SlurmConfig struct {
	SSH       SSHConfig
	QueueName string
}

// NewSlurm returns a Scheduler that submits work with sbatch.
func NewSlurm(cfg SlurmConfig) *Slurm {
	return &Slurm{ssh: NewSSH(cfg.SSH), queueName: cfg.QueueName}
}

func (s *Slurm) sbatchScript(spec SubmitSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "#SBATCH --chdir=%s\n", spec.WorkingDir)
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", spec.StdoutPath)
	fmt.Fprintf(&b, "#SBATCH --error=%s\n", spec.StderrPath)
	if s.queueName != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", s.queueName)
	}
	if spec.SlotsPerNode > 0 {
		fmt.Fprintf(&b, "#SBATCH --ntasks-per-node=%d\n", spec.SlotsPerNode)
	}
	if spec.MaxRuntime > 0 {
		fmt.Fprintf(&b, "#SBATCH --time=%d\n", int(spec.MaxRuntime.Minutes()))
	}
	b.WriteString(shellQuote(spec.Executable))
	for _, a := range spec.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	b.WriteByte('\n')
	return b.String()
}

func (s *Slurm) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	conn, err := s.ssh.client(ctx)
	if err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	session, err := conn.NewSession()
	if err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	var out strings.Builder
	session.Stdout = &out

	if err := session.Start("sbatch --parsable"); err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	fmt.Fprint(stdin, s.sbatchScript(spec))
	stdin.Close()
	if err := session.Wait(); err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: fmt.Errorf("%w: %s", err, out.String())}
	}

	jobID := strings.TrimSpace(out.String())
	if jobID == "" {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: fmt.Errorf("sbatch returned no job id")}
	}
	// --parsable may emit "jobid;cluster"; only the job id matters here.
	if i := strings.IndexByte(jobID, ';'); i >= 0 {
		jobID = jobID[:i]
	}
	return jobID, nil
}

func (s *Slurm) Status(ctx context.Context, handle string) (Status, error) {
	conn, err := s.ssh.client(ctx)
	if err != nil {
		return Status{}, &cerrors.SchedulerError{Op: "status", Handle: handle, Cause: err}
	}
	session, err := conn.NewSession()
	if err != nil {
		return Status{}, &cerrors.SchedulerError{Op: "status", Handle: handle, Cause: err}
	}
	defer session.Close()

	out, err := session.CombinedOutput(fmt.Sprintf("squeue -h -j %s -o %%T", shellQuote(handle)))
	state := strings.TrimSpace(string(out))
	if err != nil || state == "" {
		// squeue drops completed jobs quickly; no row means done.
		return Status{Phase: PhaseDone}, nil
	}
	switch state {
	case "PENDING", "CONFIGURING":
		return Status{Phase: PhaseQueued}, nil
	case "RUNNING", "COMPLETING":
		return Status{Phase: PhaseRunning}, nil
	default:
		return Status{Phase: PhaseDone}, nil
	}
}

func (s *Slurm) Cancel(ctx context.Context, handle string) (bool, error) {
	status, err := s.Status(ctx, handle)
	if err != nil {
		return false, err
	}
	if status.Phase == PhaseDone || status.Phase == PhaseUnknown {
		return false, nil
	}

	conn, err := s.ssh.client(ctx)
	if err != nil {
		return false, &cerrors.SchedulerError{Op: "cancel", Handle: handle, Cause: err}
	}
	session, err := conn.NewSession()
	if err != nil {
		return false, &cerrors.SchedulerError{Op: "cancel", Handle: handle, Cause: err}
	}
	defer session.Close()

	if err := session.Run(fmt.Sprintf("scancel %s", shellQuote(handle))); err != nil {
		return false, &cerrors.SchedulerError{Op: "cancel", Handle: handle, Cause: err}
	}
	return true, nil
}

func (s *Slurm) Close() error { return s.ssh.Close() }
