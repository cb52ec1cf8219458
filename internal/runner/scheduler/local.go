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
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// Local runs CWL runner processes as local subprocesses. Used for
// single-machine deployments and for the development/test fixtures
// that exercise the Remote Job Runner without a real compute resource.
type Local struct {
	// Base is prepended to a job's working directory and stdout/stderr
	// paths, which arrive relative, the same way transport.Local
	// resolves them against its own Base. A local deployment points
	// both at the same directory tree.
	Base string

	mu      sync.Mutex
	handles map[string]*exec.Cmd
	nextID  int
}

var _ Scheduler = (*Local)(nil)

// NewLocal returns a Scheduler that starts processes with os/exec,
// resolving job paths under base.
func NewLocal(base string) *Local {
	return &Local{Base: base, handles: make(map[string]*exec.Cmd)}
}

func (l *Local) abs(path string) string {
	if path == "" {
		return path
	}
	return filepath.Join(l.Base, filepath.FromSlash(path))
}

func (l *Local) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	args := make([]string, len(spec.Args))
	for i, arg := range spec.Args {
		args[i] = l.abs(arg)
	}
	cmd := exec.Command(spec.Executable, args...)
	cmd.Dir = l.abs(spec.WorkingDir)

	stdout, err := os.Create(l.abs(spec.StdoutPath))
	if err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	stderr, err := os.Create(l.abs(spec.StderrPath))
	if err != nil {
		stdout.Close()
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}

	go func() {
		cmd.Wait()
		stdout.Close()
		stderr.Close()
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	handle := strconv.Itoa(l.nextID)
	l.handles[handle] = cmd
	return handle, nil
}

func (l *Local) Status(ctx context.Context, handle string) (Status, error) {
	l.mu.Lock()
	cmd, ok := l.handles[handle]
	l.mu.Unlock()
	if !ok {
		return Status{Phase: PhaseUnknown}, nil
	}
	if cmd.ProcessState == nil {
		return Status{Phase: PhaseRunning}, nil
	}
	code := cmd.ProcessState.ExitCode()
	return Status{Phase: PhaseDone, ExitCode: &code}, nil
}

func (l *Local) Cancel(ctx context.Context, handle string) (bool, error) {
	l.mu.Lock()
	cmd, ok := l.handles[handle]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false, nil
	}
	if cmd.ProcessState != nil {
		return false, nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return false, &cerrors.SchedulerError{Op: "cancel", Handle: handle, Cause: err}
	}
	return true, nil
}

func (l *Local) Close() error { return nil }
