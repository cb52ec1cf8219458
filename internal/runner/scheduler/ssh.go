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
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/arnikz/cerise/internal/remotefiles/transport"
	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// SSHConfig configures the SSH scheduler adapter.
type SSHConfig struct {
	Host            string
	Port            int
	Credential      transport.Credential
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
}

// SSH starts a CWL runner process as a background command over a single
// persistent SSH connection, and tracks it by PID. One process per
// Submit call, matching the "one job per JobDescription" model of the
// original Xenon-based runner.
type SSH struct {
	cfg  SSHConfig
	mu   sync.Mutex
	conn *ssh.Client

	handles map[string]string // handle -> remote PID
}

var _ Scheduler = (*SSH)(nil)

// NewSSH returns a Scheduler that runs jobs over SSH.
func NewSSH(cfg SSHConfig) *SSH {
	return &SSH{cfg: cfg, handles: make(map[string]string)}
}

func (s *SSH) client(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	clientCfg, err := transport.DialConfig(s.cfg.Credential, s.cfg.HostKeyCallback)
	if err != nil {
		return nil, err
	}
	if s.cfg.DialTimeout > 0 {
		clientCfg.Timeout = s.cfg.DialTimeout
	}
	port := s.cfg.Port
	if port == 0 {
		port = 22
	}
	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, port), clientCfg)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Submit starts spec's executable in the background over a new SSH
// session and records its PID, so later sessions can poll/kill it by
// PID without keeping the original session open.
func (s *SSH) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	conn, err := s.client(ctx)
	if err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	session, err := conn.NewSession()
	if err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: err}
	}
	defer session.Close()

	cmd := buildBackgroundCommand(spec)
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: fmt.Errorf("%w: %s", err, out)}
	}

	pid := strings.TrimSpace(string(out))
	if pid == "" {
		return "", &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: fmt.Errorf("remote shell returned no pid")}
	}

	s.mu.Lock()
	handle := pid
	s.handles[handle] = pid
	s.mu.Unlock()
	return handle, nil
}

// buildBackgroundCommand builds a POSIX shell command that cds into the
// working directory, runs the executable with its arguments redirected
// to the given stdout/stderr paths, backgrounds it, and echoes its PID.
func buildBackgroundCommand(spec SubmitSpec) string {
	var args strings.Builder
	for _, a := range spec.Args {
		fmt.Fprintf(&args, " %s", shellQuote(a))
	}
	return fmt.Sprintf("cd %s && nohup %s%s >%s 2>%s </dev/null & echo $!",
		shellQuote(spec.WorkingDir), shellQuote(spec.Executable), args.String(),
		shellQuote(spec.StdoutPath), shellQuote(spec.StderrPath))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *SSH) Status(ctx context.Context, handle string) (Status, error) {
	conn, err := s.client(ctx)
	if err != nil {
		return Status{}, &cerrors.SchedulerError{Op: "status", Handle: handle, Cause: err}
	}
	session, err := conn.NewSession()
	if err != nil {
		return Status{}, &cerrors.SchedulerError{Op: "status", Handle: handle, Cause: err}
	}
	defer session.Close()

	// kill -0 tests whether the process still exists without signalling it.
	err = session.Run(fmt.Sprintf("kill -0 %s", shellQuote(handle)))
	if err != nil {
		return Status{Phase: PhaseDone}, nil
	}
	return Status{Phase: PhaseRunning}, nil
}

func (s *SSH) Cancel(ctx context.Context, handle string) (bool, error) {
	status, err := s.Status(ctx, handle)
	if err != nil {
		return false, err
	}
	if status.Phase != PhaseRunning {
		return false, nil
	}

	conn, err := s.client(ctx)
	if err != nil {
		return false, &cerrors.SchedulerError{Op: "cancel", Handle: handle, Cause: err}
	}
	session, err := conn.NewSession()
	if err != nil {
		return false, &cerrors.SchedulerError{Op: "cancel", Handle: handle, Cause: err}
	}
	defer session.Close()

	if err := session.Run(fmt.Sprintf("kill %s", shellQuote(handle))); err != nil {
		return false, &cerrors.SchedulerError{Op: "cancel", Handle: handle, Cause: err}
	}
	return true, nil
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
