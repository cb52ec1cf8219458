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

// Package remotefiles stages a job's workflow and inputs onto the compute
// resource's file area, and later destages its outputs back. It never
// touches the scheduler; internal/runner drives execution once a job has
// been staged.
package remotefiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"

	"github.com/arnikz/cerise/internal/jobstore"
	"github.com/arnikz/cerise/internal/remotefiles/transport"
	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// LocalDirLister reads a local directory tree to mirror onto the remote
// side during StageAPI. Satisfied by os.DirFS in production and by an
// in-memory fake in tests, following the same small-interface-at-the-seam
// pattern SPEC_FULL.md uses for cwl.Parser and urlfetch.Fetcher.
type LocalDirLister interface {
	fs.FS
	fs.ReadDirFS
}

// Manager is the Remote File Manager.
type Manager struct {
	store     jobstore.Store
	transport transport.Transport
}

// New constructs a Remote File Manager over the given Job Store and
// transport.
func New(store jobstore.Store, t transport.Transport) *Manager {
	return &Manager{store: store, transport: t}
}

// StageAPI mirrors a local directory onto the remote under api/. Safe to
// call repeatedly: it never removes files, and MKCOL/PUT-style writes are
// themselves idempotent, matching the original service running this once
// per daemon restart rather than tracking whether it already ran.
func (m *Manager) StageAPI(ctx context.Context, local LocalDirLister, localRoot string) error {
	return m.mirror(ctx, local, localRoot, "api")
}

func (m *Manager) mirror(ctx context.Context, local LocalDirLister, localDir, remoteDir string) error {
	entries, err := local.ReadDir(localDir)
	if err != nil {
		return &cerrors.TransportError{Op: "stage_api_read_local", Target: localDir, Cause: err}
	}
	if err := m.transport.Mkdir(ctx, remoteDir); err != nil {
		return err
	}
	for _, e := range entries {
		localPath := path.Join(localDir, e.Name())
		remotePath := path.Join(remoteDir, e.Name())
		if e.IsDir() {
			if err := m.mirror(ctx, local, localPath, remotePath); err != nil {
				return err
			}
			continue
		}
		data, err := fs.ReadFile(local, localPath)
		if err != nil {
			return &cerrors.TransportError{Op: "stage_api_read_local", Target: localPath, Cause: err}
		}
		if err := m.transport.WriteFile(ctx, remotePath, data); err != nil {
			return err
		}
	}
	return nil
}

// StageJob writes a job's workflow document and input files to
// jobs/<id>/work/, in the filename convention
// <NN>_input_<basename> where NN is a zero-padded per-job sequence
// reflecting binding order, then rewrites the input JSON so each file's
// location points at its remote path, and records the remote paths on
// the job.
func (m *Manager) StageJob(ctx context.Context, jobID string, inputFiles []jobstore.FileDescriptor, localInputJSON string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	workdir := path.Join("jobs", jobID, "work")
	if err := m.transport.Mkdir(ctx, workdir); err != nil {
		return err
	}

	workflowPath := path.Join(workdir, "workflow.cwl")
	if err := m.transport.WriteFile(ctx, workflowPath, job.WorkflowContent); err != nil {
		return err
	}

	var inputs map[string]any
	if err := json.Unmarshal([]byte(localInputJSON), &inputs); err != nil {
		return &cerrors.InputError{JobID: jobID, Reason: "local_input is not valid JSON", Cause: err}
	}

	for i, f := range inputFiles {
		remoteName := fmt.Sprintf("%02d_input_%s", i+1, f.Basename)
		remotePath := path.Join(workdir, remoteName)
		if err := m.transport.WriteFile(ctx, remotePath, f.Bytes); err != nil {
			return err
		}
		if binding, ok := inputs[f.Binding].(map[string]any); ok {
			binding["location"] = remotePath
		}
	}

	rewritten, err := json.Marshal(inputs)
	if err != nil {
		return &cerrors.InputError{JobID: jobID, Reason: "failed to rewrite input JSON", Cause: err}
	}
	inputPath := path.Join(workdir, "input.json")
	if err := m.transport.WriteFile(ctx, inputPath, rewritten); err != nil {
		return err
	}

	stdoutPath := path.Join(workdir, "stdout.txt")
	stderrPath := path.Join(workdir, "stderr.txt")
	return m.store.SetRemotePaths(ctx, jobID, workdir, workflowPath, inputPath, stdoutPath, stderrPath)
}

// UpdateJob reads remote stdout/stderr into remote_output and the job log.
// It does not transition state: internal/runner decides what the presence
// of output means for the state machine.
func (m *Manager) UpdateJob(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	stdout, err := m.transport.ReadFile(ctx, job.RemoteStdoutPath)
	if err != nil {
		return err
	}
	if err := m.store.SetRemoteOutput(ctx, jobID, string(stdout)); err != nil {
		return err
	}

	stderr, err := m.transport.ReadFile(ctx, job.RemoteStderrPath)
	if err == nil && len(stderr) > 0 {
		return m.store.AppendLog(ctx, jobID, string(stderr))
	}
	return nil
}

// DestageJobOutput reads remote_output's CWL output object and downloads
// every referenced file, returning its binding name, basename and bytes.
// A job whose output JSON is empty or absent has no declared outputs:
// DestageJobOutput returns an empty slice, not an error.
func (m *Manager) DestageJobOutput(ctx context.Context, jobID string) ([]jobstore.FileDescriptor, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.RemoteOutput == "" {
		return nil, nil
	}

	var outputs map[string]struct {
		Location string `json:"location"`
		Basename string `json:"basename"`
	}
	if err := json.Unmarshal([]byte(job.RemoteOutput), &outputs); err != nil {
		return nil, &cerrors.WorkflowRuntimeError{JobID: jobID, ExitInfo: "remote_output is not valid CWL output JSON: " + err.Error()}
	}
	if len(outputs) == 0 {
		return nil, nil
	}

	files := make([]jobstore.FileDescriptor, 0, len(outputs))
	for binding, desc := range outputs {
		data, err := m.transport.ReadFile(ctx, desc.Location)
		if err != nil {
			// Partial failure: the workflow runtime may have exited before
			// producing every declared output. Skip the missing file and
			// keep whatever outputs did land, per the partial-failure case.
			m.store.AppendLog(ctx, jobID, fmt.Sprintf("declared output %q not found on remote side", binding))
			continue
		}
		basename := desc.Basename
		if basename == "" {
			basename = path.Base(desc.Location)
		}
		files = append(files, jobstore.FileDescriptor{Binding: binding, Basename: basename, Bytes: data})
	}
	return files, nil
}

// DeleteJob removes the job's entire remote work tree.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	return m.transport.RemoveTree(ctx, path.Join("jobs", jobID))
}
