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

// Package localfiles is the Local File Manager: it resolves a job's
// workflow document and referenced input files before staging, and
// publishes destaged output files to the local output directory
// afterwards.
package localfiles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/arnikz/cerise/internal/cwl"
	"github.com/arnikz/cerise/internal/jobstore"
	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// Manager is the Local File Manager.
type Manager struct {
	store   jobstore.Store
	parser  cwl.Parser
	fetcher Fetcher

	// basePath is the local filesystem directory under which input/ and
	// output/ live (store-location-service, used as a plain filesystem
	// path). baseURL is the externally reachable equivalent
	// (store-location-client) used to build local_output locations.
	basePath string
	baseURL  string
}

// Config configures a Manager. Field names match the canonical config
// keys resolved in SPEC_FULL.md: store-location-service (local path) and
// store-location-client (external URL).
type Config struct {
	BasePath string
	BaseURL  string
}

// New constructs a Local File Manager, creating its output/ subdirectory
// if absent. It refuses to create the base directory itself: a missing
// base path is a configuration error, not something to paper over.
func New(store jobstore.Store, parser cwl.Parser, fetcher Fetcher, cfg Config) (*Manager, error) {
	if info, err := os.Stat(cfg.BasePath); err != nil || !info.IsDir() {
		return nil, &cerrors.ConfigError{Key: "store-location-service", Reason: fmt.Sprintf("base directory %q not found", cfg.BasePath)}
	}
	if err := os.MkdirAll(filepath.Join(cfg.BasePath, "output"), 0o755); err != nil {
		return nil, &cerrors.StorageError{Op: "mkdir_output", Cause: err}
	}
	return &Manager{store: store, parser: parser, fetcher: fetcher, basePath: cfg.BasePath, baseURL: cfg.BaseURL}, nil
}

type fileBinding struct {
	Class    string `json:"class"`
	Location string `json:"location"`
	Path     string `json:"path"`
	Basename string `json:"basename"`
}

// ResolveInput reads the job's workflow and local_input, fetches every
// referenced file, and on success records the workflow document's content
// on the job if none is recorded yet. Returns the file descriptors in binding-name order (CWL job
// order documents are JSON objects with no guaranteed key order of their
// own, so this is the deterministic substitute for "the order bindings
// appear in the document").
func (m *Manager) ResolveInput(ctx context.Context, jobID string) ([]jobstore.FileDescriptor, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	content, err := m.fetcher.Fetch(ctx, job.Workflow)
	if err != nil {
		return nil, &cerrors.InputError{JobID: jobID, Reason: "workflow document could not be fetched: " + err.Error(), Cause: err}
	}
	if _, err := m.parser.Parse(content); err != nil {
		return nil, &cerrors.InputError{JobID: jobID, Reason: "workflow document is not valid CWL", Cause: err}
	}

	var bindings map[string]json.RawMessage
	if err := json.Unmarshal([]byte(job.LocalInput), &bindings); err != nil {
		return nil, &cerrors.InputError{JobID: jobID, Reason: "local_input is not valid JSON", Cause: err}
	}

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	var files []jobstore.FileDescriptor
	for _, name := range names {
		var fb fileBinding
		if err := json.Unmarshal(bindings[name], &fb); err != nil || fb.Class != "File" {
			continue
		}
		location := fb.Location
		if location == "" {
			location = fb.Path
		}
		data, err := m.fetcher.Fetch(ctx, location)
		if err != nil {
			return nil, &cerrors.InputError{JobID: jobID, Reason: fmt.Sprintf("input file %q could not be found: %s", location, err), Cause: err}
		}
		basename := fb.Basename
		if basename == "" {
			basename = path.Base(location)
		}
		files = append(files, jobstore.FileDescriptor{Binding: name, Basename: basename, Location: location, Bytes: data})
	}

	if job.WorkflowContent == nil {
		if err := m.store.SetWorkflowContent(ctx, jobID, content); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// CreateOutputDir creates the local output directory for a job.
func (m *Manager) CreateOutputDir(jobID string) error {
	if err := os.Mkdir(m.outputDir(jobID), 0o755); err != nil {
		return &cerrors.StorageError{Op: "create_output_dir", Cause: err}
	}
	return nil
}

// DeleteOutputDir removes a job's local output directory and everything
// in it.
func (m *Manager) DeleteOutputDir(jobID string) error {
	if err := os.RemoveAll(m.outputDir(jobID)); err != nil {
		return &cerrors.StorageError{Op: "delete_output_dir", Cause: err}
	}
	return nil
}

type publishedFile struct {
	Location string `json:"location"`
	Path     string `json:"path"`
	Basename string `json:"basename"`
}

// PublishJobOutput writes destaged output files to the job's local output
// directory and records their external URLs as local_output.
//
// A nil or empty outputs slice means "no outputs produced this run": it
// leaves any previously published local_output untouched rather than
// clearing it, because a partial-failure retry or an observational
// re-check must never erase a result a prior successful run already
// published.
func (m *Manager) PublishJobOutput(ctx context.Context, jobID string, outputs []jobstore.FileDescriptor) error {
	if len(outputs) == 0 {
		return nil
	}

	published := make(map[string]publishedFile, len(outputs))
	for _, f := range outputs {
		rel := path.Join(jobID, f.Basename)
		abs := filepath.Join(m.basePath, "output", filepath.FromSlash(rel))
		if err := os.WriteFile(abs, f.Bytes, 0o644); err != nil {
			return &cerrors.StorageError{Op: "publish_job_output", Cause: err}
		}
		published[f.Binding] = publishedFile{
			Location: m.baseURL + "/output/" + rel,
			Path:     abs,
			Basename: f.Basename,
		}
	}

	data, err := json.Marshal(published)
	if err != nil {
		return &cerrors.StorageError{Op: "publish_job_output", Cause: err}
	}
	return m.store.SetLocalOutput(ctx, jobID, string(data))
}

func (m *Manager) outputDir(jobID string) string {
	return filepath.Join(m.basePath, "output", jobID)
}
