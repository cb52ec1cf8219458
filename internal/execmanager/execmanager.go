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

// Package execmanager is the Execution Manager: the loop that drives
// every job through its state machine, invoking the Local File
// Manager, Remote File Manager and Remote Job Runner under a single
// concurrency, cancellation and failure-handling discipline.
package execmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arnikz/cerise/internal/jobstore"
	"github.com/arnikz/cerise/internal/localfiles"
	"github.com/arnikz/cerise/internal/metrics"
	"github.com/arnikz/cerise/internal/remotefiles"
	"github.com/arnikz/cerise/internal/runner"
	"github.com/arnikz/cerise/internal/runner/scheduler"
	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// Config controls sweep timing and concurrency.
type Config struct {
	// PollInterval is how often each stage sweep runs.
	PollInterval time.Duration
	// MaxConcurrent bounds the number of jobs any one stage processes at
	// once, shared across all stage sweeps via a single semaphore the
	// same way the teacher's workflow Runner bounds MaxParallel.
	MaxConcurrent int
	// Tracer spans each job's per-stage work. Defaults to the global
	// tracer provider's "execmanager" tracer, which is a no-op until a
	// real provider (internal/tracing.Provider) is installed.
	Tracer trace.Tracer
}

// Service is the Execution Manager.
type Service struct {
	store       jobstore.Store
	localFiles  *localfiles.Manager
	remoteFiles *remotefiles.Manager
	jobRunner   *runner.Runner
	cfg         Config
	logger      *slog.Logger
	tracer      trace.Tracer

	sem    chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs the Execution Manager over its collaborating
// components.
func New(store jobstore.Store, lf *localfiles.Manager, rf *remotefiles.Manager, jr *runner.Runner, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("execmanager")
	}
	return &Service{
		store:       store,
		localFiles:  lf,
		remoteFiles: rf,
		jobRunner:   jr,
		cfg:         cfg,
		logger:      slog.Default().With(slog.String("component", "execmanager")),
		tracer:      tracer,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
	}
}

// withStageSpan runs fn inside a span named for the pipeline stage and
// job, recording fn's error (if any) as the span's final status.
func (s *Service) withStageSpan(ctx context.Context, stage string, job *jobstore.Job, fn func(context.Context)) {
	ctx, span := s.tracer.Start(ctx, "execmanager."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.state", string(job.State)),
		),
	)
	defer span.End()
	fn(ctx)
}

// Submit creates a new job record in state Submitted.
func (s *Service) Submit(ctx context.Context, name, workflow, localInput string) (string, error) {
	return s.store.Create(ctx, name, workflow, localInput)
}

// Get returns one job record.
func (s *Service) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	return s.store.Get(ctx, id)
}

// List enumerates job records, optionally narrowed by filter.
func (s *Service) List(ctx context.Context, filter jobstore.Filter) ([]*jobstore.Job, error) {
	return s.store.List(ctx, filter)
}

// Cancel records a cancellation request and, if the job already has a
// remote process, asks the scheduler to stop it immediately rather
// than waiting for the next update sweep to notice the shadow state.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	shifted, err := jobstore.CancelRequest(ctx, s.store, id)
	if err != nil || !shifted {
		return shifted, err
	}
	stillRunning, err := s.jobRunner.CancelJob(ctx, id)
	if err != nil {
		s.store.AppendLog(ctx, id, fmt.Sprintf("cancellation request to scheduler failed: %v", err))
	}
	return stillRunning, nil
}

// Delete marks a job for teardown. If it is already in a terminal
// state, teardown happens immediately; otherwise the next cleanup
// sweep picks it up once it reaches one.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.SetPleaseDelete(ctx, id); err != nil {
		return err
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return s.teardown(ctx, job)
	}
	return nil
}

// RunInstallScript runs a one-shot bootstrap script on the compute
// resource before Start is called, mirroring the original service's
// _run_api_install_script: a non-zero exit is treated as a startup
// failure rather than silently ignored. A blank scriptPath is a no-op,
// matching a deployment with nothing to bootstrap.
func (s *Service) RunInstallScript(ctx context.Context, scriptPath, workdir string) error {
	if scriptPath == "" {
		return nil
	}
	spec := scheduler.SubmitSpec{
		WorkingDir: workdir,
		Executable: scriptPath,
		StdoutPath: path.Join(workdir, "install.stdout"),
		StderrPath: path.Join(workdir, "install.stderr"),
	}
	code, err := s.jobRunner.RunToCompletion(ctx, spec, s.cfg.PollInterval)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("install script %s exited with status %d", scriptPath, code)
	}
	return nil
}

// Start launches one background sweep loop per pipeline stage. It
// returns immediately; call Stop to shut the loops down.
func (s *Service) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	sweeps := []func(context.Context){
		s.resolveSweep,
		s.stageSweep,
		s.startSweep,
		s.updateSweep,
		s.destageSweep,
		s.cleanupSweep,
	}
	for _, sweep := range sweeps {
		s.wg.Add(1)
		go s.loop(ctx, sweep)
	}
	go func() {
		s.wg.Wait()
		close(s.doneCh)
	}()
}

// Stop signals every sweep loop to exit and waits for them to drain.
// In-flight store operations are never aborted: each loop only checks
// for shutdown between sweeps, never mid-sweep.
func (s *Service) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) loop(ctx context.Context, sweep func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// forEach dispatches fn over jobs concurrently, bounded by the shared
// semaphore, and waits for every dispatched call to finish before
// returning so the sweep's own ticker cadence reflects real progress.
func (s *Service) forEach(ctx context.Context, jobs []*jobstore.Job, fn func(context.Context, *jobstore.Job)) {
	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			fn(ctx, job)
		}()
	}
	wg.Wait()
}

func (s *Service) resolveSweep(ctx context.Context) {
	start := time.Now()
	jobs, err := s.store.List(ctx, jobstore.Filter{State: jobstore.Submitted})
	if err != nil {
		s.logger.Error("list submitted jobs", slog.Any("error", err))
		return
	}
	metrics.RecordSweep("resolve", time.Since(start), len(jobs))
	s.forEach(ctx, jobs, func(ctx context.Context, job *jobstore.Job) {
		s.withStageSpan(ctx, "resolve", job, func(ctx context.Context) { s.resolveOne(ctx, job) })
	})
}

func (s *Service) resolveOne(ctx context.Context, job *jobstore.Job) {
	if _, err := s.localFiles.ResolveInput(ctx, job.ID); err != nil {
		s.handleStageError(ctx, job.ID, jobstore.Submitted, err)
		return
	}
	if _, err := s.store.TryTransition(ctx, job.ID, jobstore.Submitted, jobstore.Resolved); err != nil {
		s.logger.Error("transition to resolved", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (s *Service) stageSweep(ctx context.Context) {
	start := time.Now()
	jobs, err := s.store.List(ctx, jobstore.Filter{State: jobstore.Resolved})
	if err != nil {
		s.logger.Error("list resolved jobs", slog.Any("error", err))
		return
	}
	metrics.RecordSweep("stage", time.Since(start), len(jobs))
	s.forEach(ctx, jobs, func(ctx context.Context, job *jobstore.Job) {
		s.withStageSpan(ctx, "stage", job, func(ctx context.Context) { s.stageOne(ctx, job) })
	})
}

func (s *Service) stageOne(ctx context.Context, job *jobstore.Job) {
	// resolve_input's result is not persisted beyond workflow_content, so
	// staging re-fetches input bytes fresh: restart safety in section
	// §9 of the design notes relies on every stage recomputing whatever
	// it needs from durable fields alone.
	files, err := s.localFiles.ResolveInput(ctx, job.ID)
	if err != nil {
		s.handleStageError(ctx, job.ID, jobstore.Resolved, err)
		return
	}
	if err := s.remoteFiles.StageJob(ctx, job.ID, files, job.LocalInput); err != nil {
		s.handleStageError(ctx, job.ID, jobstore.Resolved, err)
		return
	}
	// The local output directory is created once here, ahead of any
	// run, so that a later PublishJobOutput call only ever writes into
	// an existing directory. CreateOutputDir uses Mkdir rather than
	// MkdirAll, so a retry after a crash between here and the Staged
	// transition is tolerated by ignoring an already-exists error.
	if err := s.localFiles.CreateOutputDir(job.ID); err != nil && !os.IsExist(cerrors.Unwrap(err)) {
		s.handleStageError(ctx, job.ID, jobstore.Resolved, err)
		return
	}
	if _, err := s.store.TryTransition(ctx, job.ID, jobstore.Resolved, jobstore.Staged); err != nil {
		s.logger.Error("transition to staged", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (s *Service) startSweep(ctx context.Context) {
	start := time.Now()
	jobs, err := s.store.List(ctx, jobstore.Filter{State: jobstore.Staged})
	if err != nil {
		s.logger.Error("list staged jobs", slog.Any("error", err))
		return
	}
	metrics.RecordSweep("start", time.Since(start), len(jobs))
	s.forEach(ctx, jobs, func(ctx context.Context, job *jobstore.Job) {
		s.withStageSpan(ctx, "start", job, func(ctx context.Context) { s.startOne(ctx, job) })
	})
}

func (s *Service) startOne(ctx context.Context, job *jobstore.Job) {
	if err := s.jobRunner.StartJob(ctx, job.ID); err != nil {
		s.handleStageError(ctx, job.ID, jobstore.Staged, err)
		return
	}
	if _, err := s.store.TryTransition(ctx, job.ID, jobstore.Staged, jobstore.Waiting); err != nil {
		s.logger.Error("transition to waiting", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

var updateStates = []jobstore.State{jobstore.Waiting, jobstore.Running, jobstore.WaitingCR, jobstore.RunningCR}

func (s *Service) updateSweep(ctx context.Context) {
	start := time.Now()
	var jobs []*jobstore.Job
	for _, state := range updateStates {
		batch, err := s.store.List(ctx, jobstore.Filter{State: state})
		if err != nil {
			s.logger.Error("list jobs for update", slog.String("state", string(state)), slog.Any("error", err))
			continue
		}
		jobs = append(jobs, batch...)
	}
	metrics.RecordSweep("update", time.Since(start), len(jobs))
	s.forEach(ctx, jobs, func(ctx context.Context, job *jobstore.Job) {
		if err := s.jobRunner.UpdateJob(ctx, job.ID); err != nil {
			s.handleTransientError(ctx, job.ID, job.State, err)
		}
	})
}

func (s *Service) destageSweep(ctx context.Context) {
	start := time.Now()
	jobs, err := s.store.List(ctx, jobstore.Filter{State: jobstore.Finished})
	if err != nil {
		s.logger.Error("list finished jobs", slog.Any("error", err))
		return
	}
	metrics.RecordSweep("destage", time.Since(start), len(jobs))
	s.forEach(ctx, jobs, s.destageOne)
}

func (s *Service) destageOne(ctx context.Context, job *jobstore.Job) {
	if err := s.remoteFiles.UpdateJob(ctx, job.ID); err != nil {
		s.handleTransientError(ctx, job.ID, jobstore.Finished, err)
		return
	}

	job, err := s.store.Get(ctx, job.ID)
	if err != nil {
		s.logger.Error("reload job before destage", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	outputs, err := s.remoteFiles.DestageJobOutput(ctx, job.ID)
	if err != nil {
		s.handleStageError(ctx, job.ID, jobstore.Finished, err)
		return
	}

	// Publish happens before the Finished->Destaged transition, and
	// both are retried from a Finished job on the next sweep if either
	// fails transiently: once past Destaged there is no further sweep
	// watching this job, so a retryable error here must not leave it
	// stranded in Destaged.
	if err := s.localFiles.PublishJobOutput(ctx, job.ID, outputs); err != nil {
		s.handleStageError(ctx, job.ID, jobstore.Finished, err)
		return
	}

	declared := declaredOutputCount(job.RemoteOutput)
	if _, err := s.store.TryTransition(ctx, job.ID, jobstore.Finished, jobstore.Destaged); err != nil {
		s.logger.Error("transition to destaged", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}

	if strings.Contains(job.Log, runner.ExitFailureLogMarker) || len(outputs) < declared {
		s.store.AppendLog(ctx, job.ID, "workflow did not produce all declared outputs")
		if ok, _ := s.store.TryTransition(ctx, job.ID, jobstore.Destaged, jobstore.PermanentFailure); ok {
			metrics.RecordTerminal(string(jobstore.PermanentFailure), time.Since(job.CreatedAt))
		}
		return
	}
	if ok, _ := s.store.TryTransition(ctx, job.ID, jobstore.Destaged, jobstore.Success); ok {
		metrics.RecordTerminal(string(jobstore.Success), time.Since(job.CreatedAt))
	}
}

// declaredOutputCount reports how many output bindings the workflow
// runner's output JSON declared, used to recognise a partial output
// set (some declared files never materialised) rather than a complete
// one with zero outputs (the pass-workflow case).
func declaredOutputCount(remoteOutput string) int {
	if remoteOutput == "" {
		return 0
	}
	var outputs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(remoteOutput), &outputs); err != nil {
		return 0
	}
	return len(outputs)
}

func (s *Service) cleanupSweep(ctx context.Context) {
	jobs, err := s.store.List(ctx, jobstore.Filter{})
	if err != nil {
		s.logger.Error("list jobs for cleanup", slog.Any("error", err))
		return
	}
	var pending []*jobstore.Job
	active := make(map[string]int)
	for _, job := range jobs {
		if job.PleaseDelete && job.State.Terminal() {
			pending = append(pending, job)
		}
		if !job.State.Terminal() {
			active[string(job.State)]++
		}
	}
	metrics.SetActiveJobs(active)
	s.forEach(ctx, pending, func(ctx context.Context, job *jobstore.Job) {
		if err := s.teardown(ctx, job); err != nil {
			s.logger.Error("teardown job", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	})
}

func (s *Service) teardown(ctx context.Context, job *jobstore.Job) error {
	if err := s.remoteFiles.DeleteJob(ctx, job.ID); err != nil {
		return err
	}
	if err := s.localFiles.DeleteOutputDir(job.ID); err != nil {
		return err
	}
	return s.store.Delete(ctx, job.ID)
}

// handleStageError classifies an error raised while attempting to
// advance a job out of state from, and reacts per the error taxonomy:
// input errors are permanent; transport and storage errors are
// transient and left for the next sweep; anything unclassified is
// treated as a system error rather than silently retried forever.
func (s *Service) handleStageError(ctx context.Context, jobID string, from jobstore.State, err error) {
	var inputErr *cerrors.InputError
	if cerrors.As(err, &inputErr) {
		s.failPermanent(ctx, jobID, from, err)
		return
	}
	var wre *cerrors.WorkflowRuntimeError
	if cerrors.As(err, &wre) {
		s.failPermanent(ctx, jobID, from, err)
		return
	}
	var se *cerrors.SchedulerError
	if cerrors.As(err, &se) {
		if se.Rejected {
			s.failPermanent(ctx, jobID, from, err)
		} else {
			s.handleTransientError(ctx, jobID, from, err)
		}
		return
	}
	var te *cerrors.TransportError
	if cerrors.As(err, &te) {
		s.handleTransientError(ctx, jobID, from, err)
		return
	}
	var stoerr *cerrors.StorageError
	if cerrors.As(err, &stoerr) {
		s.handleTransientError(ctx, jobID, from, err)
		return
	}
	s.failSystem(ctx, jobID, from, err)
}

// stageLabel maps the state a job was in when an error occurred to the
// sweep stage name used for metrics, so a transient error is attributed
// to the pipeline stage that surfaced it.
func stageLabel(from jobstore.State) string {
	switch from {
	case jobstore.Submitted:
		return "resolve"
	case jobstore.Resolved:
		return "stage"
	case jobstore.Staged:
		return "start"
	case jobstore.Finished:
		return "destage"
	default:
		return "update"
	}
}

// handleTransientError logs a retryable error without touching job
// state, so the next sweep retries the same stage.
func (s *Service) handleTransientError(ctx context.Context, jobID string, from jobstore.State, err error) {
	s.logger.Warn("transient error, will retry", slog.String("job_id", jobID), slog.Any("error", err))
	s.store.AppendLog(ctx, jobID, "transient error: "+err.Error())
	metrics.RecordTransientError(stageLabel(from))
}

func (s *Service) failPermanent(ctx context.Context, jobID string, from jobstore.State, err error) {
	s.store.AppendLog(ctx, jobID, err.Error())
	job, getErr := s.store.Get(ctx, jobID)
	if ok, terr := s.store.TryTransition(ctx, jobID, from, jobstore.PermanentFailure); terr != nil {
		s.logger.Error("transition to permanent failure", slog.String("job_id", jobID), slog.Any("error", terr))
	} else if ok && getErr == nil {
		metrics.RecordTerminal(string(jobstore.PermanentFailure), time.Since(job.CreatedAt))
	}
}

func (s *Service) failSystem(ctx context.Context, jobID string, from jobstore.State, err error) {
	s.store.AppendLog(ctx, jobID, "system error: "+err.Error())
	job, getErr := s.store.Get(ctx, jobID)
	if ok, terr := s.store.TryTransition(ctx, jobID, from, jobstore.SystemError); terr != nil {
		s.logger.Error("transition to system error", slog.String("job_id", jobID), slog.Any("error", terr))
	} else if ok && getErr == nil {
		metrics.RecordTerminal(string(jobstore.SystemError), time.Since(job.CreatedAt))
	}
}
