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

package errors

import "fmt"

// InputError represents a missing input file, a malformed workflow
// document, or a reference to an unsupported URL scheme. Surfaces as
// PermanentFailure.
type InputError struct {
	JobID   string
	Reason  string
	Cause   error
}

func (e *InputError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("input error for job %s: %s", e.JobID, e.Reason)
	}
	return fmt.Sprintf("input error: %s", e.Reason)
}

func (e *InputError) Unwrap() error { return e.Cause }
func (e *InputError) ErrorType() string { return "input" }
func (e *InputError) IsRetryable() bool { return false }

// TransportError represents a transient network failure: a dropped SSH
// session, a WebDAV timeout, an SFTP connection reset. Never reflected in
// job state directly; the runner loop retries on its next sweep.
type TransportError struct {
	Op     string
	Target string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s (%s): %v", e.Op, e.Target, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }
func (e *TransportError) ErrorType() string { return "transport" }
func (e *TransportError) IsRetryable() bool { return true }

// SchedulerError represents a rejected submission or an unexpected
// disappearance of a remote job. Rejection is permanent; disappearance
// after submission is treated as completion by the caller, not as an
// error to propagate further.
type SchedulerError struct {
	Op      string
	Handle  string
	Rejected bool
	Cause   error
}

func (e *SchedulerError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("scheduler rejected %s (handle %s): %v", e.Op, e.Handle, e.Cause)
	}
	return fmt.Sprintf("scheduler error during %s (handle %s): %v", e.Op, e.Handle, e.Cause)
}

func (e *SchedulerError) Unwrap() error { return e.Cause }
func (e *SchedulerError) ErrorType() string { return "scheduler" }
func (e *SchedulerError) IsRetryable() bool { return !e.Rejected }

// WorkflowRuntimeError represents a CWL runner that exited non-zero or
// produced a partial output set. Destaging still proceeds; whatever
// output files exist are preserved.
type WorkflowRuntimeError struct {
	JobID    string
	ExitInfo string
}

func (e *WorkflowRuntimeError) Error() string {
	return fmt.Sprintf("workflow runtime error for job %s: %s", e.JobID, e.ExitInfo)
}

func (e *WorkflowRuntimeError) ErrorType() string { return "workflow_runtime" }
func (e *WorkflowRuntimeError) IsRetryable() bool { return false }

// StorageError represents a Job Store backend failure (sqlite I/O, lock
// contention past the busy timeout). The manager logs and retries at the
// next sweep; state is never partially updated.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("job store error during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }
func (e *StorageError) ErrorType() string { return "storage" }
func (e *StorageError) IsRetryable() bool { return true }

// ConfigError represents configuration problems: a rejected legacy key
// name, a missing required field, an unparsable value.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
func (e *ConfigError) ErrorType() string { return "config" }
func (e *ConfigError) IsRetryable() bool { return false }

// compile-time interface checks
var (
	_ ErrorClassifier = (*InputError)(nil)
	_ ErrorClassifier = (*TransportError)(nil)
	_ ErrorClassifier = (*SchedulerError)(nil)
	_ ErrorClassifier = (*WorkflowRuntimeError)(nil)
	_ ErrorClassifier = (*StorageError)(nil)
	_ ErrorClassifier = (*ConfigError)(nil)
)
