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

package errors_test

import (
	"errors"
	"testing"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

func TestInputError(t *testing.T) {
	err := &cerrors.InputError{JobID: "abc", Reason: "missing does_not_exist.txt"}
	if err.Error() == "" {
		t.Fatal("expected non-empty message")
	}
	if err.IsRetryable() {
		t.Error("input errors must not be retryable")
	}
	if err.ErrorType() != "input" {
		t.Errorf("ErrorType() = %q, want input", err.ErrorType())
	}
}

func TestTransportErrorRetryable(t *testing.T) {
	cause := errors.New("connection reset")
	err := &cerrors.TransportError{Op: "write_file", Target: "sftp://host/path", Cause: cause}
	if !err.IsRetryable() {
		t.Error("transport errors must be retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose cause for errors.Is")
	}
}

func TestSchedulerErrorRejectedIsPermanent(t *testing.T) {
	err := &cerrors.SchedulerError{Op: "submit", Rejected: true, Cause: errors.New("bad script")}
	if err.IsRetryable() {
		t.Error("rejected submission must not be retryable")
	}

	vanished := &cerrors.SchedulerError{Op: "status", Rejected: false, Cause: errors.New("job not found")}
	if !vanished.IsRetryable() {
		t.Error("a vanished-but-not-rejected job should still be treated as retryable by classification")
	}
}

func TestWorkflowRuntimeErrorNotRetryable(t *testing.T) {
	err := &cerrors.WorkflowRuntimeError{JobID: "j1", ExitInfo: "exit code 1"}
	if err.IsRetryable() {
		t.Error("workflow runtime errors are permanent")
	}
}

func TestStorageErrorRetryable(t *testing.T) {
	err := &cerrors.StorageError{Op: "try_transition", Cause: errors.New("database is locked")}
	if !err.IsRetryable() {
		t.Error("storage errors are retried at the next sweep")
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := &cerrors.ConfigError{Key: "files.path", Reason: "legacy key rejected"}
	want := "config error at files.path: legacy key rejected"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
