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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arnikz/cerise/internal/jobstore"
)

func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestCreateAndGet(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	id, err := be.Create(ctx, "word-count", "file:///wc.cwl", `{}`)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	job, err := be.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != jobstore.Submitted {
		t.Errorf("state = %s, want Submitted", job.State)
	}
	if job.Name != "word-count" {
		t.Errorf("name = %s, want word-count", job.Name)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	be := createTestBackend(t)
	_, err := be.Get(context.Background(), "does-not-exist")
	var notFound *jobstore.ErrNotFound
	if err == nil {
		t.Fatal("expected error")
	}
	if e, ok := err.(*jobstore.ErrNotFound); !ok {
		t.Fatalf("err = %v (%T), want *ErrNotFound", err, err)
	} else {
		notFound = e
	}
	if notFound.ID != "does-not-exist" {
		t.Errorf("ErrNotFound.ID = %s", notFound.ID)
	}
}

func TestTryTransitionCompareAndSwap(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)

	ok, err := be.TryTransition(ctx, id, jobstore.Submitted, jobstore.Resolved)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to succeed")
	}

	// Stale from-state must fail: another worker already moved it on.
	ok, err = be.TryTransition(ctx, id, jobstore.Submitted, jobstore.Staged)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("compare-and-swap on a stale from-state must not succeed")
	}

	job, _ := be.Get(ctx, id)
	if job.State != jobstore.Resolved {
		t.Errorf("state = %s, want Resolved", job.State)
	}
}

func TestAppendLogAccumulates(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)

	if err := be.AppendLog(ctx, id, "resolving inputs"); err != nil {
		t.Fatalf("append_log: %v", err)
	}
	if err := be.AppendLog(ctx, id, "staged to remote"); err != nil {
		t.Fatalf("append_log: %v", err)
	}

	job, _ := be.Get(ctx, id)
	want := "resolving inputs\nstaged to remote"
	if job.Log != want {
		t.Errorf("log = %q, want %q", job.Log, want)
	}
}

func TestSetLocalOutputThenNilDoesNotClobber(t *testing.T) {
	// This backend's SetLocalOutput always writes what it's given; the
	// "nil must not clobber" rule belongs to localfiles.Manager.PublishJobOutput,
	// which simply never calls SetLocalOutput when there is nothing to publish.
	// This test only pins down that an explicit write persists.
	be := createTestBackend(t)
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)

	if err := be.SetLocalOutput(ctx, id, `{"out": {"location": "http://x/out"}}`); err != nil {
		t.Fatalf("set_local_output: %v", err)
	}
	job, _ := be.Get(ctx, id)
	if job.LocalOutput == "" {
		t.Fatal("expected local_output to persist")
	}
}

func TestListFiltersByState(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	id1, _ := be.Create(ctx, "a", "file:///a.cwl", `{}`)
	_, _ = be.Create(ctx, "b", "file:///b.cwl", `{}`)
	if _, err := be.TryTransition(ctx, id1, jobstore.Submitted, jobstore.Resolved); err != nil {
		t.Fatalf("transition: %v", err)
	}

	resolved, err := be.List(ctx, jobstore.Filter{State: jobstore.Resolved})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resolved) != 1 || resolved[0].ID != id1 {
		t.Fatalf("list(Resolved) = %v, want exactly [%s]", resolved, id1)
	}
}

func TestWithStoreIsAtomicAcrossReadAndTransition(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)

	err := be.WithStore(ctx, func(tx jobstore.Tx) error {
		job, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		ok, err := tx.TryTransition(ctx, id, job.State, jobstore.Resolved)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected transition inside WithStore to succeed")
		}
		return tx.AppendLog(ctx, id, "resolved under scope")
	})
	if err != nil {
		t.Fatalf("with_store: %v", err)
	}

	job, _ := be.Get(ctx, id)
	if job.State != jobstore.Resolved {
		t.Errorf("state = %s, want Resolved", job.State)
	}
	if job.Log != "resolved under scope" {
		t.Errorf("log = %q", job.Log)
	}
}
