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

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/arnikz/cerise/internal/jobstore"
)

func TestCreateAndGet(t *testing.T) {
	be := New()
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
}

func TestGetReturnsACopy(t *testing.T) {
	be := New()
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)

	job, _ := be.Get(ctx, id)
	job.State = jobstore.Success // mutate the caller's copy

	fresh, _ := be.Get(ctx, id)
	if fresh.State != jobstore.Submitted {
		t.Fatalf("Get must return a defensive copy, store state leaked mutation: %s", fresh.State)
	}
}

func TestTryTransitionUnderConcurrentSweeps(t *testing.T) {
	be := New()
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)

	var wg sync.WaitGroup
	successes := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := be.TryTransition(ctx, id, jobstore.Submitted, jobstore.Resolved)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			successes <- ok
		}()
	}
	wg.Wait()
	close(successes)

	wins := 0
	for ok := range successes {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one concurrent try_transition must win a given from-state, got %d", wins)
	}
}

func TestCancelRequestEntersShadowState(t *testing.T) {
	be := New()
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)
	if _, err := be.TryTransition(ctx, id, jobstore.Submitted, jobstore.Waiting); err != nil {
		t.Fatalf("transition: %v", err)
	}

	ok, err := jobstore.CancelRequest(ctx, be, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("expected cancellation to apply")
	}

	job, _ := be.Get(ctx, id)
	if job.State != jobstore.WaitingCR {
		t.Errorf("state = %s, want Waiting_CR", job.State)
	}
}

func TestCancelRequestOnTerminalStateIsNoOp(t *testing.T) {
	be := New()
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)
	if _, err := be.TryTransition(ctx, id, jobstore.Submitted, jobstore.Cancelled); err != nil {
		t.Fatalf("transition: %v", err)
	}

	ok, err := jobstore.CancelRequest(ctx, be, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("cancelling an already-terminal job must be a no-op")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	be := New()
	ctx := context.Background()
	id, _ := be.Create(ctx, "job", "file:///x.cwl", `{}`)

	if err := be.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := be.Get(ctx, id); err == nil {
		t.Fatal("expected get after delete to fail")
	}
}
