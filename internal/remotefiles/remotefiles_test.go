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

package remotefiles

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/arnikz/cerise/internal/jobstore"
	"github.com/arnikz/cerise/internal/jobstore/memory"
	"github.com/arnikz/cerise/internal/remotefiles/transport"
)

func TestStageAPIMirrorsLocalTree(t *testing.T) {
	local := fstest.MapFS{
		"api/steps/test/wc.cwl": &fstest.MapFile{Data: []byte("cwlVersion: v1.0")},
	}
	tr := &transport.Local{Base: t.TempDir()}
	m := New(memory.New(), tr)

	if err := m.StageAPI(context.Background(), local, "api"); err != nil {
		t.Fatalf("stage_api: %v", err)
	}

	data, err := tr.ReadFile(context.Background(), "api/steps/test/wc.cwl")
	if err != nil {
		t.Fatalf("expected mirrored file: %v", err)
	}
	if string(data) != "cwlVersion: v1.0" {
		t.Errorf("got %q", data)
	}
}

func TestStageJobWritesDeterministicInputNames(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id, _ := store.Create(ctx, "wc", "file:///wc.cwl", `{"hello": {"class": "File", "location": "file:///hello_world.txt"}}`)
	store.SetWorkflowContent(ctx, id, []byte("cwlVersion: v1.0"))

	tr := &transport.Local{Base: t.TempDir()}
	m := New(store, tr)

	inputFiles := []jobstore.FileDescriptor{
		{Binding: "hello", Basename: "hello_world.txt", Bytes: []byte("hello world")},
	}
	localInput := `{"hello": {"class": "File", "location": "file:///hello_world.txt"}}`

	if err := m.StageJob(ctx, id, inputFiles, localInput); err != nil {
		t.Fatalf("stage_job: %v", err)
	}

	data, err := tr.ReadFile(ctx, "jobs/"+id+"/work/01_input_hello_world.txt")
	if err != nil {
		t.Fatalf("expected staged input file: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("got %q", data)
	}

	job, _ := store.Get(ctx, id)
	if job.RemoteWorkdirPath == "" || job.RemoteWorkflowPath == "" || job.RemoteInputPath == "" {
		t.Fatalf("expected remote paths to be set, got %+v", job)
	}
}

func TestDestageJobOutputEmptyIsNotAnError(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id, _ := store.Create(ctx, "pass", "file:///pass.cwl", `{}`)

	m := New(store, &transport.Local{Base: t.TempDir()})
	files, err := m.DestageJobOutput(ctx, id)
	if err != nil {
		t.Fatalf("destage: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no output files, got %v", files)
	}
}

func TestDestageJobOutputDownloadsDeclaredFiles(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id, _ := store.Create(ctx, "wc", "file:///wc.cwl", `{}`)

	tr := &transport.Local{Base: t.TempDir()}
	tr.WriteFile(ctx, "jobs/"+id+"/work/output.txt", []byte("3 10 60"))
	store.SetRemoteOutput(ctx, id, `{"output":{"location":"jobs/`+id+`/work/output.txt","basename":"output.txt"}}`)

	m := New(store, tr)
	files, err := m.DestageJobOutput(ctx, id)
	if err != nil {
		t.Fatalf("destage: %v", err)
	}
	if len(files) != 1 || string(files[0].Bytes) != "3 10 60" {
		t.Fatalf("files = %+v", files)
	}
}

func TestDeleteJobRemovesWorkTree(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id, _ := store.Create(ctx, "job", "file:///x.cwl", `{}`)

	tr := &transport.Local{Base: t.TempDir()}
	tr.WriteFile(ctx, "jobs/"+id+"/work/x.txt", []byte("x"))

	m := New(store, tr)
	if err := m.DeleteJob(ctx, id); err != nil {
		t.Fatalf("delete_job: %v", err)
	}
	if _, err := tr.ReadFile(ctx, "jobs/"+id+"/work/x.txt"); err == nil {
		t.Fatal("expected work tree to be removed")
	}
}
