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

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
)

// memDAVServer is a minimal in-memory WebDAV server sufficient to exercise
// the client's MKCOL/PUT/GET/PROPFIND/DELETE calls, standing in for a real
// WebDAV endpoint the way a fake in the teacher's own tests would.
type memDAVServer struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
}

func newMemDAVServer() *memDAVServer {
	return &memDAVServer{dirs: map[string]bool{"/": true}, files: map[string][]byte{}}
}

func (s *memDAVServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := path.Clean(r.URL.Path)
	switch r.Method {
	case "MKCOL":
		parent := path.Dir(p)
		if !s.dirs[parent] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if s.dirs[p] {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.dirs[p] = true
		w.WriteHeader(http.StatusCreated)
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		s.files[p] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := s.files[p]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	case "PROPFIND":
		if !s.dirs[p] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><multistatus xmlns="DAV:">`)
		b.WriteString(fmt.Sprintf(`<response><href>%s</href></response>`, p))
		for name := range s.files {
			if path.Dir(name) == p {
				b.WriteString(fmt.Sprintf(`<response><href>%s</href></response>`, name))
			}
		}
		for name := range s.dirs {
			if name != p && path.Dir(name) == p {
				b.WriteString(fmt.Sprintf(`<response><href>%s/</href></response>`, name))
			}
		}
		b.WriteString(`</multistatus>`)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(207)
		w.Write([]byte(b.String()))
	case http.MethodDelete:
		delete(s.files, p)
		delete(s.dirs, p)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestWebDAVWriteReadRoundTrip(t *testing.T) {
	srv := newMemDAVServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	w := NewWebDAV(ts.URL, Credential{})
	ctx := context.Background()

	if err := w.WriteFile(ctx, "jobs/j1/work/out.txt", []byte("result")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := w.ReadFile(ctx, "jobs/j1/work/out.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "result" {
		t.Errorf("got %q", data)
	}
}

func TestWebDAVListDir(t *testing.T) {
	srv := newMemDAVServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	w := NewWebDAV(ts.URL, Credential{})
	ctx := context.Background()
	w.WriteFile(ctx, "d/a.txt", []byte("a"))
	w.WriteFile(ctx, "d/b.txt", []byte("b"))

	names, err := w.ListDir(ctx, "d")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2", names)
	}
}

func TestWebDAVRemoveTree(t *testing.T) {
	srv := newMemDAVServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	w := NewWebDAV(ts.URL, Credential{})
	ctx := context.Background()
	w.WriteFile(ctx, "jobs/j1/x.txt", []byte("x"))

	if err := w.RemoveTree(ctx, "jobs/j1"); err != nil {
		t.Fatalf("remove_tree: %v", err)
	}
}
