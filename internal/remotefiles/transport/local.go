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
	"os"
	"path/filepath"
)

// Local is a Transport over the local filesystem, used when the compute
// resource is the same host the service runs on, and in tests.
type Local struct {
	// Base is prepended to every path; paths handed to the Transport
	// methods are always relative, matching the remote transports.
	Base string
}

var _ Transport = (*Local)(nil)

func (l *Local) abs(path string) string {
	return filepath.Join(l.Base, filepath.FromSlash(path))
}

func (l *Local) Mkdir(ctx context.Context, path string) error {
	return os.MkdirAll(l.abs(path), 0o755)
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(l.abs(path)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(l.abs(path), data, 0o644)
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(l.abs(path))
}

func (l *Local) ListDir(ctx context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(l.abs(path))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (l *Local) RemoveTree(ctx context.Context, path string) error {
	return os.RemoveAll(l.abs(path))
}
