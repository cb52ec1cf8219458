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

package config

import (
	"os"
	"path/filepath"
	"testing"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cerise.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
store:
  store-location-service: /srv/cerise/files
  store-location-client: http://localhost:29593/files
  backend: sqlite
  sqlite-path: /srv/cerise/jobs.db
`

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Jobs.Scheme != "local" {
		t.Errorf("expected default jobs.scheme, got %q", cfg.Jobs.Scheme)
	}
	if cfg.Jobs.SlotsPerNode != 1 {
		t.Errorf("expected default slots-per-node 1, got %d", cfg.Jobs.SlotsPerNode)
	}
	if cfg.Store.LocationService != "/srv/cerise/files" {
		t.Errorf("store-location-service = %q", cfg.Store.LocationService)
	}
}

func TestLoadRejectsMissingStoreLocation(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	_, err := Load(path)
	var ce *cerrors.ConfigError
	if !cerrors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Key != "store-location-service" {
		t.Errorf("key = %q", ce.Key)
	}
}

func TestLoadRejectsLegacyStoreKey(t *testing.T) {
	path := writeConfig(t, `
store:
  local-base-path: /srv/cerise/files
  store-location-client: http://localhost/files
  backend: sqlite
  sqlite-path: /srv/cerise/jobs.db
`)
	_, err := Load(path)
	var ce *cerrors.ConfigError
	if !cerrors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Key != "local-base-path" {
		t.Errorf("key = %q", ce.Key)
	}
}

func TestLoadRejectsUnsupportedJobsScheme(t *testing.T) {
	path := writeConfig(t, minimalConfig+"jobs:\n  scheme: kubernetes\n")
	_, err := Load(path)
	var ce *cerrors.ConfigError
	if !cerrors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Key != "jobs.scheme" {
		t.Errorf("key = %q", ce.Key)
	}
}

func TestEnvOverridesFileValue(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	t.Setenv("CERISE_STORE_LOCATION_CLIENT", "http://override:8080/files")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.LocationClient != "http://override:8080/files" {
		t.Errorf("got %q", cfg.Store.LocationClient)
	}
}

func TestSQLiteBackendRequiresPath(t *testing.T) {
	path := writeConfig(t, `
store:
  store-location-service: /srv/cerise/files
  store-location-client: http://localhost/files
  backend: sqlite
`)
	_, err := Load(path)
	var ce *cerrors.ConfigError
	if !cerrors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Key != "store.sqlite-path" {
		t.Errorf("key = %q", ce.Key)
	}
}
