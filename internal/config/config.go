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

// Package config loads cerise's YAML configuration file, applying
// environment variable overrides and validating the canonical set of
// keys the rest of the service depends on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// Config is the complete cerise configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	API           APIConfig           `yaml:"api"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Files         FilesConfig         `yaml:"files"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures structured logging, matching internal/log's
// Config shape.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ObservabilityConfig controls the OpenTelemetry tracer/meter provider
// internal/tracing installs. Disabled by default so a bare `cerised`
// invocation never tries to bind a metrics endpoint an operator didn't
// ask for.
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JobsConfig configures the compute resource jobs are submitted to,
// named after the xenon_config['jobs'] section of the original
// implementation.
type JobsConfig struct {
	// Scheme selects the scheduler adapter: "local", "ssh" or "slurm".
	Scheme string `yaml:"scheme"`
	// Location is the scheme-specific connection target, e.g. "host:port"
	// for ssh/slurm, ignored for local.
	Location string `yaml:"location"`
	// Username/Password are the default compute resource credentials;
	// CERISE_USERNAME/CERISE_PASSWORD override them at runtime.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	// QueueName is the SLURM partition to submit to. Ignored for
	// scheme != "slurm".
	QueueName string `yaml:"queue-name,omitempty"`
	// SlotsPerNode is the number of MPI slots requested per node.
	SlotsPerNode int `yaml:"slots-per-node,omitempty"`
	// CWLRunner is the remote path to the CWL runner executable, with
	// $CERISE_USERNAME/$CERISE_API_FILES placeholders.
	CWLRunner string `yaml:"cwl-runner,omitempty"`
	// APIFilesPath is the remote path the cwl-runner placeholder
	// $CERISE_API_FILES expands to.
	APIFilesPath string `yaml:"api-files-path,omitempty"`
	// InstallScriptPath, if set, is run once against the compute
	// resource before the scheduler accepts job submissions.
	InstallScriptPath string `yaml:"install-script-path,omitempty"`
	// StatusPollsPerSecond caps scheduler status polling across all
	// jobs; 0 (the default) disables the limiter.
	StatusPollsPerSecond float64 `yaml:"status-polls-per-second,omitempty"`
}

// FilesConfig configures the remote file transport used to stage and
// destage job files.
type FilesConfig struct {
	// Scheme selects the transport adapter: "local", "sftp" or "webdav".
	Scheme string `yaml:"scheme"`
	Path   string `yaml:"path"`
	// Username/Password are the default file-transport credentials;
	// CERISE_FILES_USERNAME/CERISE_FILES_PASSWORD override them.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// StoreConfig configures the Local File Manager's output area: where
// published output files are written (store-location-service) and the
// externally reachable URL prefix clients use to fetch them
// (store-location-client). These are the canonical keys; legacy names
// in a config file are rejected by Load rather than silently accepted.
type StoreConfig struct {
	LocationService string `yaml:"store-location-service"`
	LocationClient  string `yaml:"store-location-client"`
	// Backend selects the Job Store backend: "sqlite" or "memory".
	Backend string `yaml:"backend"`
	// SQLitePath is the database file path, used when Backend is "sqlite".
	SQLitePath string `yaml:"sqlite-path,omitempty"`
}

// rejectedStoreKeys lists prior/competing key names for the local
// output directory that must not silently work: spec.md Open Question
// 1 resolves store-location-service/store-location-client as the only
// spellings, so a config carrying one of these is almost certainly a
// typo'd reference to documentation or code from before the rename.
var rejectedStoreKeys = []string{"local-base-path", "file-store-path", "file-store-location"}

// Default returns a Config with cerise's built-in defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		API: APIConfig{Listen: ":29593", ShutdownTimeout: 30 * time.Second},
		Jobs: JobsConfig{
			Scheme:       "local",
			SlotsPerNode: 1,
			CWLRunner:    "$CERISE_API_FILES/cerise/cwltiny.py",
		},
		Files: FilesConfig{Scheme: "local"},
		Store: StoreConfig{Backend: "sqlite"},
	}
}

// Load reads configPath (if non-empty) over the defaults, then applies
// environment variable overrides, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return &cerrors.ConfigError{Reason: "failed to resolve home directory", Cause: err}
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &cerrors.ConfigError{Reason: fmt.Sprintf("failed to read config file %s", path), Cause: err}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &cerrors.ConfigError{Reason: "failed to parse YAML", Cause: err}
	}
	return checkLegacyStoreKeys(data)
}

// checkLegacyStoreKeys rejects any of the pre-rename store key spellings
// appearing under the store: section, rather than silently ignoring
// them the way an ordinary yaml.Unmarshal into a known struct would.
func checkLegacyStoreKeys(data []byte) error {
	var raw struct {
		Store map[string]any `yaml:"store"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for _, key := range rejectedStoreKeys {
		if _, present := raw.Store[key]; present {
			return &cerrors.ConfigError{Key: key, Reason: "legacy key name; use store-location-service/store-location-client instead"}
		}
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("CERISE_LISTEN"); val != "" {
		c.API.Listen = val
	}
	if val := os.Getenv("CERISE_USERNAME"); val != "" {
		c.Jobs.Username = val
	}
	if val := os.Getenv("CERISE_PASSWORD"); val != "" {
		c.Jobs.Password = val
	}
	if val := os.Getenv("CERISE_FILES_USERNAME"); val != "" {
		c.Files.Username = val
	}
	if val := os.Getenv("CERISE_FILES_PASSWORD"); val != "" {
		c.Files.Password = val
	}
	if val := os.Getenv("CERISE_STORE_LOCATION_SERVICE"); val != "" {
		c.Store.LocationService = val
	}
	if val := os.Getenv("CERISE_STORE_LOCATION_CLIENT"); val != "" {
		c.Store.LocationClient = val
	}
	if val := os.Getenv("CERISE_SLOTS_PER_NODE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Jobs.SlotsPerNode = n
		}
	}
}

// Validate checks invariants Load alone cannot: required fields, scheme
// and backend membership, the sqlite path and a positive slots-per-node.
// Legacy store keys are rejected earlier, while Load reads the file.
func (c *Config) Validate() error {
	if c.Store.LocationService == "" {
		return &cerrors.ConfigError{Key: "store-location-service", Reason: "must be set"}
	}
	if c.Store.LocationClient == "" {
		return &cerrors.ConfigError{Key: "store-location-client", Reason: "must be set"}
	}
	switch c.Jobs.Scheme {
	case "local", "ssh", "slurm":
	default:
		return &cerrors.ConfigError{Key: "jobs.scheme", Reason: fmt.Sprintf("unsupported scheme %q", c.Jobs.Scheme)}
	}
	switch c.Files.Scheme {
	case "local", "sftp", "webdav":
	default:
		return &cerrors.ConfigError{Key: "files.scheme", Reason: fmt.Sprintf("unsupported scheme %q", c.Files.Scheme)}
	}
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return &cerrors.ConfigError{Key: "store.backend", Reason: fmt.Sprintf("unsupported backend %q", c.Store.Backend)}
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return &cerrors.ConfigError{Key: "store.sqlite-path", Reason: "required when store.backend is sqlite"}
	}
	if c.Jobs.SlotsPerNode <= 0 {
		return &cerrors.ConfigError{Key: "jobs.slots-per-node", Reason: "must be positive"}
	}
	return nil
}
