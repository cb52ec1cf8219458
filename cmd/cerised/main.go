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

// Command cerised is the job lifecycle daemon: it loads configuration,
// wires the Job Store, Local/Remote File Managers and Remote Job Runner
// behind the Execution Manager, and serves the REST facade until signalled
// to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/arnikz/cerise/internal/api"
	"github.com/arnikz/cerise/internal/config"
	"github.com/arnikz/cerise/internal/cwl"
	"github.com/arnikz/cerise/internal/execmanager"
	"github.com/arnikz/cerise/internal/jobstore"
	"github.com/arnikz/cerise/internal/jobstore/memory"
	"github.com/arnikz/cerise/internal/jobstore/sqlite"
	"github.com/arnikz/cerise/internal/localfiles"
	"github.com/arnikz/cerise/internal/log"
	"github.com/arnikz/cerise/internal/remotefiles"
	"github.com/arnikz/cerise/internal/remotefiles/transport"
	"github.com/arnikz/cerise/internal/runner"
	"github.com/arnikz/cerise/internal/runner/scheduler"
	"github.com/arnikz/cerise/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to cerise YAML configuration file")
		listen      = flag.String("listen", "", "Override api.listen from config")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cerised %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("cerised exited with error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:    "cerised",
		ServiceVersion: version,
		Enabled:        cfg.Observability.Enabled,
	})
	if err != nil {
		return fmt.Errorf("build tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", log.Error(err))
		}
	}()

	store, closeStore, err := buildStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("build job store: %w", err)
	}
	defer closeStore()

	lfManager, err := localfiles.New(store, cwl.DefaultParser{}, localfiles.NewHTTPFetcher(), localfiles.Config{
		BasePath: cfg.Store.LocationService,
		BaseURL:  cfg.Store.LocationClient,
	})
	if err != nil {
		return fmt.Errorf("build local file manager: %w", err)
	}

	fileTransport, err := buildTransport(cfg.Files)
	if err != nil {
		return fmt.Errorf("build remote transport: %w", err)
	}
	rfManager := remotefiles.New(store, fileTransport)

	if cfg.Jobs.Scheme == "local" && cfg.Jobs.Location == "" {
		// A local deployment runs the scheduler and the file transport
		// against the same directory tree: the compute resource is the
		// service host itself.
		cfg.Jobs.Location = cfg.Files.Path
	}
	sched, err := buildScheduler(cfg.Jobs)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	apiFilesPath := cfg.Jobs.APIFilesPath
	jobRunner := runner.New(store, sched, runner.Config{
		RemoteCWLRunner:      runner.ResolveRemoteCWLRunner(cwlRunnerOrDefault(cfg.Jobs.CWLRunner), resolveUsername(cfg.Jobs), apiFilesPath),
		QueueName:            cfg.Jobs.QueueName,
		SlotsPerNode:         cfg.Jobs.SlotsPerNode,
		StatusPollsPerSecond: cfg.Jobs.StatusPollsPerSecond,
	})

	execSvc := execmanager.New(store, lfManager, rfManager, jobRunner, execmanager.Config{
		PollInterval:  time.Second,
		MaxConcurrent: 10,
		Tracer:        tracerProvider.Tracer("execmanager"),
	})

	if cfg.Jobs.InstallScriptPath != "" {
		logger.Info("running compute resource install script", "path", cfg.Jobs.InstallScriptPath)
		if err := execSvc.RunInstallScript(ctx, cfg.Jobs.InstallScriptPath, "install"); err != nil {
			return fmt.Errorf("run install script: %w", err)
		}
	}

	execSvc.Start(ctx)
	defer execSvc.Stop()

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = cfg.API.Listen
	apiCfg.Logger = logger.With(slog.String("component", "api"))
	if cfg.API.ShutdownTimeout > 0 {
		apiCfg.ShutdownTimeout = cfg.API.ShutdownTimeout
	}
	if cfg.Observability.Enabled {
		apiCfg.MetricsHandler = tracerProvider.MetricsHandler()
	}
	server := api.NewServer(execSvc, apiCfg)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	logger.Info("cerised started", "addr", server.Addr(), "version", version)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout+5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildStore(cfg config.StoreConfig) (jobstore.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		store := memory.New()
		return store, func() { store.Close() }, nil
	case "sqlite":
		store, err := sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: true})
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func buildTransport(cfg config.FilesConfig) (transport.Transport, error) {
	cred := transport.ResolveCredential(os.LookupEnv, cfg.Username, cfg.Password)
	switch cfg.Scheme {
	case "local":
		return &transport.Local{Base: cfg.Path}, nil
	case "sftp":
		host, port, err := splitHostPort(cfg.Path, 22)
		if err != nil {
			return nil, err
		}
		return transport.NewSFTP(transport.SFTPConfig{
			Host:            host,
			Port:            port,
			Base:            "/",
			Credential:      cred,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			DialTimeout:     30 * time.Second,
		}), nil
	case "webdav":
		return transport.NewWebDAV(cfg.Path, cred), nil
	default:
		return nil, fmt.Errorf("unsupported files scheme %q", cfg.Scheme)
	}
}

func buildScheduler(cfg config.JobsConfig) (scheduler.Scheduler, error) {
	switch cfg.Scheme {
	case "local":
		return scheduler.NewLocal(cfg.Location), nil
	case "ssh":
		host, port, err := splitHostPort(cfg.Location, 22)
		if err != nil {
			return nil, err
		}
		return scheduler.NewSSH(scheduler.SSHConfig{
			Host:            host,
			Port:            port,
			Credential:      resolveJobsCredential(cfg),
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			DialTimeout:     30 * time.Second,
		}), nil
	case "slurm":
		host, port, err := splitHostPort(cfg.Location, 22)
		if err != nil {
			return nil, err
		}
		return scheduler.NewSlurm(scheduler.SlurmConfig{
			SSH: scheduler.SSHConfig{
				Host:            host,
				Port:            port,
				Credential:      resolveJobsCredential(cfg),
				HostKeyCallback: ssh.InsecureIgnoreHostKey(),
				DialTimeout:     30 * time.Second,
			},
			QueueName: cfg.QueueName,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported jobs scheme %q", cfg.Scheme)
	}
}

func resolveJobsCredential(cfg config.JobsConfig) transport.Credential {
	return transport.ResolveCredential(os.LookupEnv, cfg.Username, cfg.Password)
}

func resolveUsername(cfg config.JobsConfig) string {
	cred := resolveJobsCredential(cfg)
	return cred.Username
}

func cwlRunnerOrDefault(path string) string {
	if path == "" {
		return runner.DefaultRemoteCWLRunner
	}
	return path
}

func splitHostPort(location string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(location)
	if err != nil {
		return location, defaultPort, nil
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", location, err)
	}
	return host, port, nil
}
