// The jobrunner binary runs the controller for one backend: the sync loop
// polling the coordination server for job requests, and the run loop driving
// active jobs through the executor.
package main

import (
	"context"
	"os"
	"strings"

	"go.opensafely.org/jobrunner/go/cleanup"
	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/executor/k8s"
	"go.opensafely.org/jobrunner/go/executor/local"
	"go.opensafely.org/jobrunner/go/expand"
	"go.opensafely.org/jobrunner/go/git"
	"go.opensafely.org/jobrunner/go/metrics2"
	"go.opensafely.org/jobrunner/go/run"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/sync"
	"go.opensafely.org/jobrunner/go/tracing"
)

func main() {
	ctx := context.Background()

	cfg, err := config.FromEnv()
	if err != nil {
		sklog.Fatalf("Invalid configuration: %s", err)
	}

	shutdownTracing, err := tracing.Init(ctx, "jobrunner-controller", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "")
	if err != nil {
		sklog.Fatalf("Failed to initialise tracing: %s", err)
	}

	d, err := db.Open(ctx, cfg.DatabaseFile)
	if err != nil {
		sklog.Fatalf("Failed to open database %s: %s", cfg.DatabaseFile, err)
	}

	gitClient := &git.CLI{
		ReposDir: cfg.GitRepoDir,
		Token:    cfg.PrivateRepoAccessToken,
	}

	api, err := buildExecutor(cfg, gitClient)
	if err != nil {
		sklog.Fatalf("Failed to build %s executor: %s", cfg.Executor, err)
	}

	runner := run.New(d, api, cfg)
	syncer := sync.New(d, expand.New(d, gitClient, cfg), cfg)

	go metrics2.Serve(cfg.PromPort)

	cleanup.Repeat(cfg.JobLoopInterval, func(ctx context.Context) {
		if err := runner.Tick(ctx); err != nil {
			sklog.Errorf("Run loop tick failed: %s", err)
		}
	}, nil)
	cleanup.Repeat(cfg.PollInterval, func(ctx context.Context) {
		if err := syncer.Once(ctx); err != nil {
			sklog.Errorf("Sync failed: %s", err)
		}
	}, nil)
	cleanup.AtExit(func() {
		if err := d.Close(); err != nil {
			sklog.Errorf("Error closing database: %s", err)
		}
		if err := shutdownTracing(ctx); err != nil {
			sklog.Errorf("Error shutting down tracing: %s", err)
		}
	})

	sklog.Infof("Controller started for backend %s with %s executor", cfg.Backend, cfg.Executor)
	cleanup.ListenForSignals()
	select {}
}

// buildExecutor constructs the executor named by the config. Cluster settings
// for the kubernetes executor come from K8S_* environment variables.
func buildExecutor(cfg *config.Config, gitClient git.Client) (executor.API, error) {
	switch cfg.Executor {
	case "local":
		return local.New(cfg, gitClient), nil
	case "kubernetes":
		client, err := k8s.NewClient(os.Getenv("KUBECONFIG"))
		if err != nil {
			return nil, err
		}
		return k8s.New(client, k8s.Config{
			Namespace:              os.Getenv("K8S_NAMESPACE"),
			ToolImage:              os.Getenv("K8S_TOOL_IMAGE"),
			StorageClass:           os.Getenv("K8S_STORAGE_CLASS"),
			JobStorageSize:         os.Getenv("K8S_JOB_STORAGE_SIZE"),
			WorkspaceStorageSize:   os.Getenv("K8S_WORKSPACE_STORAGE_SIZE"),
			HostWhitelist:          splitHosts(os.Getenv("K8S_HOST_WHITELIST")),
			ServiceAccount:         os.Getenv("K8S_SERVICE_ACCOUNT"),
			PrivateRepoAccessToken: cfg.PrivateRepoAccessToken,
		}), nil
	default:
		sklog.Fatalf("Unknown executor %q (want local or kubernetes)", cfg.Executor)
		return nil, nil
	}
}

func splitHosts(raw string) []string {
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
