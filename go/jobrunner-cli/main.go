// The jobrunner-cli binary bundles the operator utilities: reading and
// setting backend flags, pausing, database maintenance mode, preparing for a
// reboot, and killing or retrying individual jobs. It works directly against
// the controller's database (and, where needed, its executor), so it must run
// with the same environment as the controller itself.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/executor/k8s"
	"go.opensafely.org/jobrunner/go/executor/local"
	"go.opensafely.org/jobrunner/go/expand"
	"go.opensafely.org/jobrunner/go/git"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/run"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/types"
)

func main() {
	app := &cli.App{
		Name:  "jobrunner-cli",
		Usage: "operator utilities for the jobrunner controller",
		Commands: []*cli.Command{
			flagsCommand(),
			pauseCommand(),
			dbMaintenanceCommand(),
			prepareForRebootCommand(),
			killJobCommand(),
			retryJobCommand(),
			addJobCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		sklog.Fatalf("%s", err)
	}
}

// env opens the shared configuration and database.
func env(ctx context.Context) (*config.Config, *db.DB, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	d, err := db.Open(ctx, cfg.DatabaseFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, d, nil
}

func backendFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "backend",
		Usage: "backend to operate on (defaults to $BACKEND)",
	}
}

func backend(c *cli.Context, cfg *config.Config) string {
	if b := c.String("backend"); b != "" {
		return b
	}
	return cfg.Backend
}

func buildExecutor(cfg *config.Config) (executor.API, error) {
	switch cfg.Executor {
	case "local":
		return local.New(cfg, &git.CLI{ReposDir: cfg.GitRepoDir, Token: cfg.PrivateRepoAccessToken}), nil
	case "kubernetes":
		client, err := k8s.NewClient(os.Getenv("KUBECONFIG"))
		if err != nil {
			return nil, err
		}
		return k8s.New(client, k8s.Config{
			Namespace: os.Getenv("K8S_NAMESPACE"),
			ToolImage: os.Getenv("K8S_TOOL_IMAGE"),
		}), nil
	default:
		return nil, skerr.Fmt("unknown executor %q (want local or kubernetes)", cfg.Executor)
	}
}

func printFlag(f *types.Flag) {
	if f == nil {
		fmt.Println("(unset)")
		return
	}
	fmt.Printf("%s=%s (backend %s)\n", f.ID, f.Value, f.Backend)
}

func flagsCommand() *cli.Command {
	return &cli.Command{
		Name:  "flags",
		Usage: "get and set backend flags",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print the given flags, or all flags",
				ArgsUsage: "[FLAG...]",
				Flags:     []cli.Flag{backendFlag()},
				Action: func(c *cli.Context) error {
					ctx := context.Background()
					cfg, d, err := env(ctx)
					if err != nil {
						return err
					}
					defer func() { _ = d.Close() }()
					b := backend(c, cfg)
					if c.NArg() == 0 {
						flags, err := d.AllFlags(ctx, b)
						if err != nil {
							return err
						}
						for _, f := range flags {
							printFlag(f)
						}
						return nil
					}
					for _, id := range c.Args().Slice() {
						f, err := d.GetFlag(ctx, b, id)
						if err != nil {
							return err
						}
						if f == nil {
							fmt.Printf("%s=(unset) (backend %s)\n", id, b)
							continue
						}
						printFlag(f)
					}
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "set flag values",
				ArgsUsage: "FLAG=VALUE [FLAG=VALUE...]",
				Flags:     []cli.Flag{backendFlag()},
				Action: func(c *cli.Context) error {
					ctx := context.Background()
					cfg, d, err := env(ctx)
					if err != nil {
						return err
					}
					defer func() { _ = d.Close() }()
					b := backend(c, cfg)
					if c.NArg() == 0 {
						return skerr.Fmt("set requires at least one FLAG=VALUE argument")
					}
					for _, arg := range c.Args().Slice() {
						id, value, found := strings.Cut(arg, "=")
						if !found {
							return skerr.Fmt("invalid argument %q, want FLAG=VALUE", arg)
						}
						f, err := d.SetFlag(ctx, b, id, value)
						if err != nil {
							return err
						}
						printFlag(f)
					}
					return nil
				},
			},
		},
	}
}

// onOffAction returns an action setting the given flag from an on/off
// argument.
func onOffAction(flagID string, mapping map[string]string) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx := context.Background()
		cfg, d, err := env(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		value, ok := mapping[c.Args().First()]
		if !ok {
			return skerr.Fmt("argument must be 'on' or 'off'")
		}
		f, err := d.SetFlag(ctx, backend(c, cfg), flagID, value)
		if err != nil {
			return err
		}
		printFlag(f)
		return nil
	}
}

func pauseCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause",
		Usage:     "pause or unpause scheduling of new jobs on the backend",
		ArgsUsage: "on|off",
		Flags:     []cli.Flag{backendFlag()},
		Action:    onOffAction("paused", map[string]string{"on": "true", "off": "false"}),
	}
}

func dbMaintenanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "db-maintenance",
		Usage:     "enter or leave manual database maintenance mode",
		ArgsUsage: "on|off",
		Flags:     []cli.Flag{backendFlag()},
		Action:    onOffAction("manual-db-maintenance", map[string]string{"on": "on", "off": "off"}),
	}
}

func prepareForRebootCommand() *cli.Command {
	return &cli.Command{
		Name:  "prepare-for-reboot",
		Usage: "kill all running jobs and reset them to PENDING so they re-run after a reboot",
		Flags: []cli.Flag{
			backendFlag(),
			&cli.BoolFlag{Name: "status", Usage: "only report whether the backend is ready to reboot"},
			&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			cfg, d, err := env(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			b := backend(c, cfg)

			pausedFlag, err := d.GetFlag(ctx, b, "paused")
			if err != nil {
				return err
			}
			paused := pausedFlag != nil && pausedFlag.Value == "true"

			active, err := d.ActiveJobs(ctx, b)
			if err != nil {
				return err
			}
			var running []*types.Job
			for _, job := range active {
				if job.State == types.StateRunning {
					running = append(running, job)
				}
			}

			if c.Bool("status") {
				cancelTasks, err := d.ActiveTasksByType(ctx, b, types.TaskCancelJob)
				if err != nil {
					return err
				}
				fmt.Printf("backend %q paused: %t\n", b, paused)
				fmt.Printf("%d job(s) running, %d job(s) being cancelled\n", len(running), len(cancelTasks))
				if len(running) == 0 && len(cancelTasks) == 0 && paused {
					fmt.Println("Safe to reboot now")
				}
				return nil
			}

			// Without the pause the controller would pick the jobs right
			// back up again before the reboot.
			if !paused {
				return skerr.Fmt("backend %q must be paused before preparing for a reboot (jobrunner-cli pause on)", b)
			}
			if !c.Bool("yes") {
				return skerr.Fmt("this kills all %d running job(s) on backend %q; re-run with --yes to confirm", len(running), b)
			}

			api, err := buildExecutor(cfg)
			if err != nil {
				return err
			}
			for _, job := range running {
				fmt.Printf("Resetting job %s to PENDING\n", job.Slug())
				if err := resetForReboot(ctx, d, job); err != nil {
					return err
				}
				fmt.Printf("Killing job %s\n", job.Slug())
				if err := teardownJob(ctx, d, cfg, api, job, b); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// resetForReboot sends a RUNNING job back to PENDING, to be picked up again
// once the backend is unpaused after the reboot.
func resetForReboot(ctx context.Context, d *db.DB, job *types.Job) error {
	t := now.Now(ctx)
	job.State = types.StatePending
	job.StatusCode = types.StatusWaitingOnReboot
	job.StatusMessage = "Job restarted - waiting for server to reboot"
	job.StartedAt = 0
	job.StatusCodeUpdatedAt = t.UnixNano()
	job.UpdatedAt = t.Unix()
	return d.UpdateJob(ctx, job)
}

// teardownJob terminates and cleans up whatever the executor holds for the
// job, closing its RUNJOB task and recording a CANCELJOB task for audit.
func teardownJob(ctx context.Context, d *db.DB, cfg *config.Config, api executor.API, job *types.Job, backend string) error {
	if task, err := d.ActiveTaskForJob(ctx, job.ID); err != nil {
		return err
	} else if task != nil {
		if err := d.FinishTask(ctx, task.ID, now.Now(ctx).Unix(), string(job.StatusCode)); err != nil {
			return err
		}
	}

	definition, err := run.Definition(ctx, d, cfg, job)
	if err != nil {
		return err
	}
	if st := api.Terminate(ctx, definition); st.State == types.ExecutorError {
		sklog.Errorf("Error terminating job %s: %s", job.ID, st.Message)
	}
	if st := api.Cleanup(ctx, definition); st.State == types.ExecutorError {
		sklog.Errorf("Error cleaning up job %s: %s", job.ID, st.Message)
	}

	t := now.Now(ctx).Unix()
	return d.InsertTask(ctx, &types.Task{
		ID:         uuid.NewString(),
		Backend:    backend,
		Type:       types.TaskCancelJob,
		JobID:      job.ID,
		CreatedAt:  t,
		FinishedAt: t,
	})
}

// findJob resolves a partial job ID to exactly one job.
func findJob(ctx context.Context, d *db.DB, partial string) (*types.Job, error) {
	jobs, err := d.JobsByPartialID(ctx, partial)
	if err != nil {
		return nil, err
	}
	switch len(jobs) {
	case 0:
		return nil, skerr.Fmt("no jobs found matching %q", partial)
	case 1:
		return jobs[0], nil
	default:
		var slugs []string
		for _, job := range jobs {
			slugs = append(slugs, "  "+job.Slug())
		}
		return nil, skerr.Fmt("multiple jobs found matching %q:\n%s\nuse a longer prefix", partial, strings.Join(slugs, "\n"))
	}
}

func killJobCommand() *cli.Command {
	return &cli.Command{
		Name:      "kill-job",
		Usage:     "kill jobs and mark them as failed by an admin",
		ArgsUsage: "JOB_ID [JOB_ID...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "cleanup", Usage: "also delete the jobs' containers and volumes"},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			cfg, d, err := env(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			if c.NArg() == 0 {
				return skerr.Fmt("kill-job requires at least one job ID (or ID prefix)")
			}
			api, err := buildExecutor(cfg)
			if err != nil {
				return err
			}
			for _, partial := range c.Args().Slice() {
				job, err := findJob(ctx, d, partial)
				if err != nil {
					return err
				}
				// A previously-killed job keeps its original timestamps.
				if job.State.Active() {
					t := now.Now(ctx)
					job.State = types.StateFailed
					job.StatusCode = types.StatusKilledByAdmin
					job.StatusMessage = "An OpenSAFELY admin manually killed this job"
					job.CompletedAt = t.Unix()
					job.StatusCodeUpdatedAt = t.UnixNano()
					job.UpdatedAt = t.Unix()
					if err := d.UpdateJob(ctx, job); err != nil {
						return err
					}
					if task, err := d.ActiveTaskForJob(ctx, job.ID); err != nil {
						return err
					} else if task != nil {
						if err := d.FinishTask(ctx, task.ID, t.Unix(), string(job.StatusCode)); err != nil {
							return err
						}
					}
				}
				definition, err := run.Definition(ctx, d, cfg, job)
				if err != nil {
					return err
				}
				if st := api.Terminate(ctx, definition); st.State == types.ExecutorError {
					sklog.Errorf("Error terminating job %s: %s", job.ID, st.Message)
				}
				if c.Bool("cleanup") {
					if st := api.Cleanup(ctx, definition); st.State == types.ExecutorError {
						sklog.Errorf("Error cleaning up job %s: %s", job.ID, st.Message)
					}
				}
				fmt.Printf("Killed job %s\n", job.Slug())
			}
			return nil
		},
	}
}

func retryJobCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry-job",
		Usage:     "retry finalization of a job which failed with an internal error",
		ArgsUsage: "JOB_ID",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			cfg, d, err := env(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			job, err := findJob(ctx, d, c.Args().First())
			if err != nil {
				return err
			}
			api, err := buildExecutor(cfg)
			if err != nil {
				return err
			}
			definition, err := run.Definition(ctx, d, cfg, job)
			if err != nil {
				return err
			}
			status, err := api.GetStatus(ctx, definition)
			if err != nil {
				return err
			}
			if status.State == types.ExecutorUnknown {
				return skerr.Fmt("cannot retry job %s, nothing left on the executor", job.ID)
			}
			t := now.Now(ctx)
			job.State = types.StateRunning
			job.StatusCode = types.StatusExecuting
			job.StatusMessage = "Re-attempting to extract outputs"
			job.CompletedAt = 0
			job.StatusCodeUpdatedAt = t.UnixNano()
			job.UpdatedAt = t.Unix()
			if err := d.UpdateJob(ctx, job); err != nil {
				return err
			}
			fmt.Printf("Reset job %s to RUNNING\n", job.Slug())
			return nil
		},
	}
}

func addJobCommand() *cli.Command {
	return &cli.Command{
		Name:      "add-job",
		Usage:     "development utility: create and expand a JobRequest without a coordination server",
		ArgsUsage: "REPO_URL ACTION [ACTION...]",
		Flags: []cli.Flag{
			backendFlag(),
			&cli.StringFlag{Name: "commit", Usage: "git commit to run (default: resolve --branch)"},
			&cli.StringFlag{Name: "branch", Value: "main", Usage: "git branch or ref when no commit supplied"},
			&cli.StringFlag{Name: "workspace", Value: "test", Usage: "workspace name"},
			&cli.StringFlag{Name: "database", Value: "dummy", Usage: "database name"},
			&cli.BoolFlag{Name: "force-run-dependencies", Usage: "re-run dependencies even when their outputs exist"},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			cfg, d, err := env(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()
			if c.NArg() < 2 {
				return skerr.Fmt("add-job requires a repo URL and at least one action")
			}
			repoURL := c.Args().First()
			gitClient := &git.CLI{ReposDir: cfg.GitRepoDir, Token: cfg.PrivateRepoAccessToken}

			commit := c.String("commit")
			if commit == "" {
				if commit, err = gitClient.ResolveRef(ctx, repoURL, c.String("branch")); err != nil {
					return err
				}
			}

			jr := &types.JobRequest{
				ID:                   uuid.NewString(),
				RepoURL:              repoURL,
				Commit:               commit,
				Branch:               c.String("branch"),
				RequestedActions:     c.Args().Slice()[1:],
				Workspace:            c.String("workspace"),
				DatabaseName:         c.String("database"),
				Backend:              backend(c, cfg),
				ForceRunDependencies: c.Bool("force-run-dependencies"),
				// A dev resubmission should always re-run, even after a
				// failure.
				ForceRunFailed: true,
				CodelistsOK:    true,
			}
			if err := expand.New(d, gitClient, cfg).CreateOrUpdateJobs(ctx, jr); err != nil {
				return err
			}
			jobs, err := d.JobsForRequest(ctx, jr.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Created %d job(s) for request %s:\n", len(jobs), jr.ID)
			for _, job := range jobs {
				fmt.Printf("  %s  %s (%s)\n", job.ID, job.Action, job.StatusCode)
			}
			return nil
		},
	}
}
