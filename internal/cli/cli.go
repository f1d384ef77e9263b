package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ignatij/gobuild/internal/config"
	internal_http "github.com/ignatij/gobuild/internal/http"
	"github.com/ignatij/gobuild/internal/log"
	internal_service "github.com/ignatij/gobuild/internal/service"
	internal_storage "github.com/ignatij/gobuild/internal/storage"
	"github.com/ignatij/gobuild/pkg/artifact"
	"github.com/ignatij/gobuild/pkg/graph"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/service"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/ignatij/gobuild/pkg/transform"
	"github.com/ignatij/gobuild/pkg/watch"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// Exit codes returned by the gobuild binary.
const (
	ExitOK           = 0
	ExitBuildFailure = 1
	ExitConfigError  = 2
	ExitCycle        = 3
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return classify(err)
}

func classify(err error) int {
	var graphErr *graph.Error
	switch {
	case errors.Is(err, graph.ErrCycleDetected):
		return ExitCycle
	case errors.Is(err, config.ErrInvalidConfig), errors.As(err, &graphErr):
		return ExitConfigError
	default:
		return ExitBuildFailure
	}
}

func fail(err error) error {
	return &ExitError{Code: classify(err), Message: err.Error()}
}

// SetupCLI registers the global flags and the gobuild commands on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()
	flags.StringP("file", "f", "", "Build file (default: gobuild.yaml, gobuild.yml or gobuild.hcl in the working directory)")
	flags.Int("workers", 0, "Maximum concurrently running tasks (default: number of CPUs)")
	flags.Duration("debounce", watch.DefaultDebounce, "Quiet period before watch mode rebuilds")
	flags.String("state-file", storage.DefaultStateFile, "JSON file keeping run history and task records")
	flags.String("db", "", "Postgres connection string; replaces the state file")
	flags.String("status-addr", "", "Serve the status API on this address in watch mode (e.g. :8080)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Int("history", storage.DefaultRetention, "Number of runs kept in the history (0 keeps all)")

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	runCmd := &cobra.Command{
		Use:   "run [tasks...]",
		Short: "Bring the given tasks (default: all) up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl := service.NewController(p.scheduler, log.GetLogger())
			run, err := ctrl.Build(ctx, p.targets(args))
			if err != nil {
				return fail(err)
			}
			printRun(cmd.OutOrStdout(), run)
			if run.Status != models.SucceededRunStatus {
				msg := fmt.Sprintf("run %s", run.Status)
				if runErr := run.Err(); runErr != nil {
					msg = fmt.Sprintf("run %s: %v", run.Status, runErr)
				}
				return &ExitError{Code: ExitBuildFailure, Message: msg}
			}
			return nil
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch [tasks...]",
		Short: "Build the given tasks (default: all), then rebuild them as their inputs change",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			targets := p.targets(args)
			closure, err := p.graph.Closure(targets)
			if err != nil {
				return fail(err)
			}
			var tasks []*models.Task
			for _, name := range closure.Sorted() {
				task, _ := p.graph.Task(name)
				tasks = append(tasks, task)
			}
			// outputs of every task, not only the watched ones, and the state file
			ignore := []string{filepath.Dir(p.cfg.StateFile)}
			for _, name := range p.graph.Names() {
				task, _ := p.graph.Task(name)
				ignore = append(ignore, task.Output)
			}
			watcher, err := watch.NewWatcher(p.cfg.Root, watch.Subscriptions(tasks), log.GetLogger(),
				watch.WithDebounce(p.cfg.Debounce), watch.WithIgnore(ignore...))
			if err != nil {
				return fail(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			ctrl := service.NewController(p.scheduler, log.GetLogger(), service.WithReporter(func(run *models.Run) {
				printRun(out, run)
			}))
			if p.cfg.StatusAddr != "" {
				go func() {
					if err := internal_http.StartServer(ctx, p.cfg.StatusAddr, p.store, func() string { return ctrl.State().String() }); err != nil {
						log.GetLogger().Errorf("Status server stopped: %v", err)
					}
				}()
			}

			log.GetLogger().Infof("Watching %d patterns for %v", len(watch.Subscriptions(tasks)), targets)
			if err := ctrl.Watch(ctx, targets, watcher); err != nil {
				return fail(err)
			}
			fmt.Fprintln(out, "Stopped watching")
			return nil
		},
	}

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the declared tasks in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer p.Close()
			printTasks(cmd.OutOrStdout(), p.graph)
			return nil
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			svc := internal_service.NewHistoryService(p.store)
			if len(args) == 1 {
				run, err := svc.GetRun(args[0])
				if err != nil {
					return &ExitError{Code: ExitBuildFailure, Message: fmt.Sprintf("run %s: %v", args[0], err)}
				}
				printRun(cmd.OutOrStdout(), &run)
				return nil
			}

			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			runs, err := svc.ListRuns(limit)
			if err != nil {
				return &ExitError{Code: ExitBuildFailure, Message: err.Error()}
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	historyCmd.Flags().Int("limit", 20, "Number of runs to list")

	rootCmd.AddCommand(runCmd, watchCmd, tasksCmd, historyCmd)
}

// project is a loaded build file with everything needed to run it.
type project struct {
	cfg       *config.Config
	graph     *graph.Graph
	store     storage.Store
	scheduler *service.Scheduler
}

// openProject loads the build file and changes into its directory, which
// task paths and exec commands are relative to.
func openProject(cmd *cobra.Command) (*project, error) {
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(file, cmd.Flags())
	if err != nil {
		return nil, fail(err)
	}
	if cfg.LogLevel != "" {
		if err := log.SetLevel(cfg.LogLevel); err != nil {
			return nil, &ExitError{Code: ExitConfigError, Message: err.Error()}
		}
	}
	if err := os.Chdir(cfg.Root); err != nil {
		return nil, errors.Wrapf(err, "entering %s", cfg.Root)
	}
	log.GetLogger().Debugf("Loaded %s with %d tasks", cfg.File, len(cfg.Tasks))

	fs := afero.NewOsFs()
	g, err := cfg.BuildGraph(transform.DefaultRegistry(fs))
	if err != nil {
		return nil, fail(err)
	}
	store, err := internal_storage.InitStore(cfg.Database, fs, cfg.StateFile, cfg.History)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		return nil, &ExitError{Code: ExitBuildFailure, Message: err.Error()}
	}

	runs := service.NewRunService(store, log.GetLogger())
	scheduler := service.NewScheduler(g, artifact.NewStore(fs), runs, log.GetLogger(), service.WithWorkers(cfg.Workers))
	return &project{cfg: cfg, graph: g, store: store, scheduler: scheduler}, nil
}

func (p *project) targets(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return p.graph.Names()
}

func (p *project) Close() {
	if err := p.store.Close(); err != nil {
		log.GetLogger().Warnf("Failed to close store: %v", err)
	}
}

// Execute runs rootCmd and returns the process exit code.
func Execute(ctx context.Context, rootCmd *cobra.Command) int {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return ExitCode(err)
}
