package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/control"
	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/logging"
	"github.com/Iron-Ham/autobuild/internal/orchestrator"
	"github.com/Iron-Ham/autobuild/internal/silo"
	"github.com/Iron-Ham/autobuild/internal/tui"
)

// stopTimeout bounds how long shutdown waits for workers to reach a phase
// boundary.
const stopTimeout = 2 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run [issue-id...]",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator in the foreground.

Issue ids given as arguments are queued first; epics expand to their open
children. A queue saved by a previous run is restored and resumed. The run
starts as soon as an eligible issue is queued; otherwise the orchestrator
stays idle and waits for 'autobuild queue add' and 'autobuild start'.

On a terminal a live monitor is shown; elsewhere the run log is printed.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("plain", false, "print the run log instead of the monitor")
	runCmd.Flags().Bool("exit-when-idle", false, "exit once the queue drains")
	runCmd.Flags().Bool("no-start", false, "serve the control socket without starting a run")
	runCmd.Flags().Duration("refresh", tui.DefaultPollInterval, "monitor refresh interval")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig()
	if err != nil {
		return err
	}
	plain, _ := cmd.Flags().GetBool("plain")
	exitWhenIdle, _ := cmd.Flags().GetBool("exit-when-idle")
	noStart, _ := cmd.Flags().GetBool("no-start")
	refresh, _ := cmd.Flags().GetDuration("refresh")

	monitor := !plain && term.IsTerminal(int(os.Stdout.Fd()))

	stateDir := cfg.Paths.ResolveStateDir(dir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	socketPath := cfg.Paths.ResolveSocketPath(dir)

	logger, err := newRunLogger(cfg, stateDir, monitor, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	if alreadyRunning(cmd.Context(), socketPath) {
		return fmt.Errorf("an orchestrator is already running on %s", socketPath)
	}

	store, closer, err := openStore(cfg, dir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	caps, warnings, err := buildCapabilities(cfg, dir, socketPath, logger)
	if err != nil {
		return fmt.Errorf("agent unavailable: %w", err)
	}
	for _, w := range warnings {
		logger.Warn("capability unavailable", "capability", w.Name, "error", w.Err)
	}

	restored, err := restoreQueue(stateDir)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg, store, caps,
		orchestrator.WithLogger(logger),
		orchestrator.WithQueue(restored),
		orchestrator.WithSilo(silo.NewOSStore(filepath.Join(stateDir, "silo"))),
		orchestrator.WithStateDir(stateDir),
	)
	if err != nil {
		return err
	}

	if !monitor {
		orch.Bus().Subscribe(event.TypeLogAppended, func(e event.Event) {
			if le, ok := e.(event.LogAppendedEvent); ok {
				printLog(cmd.OutOrStdout(), le)
			}
		})
	}

	server := control.NewServer(socketPath, control.WithServerLogger(logger))
	control.RegisterOrchestrator(server, orch)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() { _ = server.Stop() }()

	if watcher := watchConfig(orch, logger); watcher != nil {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	for _, id := range args {
		if _, err := orch.AddToQueue(ctx, id); err != nil {
			return err
		}
	}

	if !noStart {
		switch err := orch.Start(ctx); {
		case err == nil:
		case errors.Is(err, errors.ErrEmptyQueue):
			if exitWhenIdle {
				fmt.Fprintln(cmd.ErrOrStderr(), "Nothing eligible to run.")
				return nil
			}
			logger.Info("queue has no eligible issues; waiting for commands")
		default:
			return err
		}
	}

	if monitor {
		app := tui.New(tui.Local(orch), refresh)
		if err := app.Run(ctx); err != nil {
			logger.Error("monitor exited", "error", err)
		}
	} else if exitWhenIdle {
		_ = orch.Wait(ctx)
	} else {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil && !errors.Is(err, errors.ErrInvalidState) {
		return fmt.Errorf("stop: %w", err)
	}

	snap := orch.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "Completed %d issue(s); %d still queued, %d blocked.\n",
		len(snap.Completed), snap.Stats.Pending, snap.Stats.Blocked)
	return nil
}

// newRunLogger writes to the state dir when file logging is enabled. With the
// monitor on screen and no log file, structured logs are discarded.
func newRunLogger(cfg *config.Config, stateDir string, monitor bool, stderr io.Writer) (*logging.Logger, error) {
	switch {
	case cfg.Logging.Enabled:
		return logging.NewLogger(stateDir, cfg.Logging.Level)
	case monitor:
		return logging.NopLogger(), nil
	default:
		return logging.NewWriterLogger(stderr, cfg.Logging.Level), nil
	}
}

func alreadyRunning(ctx context.Context, socketPath string) bool {
	c := control.NewClient(socketPath)
	c.SetTimeout(time.Second)
	err := c.Call(ctx, control.CmdSnapshot, nil, nil)
	return err == nil
}

// watchConfig applies settings edits from the active config file while the
// orchestrator is idle.
func watchConfig(orch *orchestrator.Orchestrator, logger *logging.Logger) *config.Watcher {
	path := viper.ConfigFileUsed()
	if path == "" {
		return nil
	}
	w, err := config.NewWatcher(path, func(cfg *config.Config) {
		patch := orchestrator.PatchFrom(orch.Settings(), cfg.Settings)
		if patch.Empty() {
			return
		}
		if _, err := orch.UpdateSettings(patch); err != nil {
			logger.Warn("config change not applied", "path", path, "error", err)
			return
		}
		logger.Info("settings reloaded", "path", path)
	}, config.WithWatchErrorHandler(func(err error) {
		logger.Warn("config reload failed", "path", path, "error", err)
	}))
	if err != nil {
		logger.Warn("config watcher unavailable", "path", path, "error", err)
		return nil
	}
	return w
}

func printLog(w io.Writer, e event.LogAppendedEvent) {
	prefix := ""
	if e.IssueID != "" {
		prefix = "[" + e.IssueID + "] "
	}
	fmt.Fprintf(w, "%s %-7s %s%s\n", e.Timestamp().Format("15:04:05"), e.Level, prefix, e.Message)
}
