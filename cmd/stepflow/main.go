// Package main provides the stepflow binary entry point.
// Stepflow runs workflow plans: tasks with dependencies, executed with
// retries, caching, and metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/stepflow/config"
	"github.com/c360studio/stepflow/fetch"
	"github.com/c360studio/stepflow/runner"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stepflow"
)

// errTasksFailed makes the process exit non-zero after printing the report.
var errTasksFailed = errors.New("one or more tasks failed")

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

// runFlags override config values for a single run.
type runFlags struct {
	metricsAddr  string
	natsURL      string
	embeddedNATS bool
	auditDB      string
	maxParallel  int
	jsonOutput   bool
	watchConfig  bool
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow step orchestrator",
		Long: `Stepflow executes workflow plans.

A plan is a YAML file of tasks with dependencies. Runnable tasks are
executed in parallel with per-step retries, backoff and timeouts; failed
tasks are retried at the task level and failures cascade to dependents.
Results can be cached per namespace, and every step is measured.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&flags), validateCmd(&flags), versionCmd())
	return cmd
}

func runCmd(global *globalFlags) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a workflow plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), global, &flags, args[0])
		},
	}

	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&flags.natsURL, "nats-url", "", "Publish events to this NATS server")
	cmd.Flags().BoolVar(&flags.embeddedNATS, "embedded-nats", false, "Publish events to an in-process NATS server")
	cmd.Flags().StringVar(&flags.auditDB, "audit-db", "", "Record step metrics to this SQLite file")
	cmd.Flags().IntVar(&flags.maxParallel, "max-parallel", 0, "Maximum tasks running at once")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&flags.watchConfig, "watch-config", false, "Reload config files while running")
	return cmd
}

func validateCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a workflow plan without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := setupLogging(global.logLevel, "text")
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}

			ops := runner.NewRegistry()
			if err := runner.RegisterBuiltins(ops, fetch.NewFetcher(fetch.DefaultConfig())); err != nil {
				return err
			}

			if err := plan.Validate(ops); err != nil {
				return fmt.Errorf("invalid plan: %w", err)
			}
			logger.Debug("Plan validated", "path", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Plan %q is valid: %d tasks\n", plan.Workflow, len(plan.Tasks))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func runPlan(ctx context.Context, out io.Writer, global *globalFlags, flags *runFlags, planPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, level := setupLogging(global.logLevel, "text")
	loader := config.NewLoader(logger)
	cfg, err := loadConfig(loader, global, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if l, err := config.ParseLevel(cfg.Log.Level); err == nil {
		level.Set(l)
	}
	if cfg.Log.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(logger)

	plan, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app := NewApp(cfg, logger, level)
	if err := app.Start(signalCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer app.Shutdown(10 * time.Second)

	if flags.watchConfig && len(loader.Sources()) > 0 {
		watcher, err := config.NewWatcher(loader, global.configPath, 0, app.ApplyConfig)
		if err != nil {
			logger.Warn("Config watching disabled", "error", err)
		} else {
			go watcher.Run(signalCtx)
		}
	}

	logger.Info("Stepflow ready", "version", Version, "plan", planPath)
	report, runErr := app.Run(signalCtx, plan)
	if report == nil {
		return runErr
	}

	if flags.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else {
		printReport(out, report)
	}

	if runErr != nil {
		return runErr
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %s", errTasksFailed, strings.Join(failed, ", "))
	}
	return nil
}

// setupLogging returns a stderr logger whose level can change at runtime.
// An unknown level name falls back to info.
func setupLogging(levelName, format string) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	if l, err := config.ParseLevel(levelName); err == nil {
		level.Set(l)
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), level
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), level
}

// loadConfig layers config files and applies command line overrides.
func loadConfig(loader *config.Loader, global *globalFlags, flags *runFlags) (*config.Config, error) {
	cfg, err := loader.Load(global.configPath)
	if err != nil {
		return nil, err
	}

	cfg.Merge(&config.Config{
		Log: config.LogConfig{Level: global.logLevel},
		Tasks: config.TasksConfig{
			MaxParallel: flags.maxParallel,
		},
		Metrics: config.MetricsConfig{
			ListenAddr: flags.metricsAddr,
			AuditDB:    flags.auditDB,
		},
		NATS: config.NATSConfig{
			URL:      flags.natsURL,
			Embedded: flags.embeddedNATS,
		},
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadPlan reads a plan file, expanding environment variables first.
func loadPlan(path string) (*runner.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	plan, err := runner.ParsePlan([]byte(expandEnvWithDefaults(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// expandEnvWithDefaults expands $VAR, ${VAR} and ${VAR:-default}. The
// default applies when VAR is unset or empty.
func expandEnvWithDefaults(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasDefault {
			return v
		}
		return def
	})
}

func printReport(w io.Writer, report *runner.Report) {
	fmt.Fprintf(w, "Workflow %s\n\n", report.WorkflowID)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tRUNS\tATTEMPTS\tDURATION\tCACHED\tERROR")
	for _, t := range report.Tasks {
		res := report.Results[t.ID]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%t\t%s\n",
			t.ID, t.Status, res.Runs, res.Attempts, res.Duration.Round(time.Millisecond), res.Cached, t.ErrorMessage)
	}
	_ = tw.Flush()

	s := report.Summary
	fmt.Fprintf(w, "\nSteps: %d (%d ok, %d failed), attempts: %d, duration: %s\n",
		s.StepCount, s.Successful, s.Failed, s.TotalAttempts, s.TotalDuration.Round(time.Millisecond))
}
