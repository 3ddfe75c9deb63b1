package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/stepflow/cache"
	"github.com/c360studio/stepflow/config"
	"github.com/c360studio/stepflow/events"
	"github.com/c360studio/stepflow/fetch"
	"github.com/c360studio/stepflow/metrics"
	"github.com/c360studio/stepflow/runner"
	"github.com/c360studio/stepflow/step"
	"github.com/c360studio/stepflow/taskgraph"
)

// eventRetention is how long the event stream keeps messages.
const eventRetention = 24 * time.Hour

// App wires the configured components together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	// NATS
	embedded  *events.EmbeddedServer
	natsConn  *nats.Conn
	publisher *events.Publisher

	// Metrics
	promRegistry *prometheus.Registry
	store        *metrics.SQLiteStore
	httpServer   *http.Server
	metricsAddr  string

	collector *metrics.Collector
	caches    *cache.Manager[any]
	runner    *runner.Runner

	stopJanitor context.CancelFunc
}

// NewApp creates a new application instance. level, when not nil, is
// updated by ApplyConfig.
func NewApp(cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		level:  level,
	}
}

// Start initializes all components. On error, anything already started is
// shut down.
func (a *App) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			a.Shutdown(5 * time.Second)
		}
	}()

	a.promRegistry = prometheus.NewRegistry()
	sinks := []metrics.Sink{metrics.NewLogSink(a.logger)}

	promSink, err := metrics.NewPrometheusSink(a.promRegistry, a.cfg.Metrics.Namespace)
	if err != nil {
		return err
	}
	sinks = append(sinks, promSink)

	if a.cfg.Metrics.AuditDB != "" {
		store, err := metrics.NewSQLiteStore(a.cfg.Metrics.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		a.store = store
		sinks = append(sinks, store)
		a.logger.Info("Recording metrics to audit store", "path", a.cfg.Metrics.AuditDB)
	}

	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	if a.publisher != nil {
		sinks = append(sinks, a.publisher)
	}

	a.collector = metrics.NewCollector(
		metrics.WithLogger(a.logger),
		metrics.WithSinks(sinks...),
		metrics.WithMaxStepsPerWorkflow(a.cfg.Metrics.MaxStepsPerWorkflow),
		metrics.WithMaxWorkflows(a.cfg.Metrics.MaxWorkflows),
	)

	if err := a.startCaches(ctx); err != nil {
		return err
	}

	exec := step.NewExecutor(
		step.WithRecorder(a.collector),
		step.WithLogger(a.logger),
		step.WithDefaults(a.cfg.Executor.StepOptions()),
	)

	ops := runner.NewRegistry()
	if err := runner.RegisterBuiltins(ops, fetch.NewFetcher(a.cfg.Fetch.FetcherConfig())); err != nil {
		return fmt.Errorf("register operations: %w", err)
	}

	opts := []runner.Option{
		runner.WithLogger(a.logger),
		runner.WithMaxParallel(a.cfg.Tasks.MaxParallel),
		runner.WithGraphOptions(
			taskgraph.WithLogger(a.logger),
			taskgraph.WithAutoRetry(a.cfg.Tasks.AutoRetry),
			taskgraph.WithRetryDelay(a.cfg.Tasks.RetryDelay),
			taskgraph.WithRetryHopDelay(a.cfg.Tasks.RetryHopDelay),
			taskgraph.WithDefaultMaxRetries(a.cfg.Tasks.DefaultMaxRetries),
		),
	}
	if a.publisher != nil {
		opts = append(opts, runner.WithListener(a.publisher.Listener()))
	}
	a.runner = runner.New(exec, a.collector, a.caches, ops, opts...)

	if a.cfg.Metrics.ListenAddr != "" {
		if err := a.serveMetrics(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if url == "" {
		if !a.cfg.NATS.Embedded {
			a.logger.Debug("Event publishing disabled")
			return nil
		}
		a.logger.Info("Starting embedded NATS server")
		srv, err := events.StartEmbedded(a.cfg.NATS.StoreDir)
		if err != nil {
			return err
		}
		a.embedded = srv
		url = srv.ClientURL()
	}

	a.logger.Info("Connecting to NATS", "url", url)
	conn, err := nats.Connect(url, nats.Name("stepflow"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.natsConn = conn
	a.publisher = events.NewPublisher(conn,
		events.WithPrefix(a.cfg.NATS.SubjectPrefix),
		events.WithLogger(a.logger))

	// Events are still published without a stream; they are just not retained.
	if _, err := events.EnsureStream(ctx, conn, a.publisher.Subjects(), eventRetention); err != nil {
		a.logger.Warn("Event stream unavailable, publishing without retention", "error", err)
	}
	return nil
}

func (a *App) startCaches(ctx context.Context) error {
	a.caches = cache.NewManager[any](a.cfg.Cache.Options(), cache.WithLogger(a.logger))
	for name := range a.cfg.Cache.Namespaces {
		opts, _ := a.cfg.Cache.NamespaceOptions(name)
		if err := a.caches.Configure(name, opts); err != nil {
			return fmt.Errorf("configure cache %s: %w", name, err)
		}
	}
	if err := a.promRegistry.Register(cache.NewStatsCollector(a.cfg.Metrics.Namespace, a.caches)); err != nil {
		return fmt.Errorf("register cache metrics: %w", err)
	}

	if a.cfg.Cache.SweepInterval > 0 {
		janitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopJanitor = cancel
		go a.caches.Run(janitorCtx, a.cfg.Cache.SweepInterval)
	}
	return nil
}

func (a *App) serveMetrics() error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Metrics.ListenAddr, err)
	}
	a.metricsAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.httpServer = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", a.metricsAddr)
	return nil
}

// MetricsAddr returns the address the metrics endpoint listens on, or "".
func (a *App) MetricsAddr() string {
	return a.metricsAddr
}

// Run executes a plan.
func (a *App) Run(ctx context.Context, plan *runner.Plan) (*runner.Report, error) {
	return a.runner.Run(ctx, plan)
}

// ApplyConfig takes the settings that can change while running from a
// reloaded config. Everything else needs a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	if a.level != nil {
		if level, err := config.ParseLevel(cfg.Log.Level); err == nil && level != a.level.Level() {
			a.level.Set(level)
			a.logger.Info("Log level changed", "level", level)
		}
	}
	if a.caches != nil && cfg.Cache.SweepInterval != a.cfg.Cache.SweepInterval {
		a.logger.Warn("Cache sweep interval change requires a restart",
			"current", a.cfg.Cache.SweepInterval,
			"configured", cfg.Cache.SweepInterval)
	}
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	if a.stopJanitor != nil {
		a.stopJanitor()
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown", "error", err)
		}
		cancel()
		a.httpServer = nil
	}

	if a.natsConn != nil {
		if err := a.natsConn.FlushTimeout(timeout); err != nil {
			a.logger.Warn("Flush NATS connection", "error", err)
		}
		a.natsConn.Close()
		a.natsConn = nil
	}

	if a.embedded != nil {
		a.embedded.Shutdown()
		a.embedded = nil
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Close audit store", "error", err)
		}
		a.store = nil
	}
}
