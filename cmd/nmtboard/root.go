package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	http_handler "nmtboard.tail/internal/adapters/handler/http"
	"nmtboard.tail/internal/config"
	"nmtboard.tail/internal/core/logger"
	"nmtboard.tail/internal/core/services"
	"nmtboard.tail/internal/core/tracing"
	"nmtboard.tail/internal/parser"
	"nmtboard.tail/internal/tailer"
)

const version = "0.1.0"

// flagValues holds the command line; only flags the user set override the
// loaded config.
type flagValues struct {
	configPath string
	logFiles   []string
	workDir    string
	stateDir   string
	runTag     string
	stepKey    string
	interval   time.Duration
	offline    bool
	resume     bool
	watch      bool
	httpAddr   string
	redisURL   string
	mqttBroker string
	dbURL      string
	influxURL  string
	debug      bool
	logFormat  string
}

var flags flagValues

var rootCmd = &cobra.Command{
	Use:   "nmtboard -f train.log [-f valid.log] [flags]",
	Short: "Tail Marian training logs and export their metrics",
	Long: `nmtboard follows the log files of a Marian NMT training run, extracts
training and validation metrics and writes them as TensorBoard event files.
The same points can be fanned out to Redis, MQTT, PostgreSQL, InfluxDB,
Prometheus and a websocket dashboard.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		flags.apply(cmd, cfg, args)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "YAML config file (also NMTBOARD_CONFIG)")
	f.StringSliceVarP(&flags.logFiles, "log-file", "f", nil, "Marian log file or glob, may be repeated")
	f.StringVarP(&flags.workDir, "work-dir", "w", config.Default().WorkDir, `TensorBoard log directory, "none" disables event files`)
	f.StringVar(&flags.stateDir, "state-dir", "", "directory for offsets and watermarks (default <work-dir>/<run-tag>)")
	f.StringVar(&flags.runTag, "run-tag", "", "run name (default derived from the first log file)")
	f.StringVar(&flags.stepKey, "step-key", config.Default().StepKey, "x axis: updates, sentences or labels")
	f.DurationVarP(&flags.interval, "interval", "u", config.Default().Interval, "polling interval, 0 reads once")
	f.BoolVar(&flags.offline, "offline", false, "read the logs once and exit")
	f.BoolVar(&flags.resume, "resume", false, "continue from the saved offsets and watermarks")
	f.BoolVar(&flags.watch, "watch", false, "poll early when the log directories change")
	f.StringVar(&flags.httpAddr, "http-addr", "", "serve health, status and metrics on this address")
	f.StringVar(&flags.redisURL, "redis-url", "", "publish points to Redis")
	f.StringVar(&flags.mqttBroker, "mqtt-broker", "", "publish points to an MQTT broker")
	f.StringVar(&flags.dbURL, "db-url", "", "store points in PostgreSQL")
	f.StringVar(&flags.influxURL, "influx-url", "", "write points to InfluxDB")
	f.BoolVar(&flags.debug, "debug", false, "debug logging")
	f.StringVar(&flags.logFormat, "log-format", "", `"text" or "json"`)
}

func (v *flagValues) apply(cmd *cobra.Command, cfg *config.Config, args []string) {
	set := cmd.Flags().Changed
	if set("log-file") || len(args) > 0 {
		cfg.LogFiles = append(append([]string(nil), v.logFiles...), args...)
	}
	if set("work-dir") {
		cfg.WorkDir = v.workDir
	}
	if set("state-dir") {
		cfg.StateDir = v.stateDir
	}
	if set("run-tag") {
		cfg.RunTag = v.runTag
	}
	if set("step-key") {
		cfg.StepKey = v.stepKey
	}
	if set("interval") {
		cfg.Interval = v.interval
	}
	if set("offline") {
		cfg.Offline = v.offline
	}
	if set("resume") {
		cfg.Resume = v.resume
	}
	if set("watch") {
		cfg.Watch = v.watch
	}
	if set("http-addr") {
		cfg.HTTPAddr = v.httpAddr
	}
	if set("redis-url") {
		cfg.RedisURL = v.redisURL
	}
	if set("mqtt-broker") {
		cfg.MQTTBroker = v.mqttBroker
	}
	if set("db-url") {
		cfg.DatabaseURL = v.dbURL
	}
	if set("influx-url") {
		cfg.InfluxURL = v.influxURL
	}
	if v.debug {
		cfg.LogLevel = slog.LevelDebug
	}
	if set("log-format") {
		cfg.LogFormat = v.logFormat
	}
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Init(cfg.LogLevel, cfg.LogFormat)

	stepKey, err := parser.ParseStepKey(cfg.StepKey)
	if err != nil {
		return err
	}
	runTag := cfg.RunTag
	if runTag == "" {
		runTag = runTagFor(cfg.LogFiles[0])
	}
	runID := uuid.NewString()
	logger.Info("Starting nmtboard", "version", version, "run_tag", runTag, "run_id", runID)

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Nothing is created or dialled when there is nothing to tail.
	sources := tailer.NewSourceSet(cfg.LogFiles, logger.Named("tailer"))
	if _, err := sources.Resolve(); err != nil {
		return err
	}

	var hub *http_handler.Hub
	if cfg.HTTPAddr != "" && cfg.EnableWebsocket {
		hub = http_handler.NewHub(runID)
		go hub.Run()
	}

	sinks, err := buildSinks(cfg, runTag, runID, hub)
	if err != nil {
		return err
	}
	if len(sinks) == 0 {
		logger.Warn("No sinks configured, points are parsed but not exported")
	}

	var wake <-chan struct{}
	if cfg.Watch && !cfg.SinglePass() {
		watcher, err := tailer.NewWatcher(sources.Dirs(), logger.Named("watcher"))
		if err != nil {
			logger.Warn("File watching disabled", "error", err)
		} else {
			defer watcher.Close()
			wake = watcher.Wake()
		}
	}

	var store *tailer.OffsetStore
	if dir := stateDir(cfg, runTag); dir != "" {
		store = tailer.NewOffsetStore(dir)
	}

	dispatcher := services.NewDispatcher(runTag, sinks, services.DispatcherOptions{
		Timeout:    cfg.SinkTimeout,
		MaxPending: cfg.MaxPending,
		Logger:     logger.Named("dispatcher"),
	})
	loop := services.NewPollLoop(sources, services.NewAccumulator(logger.Named("accumulator")), dispatcher, services.PollLoopOptions{
		RunTag:       runTag,
		RunID:        runID,
		Interval:     cfg.Interval,
		Offline:      cfg.Offline,
		StepKey:      stepKey,
		FlushRetries: cfg.FlushRetries,
		Resume:       cfg.Resume,
		Store:        store,
		Wake:         wake,
		Logger:       logger.Named("loop"),
	})

	// Side services outlive the loop until its drain has finished.
	sideCtx, cancelSide := context.WithCancel(context.Background())
	defer cancelSide()

	if !cfg.SinglePass() {
		monitor := services.NewStallMonitor(loop, cfg.StallTimeout, logger.Named("monitor"))
		go monitor.Start(sideCtx)
		go forwardAlerts(sideCtx, monitor.Alerts(), hub)
	}

	if cfg.HTTPAddr != "" {
		health := services.NewHealthService(loop, sinks, version)
		server := http_handler.NewServer(loop, health, hub)
		go func() {
			if err := server.Run(sideCtx, cfg.HTTPAddr); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	if err := loop.Run(ctx); err != nil {
		if closeErr := dispatcher.Close(context.Background()); closeErr != nil {
			logger.Warn("Failed to close sinks", "error", closeErr)
		}
		return err
	}
	st := loop.Status()
	logger.Info("nmtboard stopped", "ticks", st.Ticks, "series", st.Series)
	return nil
}

// stateDir is where offsets and watermarks live. Without a work dir and
// without an explicit state dir nothing is persisted.
func stateDir(cfg *config.Config, runTag string) string {
	if cfg.StateDir != "" {
		return cfg.StateDir
	}
	if !cfg.LocalSinkEnabled() {
		return ""
	}
	return filepath.Join(cfg.WorkDir, runTag)
}

// forwardAlerts drains stall alerts and shows them on the dashboard.
func forwardAlerts(ctx context.Context, alerts <-chan services.StallAlert, hub *http_handler.Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-alerts:
			if hub == nil {
				continue
			}
			if err := hub.Broadcast(ctx, http_handler.Message{Type: "stall", Payload: alert}); err != nil {
				logger.Debug("Failed to broadcast stall alert", "error", err)
			}
		}
	}
}
