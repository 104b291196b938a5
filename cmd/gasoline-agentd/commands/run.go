package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brennhill/gasoline-coordinator/internal/authz"
	"github.com/brennhill/gasoline-coordinator/internal/batch"
	"github.com/brennhill/gasoline-coordinator/internal/bridge"
	"github.com/brennhill/gasoline-coordinator/internal/config"
	"github.com/brennhill/gasoline-coordinator/internal/corectx"
	"github.com/brennhill/gasoline-coordinator/internal/dedupe"
	"github.com/brennhill/gasoline-coordinator/internal/dispatch"
	"github.com/brennhill/gasoline-coordinator/internal/domaction"
	"github.com/brennhill/gasoline-coordinator/internal/errs"
	"github.com/brennhill/gasoline-coordinator/internal/fsm"
	"github.com/brennhill/gasoline-coordinator/internal/governor"
	"github.com/brennhill/gasoline-coordinator/internal/lifecycle"
	"github.com/brennhill/gasoline-coordinator/internal/logging"
	"github.com/brennhill/gasoline-coordinator/internal/metrics"
	"github.com/brennhill/gasoline-coordinator/internal/snapshot"
	"github.com/brennhill/gasoline-coordinator/internal/sourcemap"
	"github.com/brennhill/gasoline-coordinator/internal/storage"
	"github.com/brennhill/gasoline-coordinator/internal/sync"
	"github.com/brennhill/gasoline-coordinator/internal/telemetry"
	"github.com/brennhill/gasoline-coordinator/internal/version"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

// RunCmd starts the coordinator daemon: the sync long-poll loop, the
// command dispatcher, the event/lifecycle tickers, and a small HTTP
// surface for /health and /metrics.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gasoline-agentd coordinator daemon",
	Long:  `Run the long-poll sync loop against the control server, dispatch incoming commands, and serve /health and /metrics.`,
	RunE:  runDaemon,
}

var (
	runConfigPath string
	runAddr       string
)

func init() {
	RunCmd.Flags().StringVar(&runConfigPath, "config", "", "config file path (defaults to the platform state dir)")
	RunCmd.Flags().StringVar(&runAddr, "addr", "127.0.0.1:7532", "address for /health and /metrics")
}

// urlSettings backs both corectx.ServerURLSource and the settings/status
// sinks consulted by the sync client; it is the composition root's only
// concrete implementation of those narrow interfaces.
type urlSettings struct {
	serverURL string
	logger    logging.Logger
}

func (u *urlSettings) ServerURL() string { return u.serverURL }

func (u *urlSettings) OnConnectionStatus(ctx context.Context, connected bool, detail string) {
	u.logger.InfoCtx(ctx, "connection status changed", "connected", connected, "detail", detail)
}

func (u *urlSettings) OnDebugLog(ctx context.Context, level, message string, data map[string]any) {
	u.logger.DebugCtx(ctx, "extension debug log", "level", level, "message", message, "data", data)
}

// capacitySink adapts the memory governor to corectx.CapacitySource.
type capacitySink struct{ gov *governor.MemoryGovernor }

func (c capacitySink) ReducedCapacities() bool   { return c.gov.ReducedCapacities() }
func (c capacitySink) NetworkBodyDisabled() bool { return c.gov.NetworkBodyDisabled() }

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return errs.Wrap(err, "loading configuration")
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := logging.NewJSON(level)

	storePath, err := storage.DefaultStoreFile()
	if err != nil {
		return errs.Wrap(err, "resolving storage path")
	}
	store, err := storage.Open(storePath)
	if err != nil {
		return errs.Wrap(err, "opening state store")
	}

	dedup := dedupe.New()
	gov := governor.NewMemoryGovernor()

	machine := fsm.New()
	machine.OnChange(func(old, next fsm.State, event fsm.Event) {
		logger.InfoCtx(context.Background(), "connection state transition",
			"event", string(event), "server", string(next.Server), "circuit", string(next.Circuit))
	})

	gate := authz.New(store)
	gate.OnPilotChange = func(enabled bool) {
		if enabled {
			machine.Transition(fsm.EventPilotEnabled)
		} else {
			machine.Transition(fsm.EventPilotDisabled)
		}
	}
	gate.OnTrackingChange = func(tracked bool) {
		if tracked {
			machine.Transition(fsm.EventTrackingEnabled)
		} else {
			machine.Transition(fsm.EventTrackingDisabled)
		}
	}
	gate.Init()
	defer gate.Close()

	reg := metrics.New()

	us := &urlSettings{serverURL: cfg.Server.URL, logger: logger}
	core := &corectx.Context{
		URLSource:  us,
		StatusSink: us,
		DebugSink:  us,
		Capacity:   capacitySink{gov: gov},
	}

	logsBreaker := newLogsBreaker(cfg, reg, machine, logger)
	httpClient := &http.Client{Timeout: sourcemap.FetchTimeout}
	logsBatcher := batch.New(batch.Options[telemetry.Entry]{
		DebounceMs:   cfg.Batch.DebounceMs,
		MaxBatchSize: cfg.Batch.MaxBatchSize,
		RetryBudget:  cfg.Batch.RetryBudget,
		Breaker:      logsBreaker,
		Capacity:     capacitySink{gov: gov},
		Send:         sendLogs(httpClient, cfg.Server.URL, reg),
	})
	capture := newCapturePipeline(dedup, logsBatcher, reg, logger)

	snapStore := snapshot.New(store)

	domEngine := domaction.New(bridge.Unattached{})
	bridgeStub := bridge.Unattached{}

	disp := &dispatch.Dispatcher{
		Authz:         gate,
		Tabs:          bridgeStub,
		ContentScript: bridgeStub,
		DOM:           domEngine,
		Nav:           bridgeStub,
		Snapshots:     snapStore,
	}

	verInfo := version.Get()

	var syncClient *sync.Client
	syncClient = sync.New(sync.Options{
		ExtensionVer: "unknown",
		OurVersion:   verInfo.MajorMinor(),
		Settings: func() wire.SyncSettings {
			tracked := gate.Tracked()
			s := wire.SyncSettings{PilotEnabled: gate.PilotEnabled()}
			if tracked != nil {
				s.TrackingEnabled = true
				s.TrackedTabID = tracked.TabID
				s.TrackedTabURL = tracked.URL
				s.TrackedTabTitle = tracked.Title
			}
			return s
		},
		OnCommand: func(ctx context.Context, cmd wire.Command) {
			machine.Transition(fsm.EventCommandProcessing)
			result := disp.Dispatch(ctx, cmd)
			if result.Status == "error" {
				logger.WarnCtx(ctx, "command failed", "id", result.ID, "error", result.Error)
			}
			if result.Status == "error" && strings.HasPrefix(result.Error, dispatch.KindTimeout+":") {
				machine.Transition(fsm.EventCommandTimeout)
			} else {
				machine.Transition(fsm.EventCommandCompleted)
			}
			syncClient.QueueCommandResult(ctx, result)
		},
		OnVersionMismatch: func(ours, theirs string) {
			logger.WarnCtx(context.Background(), "server version mismatch", "ours", ours, "theirs", theirs)
		},
		OnRoundtrip: func(success bool) {
			if success {
				reg.SyncRoundtrips.Inc()
			} else {
				reg.SyncFailures.Inc()
			}
		},
		Machine: machine,
		Core:    core,
		Logger:  logger,
	})

	glue := &lifecycle.Glue{
		Authz:    gate,
		Dedup:    dedup,
		Governor: gov,
		Store:    store,
		Logger:   logger,
		Reconnect: func(ctx context.Context) {
			if !syncClient.Connected() {
				syncClient.Flush(ctx)
			}
		},
		OnFlushed: func(ctx context.Context, entries []telemetry.Entry) {
			logger.DebugCtx(ctx, "error groups flushed", "count", len(entries))
			for _, e := range entries {
				logsBatcher.Enqueue(ctx, e)
			}
			reg.DedupeGroups.Set(float64(dedup.Len()))
		},
		OnMemoryPressure: func(state governor.State) {
			reg.MemoryPressure.Set(float64(state.Level))
		},
		Counts: func() governor.Counts {
			return governor.Counts{LogEntries: dedup.Len()}
		},
		Tabs: bridgeStub,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "shutdown signal received")
		syncClient.Stop()
		cancel()
	}()

	if restarted, err := glue.CheckStateVersion(verInfo.Version); err != nil {
		logger.WarnCtx(ctx, "failed to check state version marker", "error", err.Error())
	} else if restarted {
		logger.WarnCtx(ctx, "coordinator restarted since last run, ephemeral state was reset")
	}
	if err := glue.RecoverOnStartup(ctx); err != nil {
		logger.WarnCtx(ctx, "startup tab-tracking recovery failed", "error", err.Error())
	}

	go glue.Run(ctx)
	go syncClient.Run(ctx)

	logFile, _ := storage.DefaultLogFile()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, syncClient.Connected(), verInfo.Version, logFile, dedup.Len())
	})
	mux.Handle("/metrics", reg.Handler())
	mux.Handle("/capture", capture)

	srv := &http.Server{Addr: runAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.InfoCtx(ctx, "gasoline-agentd started", "addr", runAddr, "server_url", cfg.Server.URL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errs.Wrap(err, "http server")
	}
	return nil
}

func writeHealth(w http.ResponseWriter, connected bool, ver, logFile string, trackedGroups int) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if !connected {
		status = http.StatusServiceUnavailable
	}
	var size int64
	if info, err := os.Stat(logFile); err == nil {
		size = info.Size()
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(wire.HealthResponse{
		Connected: connected,
		Version:   ver,
		Logs: wire.HealthLogs{
			LogFile:     logFile,
			LogFileSize: size,
			Entries:     trackedGroups,
			MaxEntries:  dedupe.MaxTrackedErrors,
		},
	})
}
