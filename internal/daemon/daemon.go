// Package daemon wires the long-running service: the controller, the
// history store, the model-selection watcher, the maintenance
// scheduler, and the metrics endpoint.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kota-kawa/web-agent02-sub000/internal/config"
	"github.com/kota-kawa/web-agent02-sub000/internal/logger"
	"github.com/kota-kawa/web-agent02-sub000/internal/metrics"
	"github.com/kota-kawa/web-agent02-sub000/pkg/bus"
	"github.com/kota-kawa/web-agent02-sub000/pkg/controller"
	"github.com/kota-kawa/web-agent02-sub000/pkg/history"
)

// Daemon owns the service lifecycle.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger
	zlog   zerolog.Logger

	registry    *bus.Registry
	metrics     *metrics.Metrics
	store       *history.Store
	broadcaster *history.Broadcaster
	controller  *controller.Controller
	watcher     *config.SelectionWatcher
	maintenance *maintenance

	metricsServer   *http.Server
	metricsListener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// Status is a point-in-time snapshot of the service.
type Status struct {
	Running      bool          `json:"running"`
	Uptime       time.Duration `json:"uptime"`
	AgentRunning bool          `json:"agent_running"`
	AgentPaused  bool          `json:"agent_paused"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	ResumeURL    string        `json:"resume_url"`
}

// New builds the daemon and all its collaborators. Nothing starts
// until Start is called.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("daemon: logger is required")
	}

	zlog := log.With().Str("component", "daemon").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	selection, err := config.LoadSelection(cfg.Selection.Path, cfg.Selection.AgentKey)
	if err != nil {
		zlog.Warn().Err(err).Str("path", cfg.Selection.Path).Msg("model selection unavailable, using defaults")
	}

	store, err := history.NewStore(history.Config{Path: cfg.History.Path, Logger: zlog})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("daemon: opening history store: %w", err)
	}

	registry := bus.NewRegistry(nil, zlog)
	m := metrics.NewMetrics()
	broadcaster := history.NewBroadcaster()

	ctrl, err := controller.New(controller.Options{
		Config:      cfg,
		Registry:    registry,
		Metrics:     m,
		Store:       store,
		Broadcaster: broadcaster,
		Selection:   selection,
		Logger:      zlog,
	})
	if err != nil {
		_ = store.Close()
		cancel()
		return nil, fmt.Errorf("daemon: building controller: %w", err)
	}

	d := &Daemon{
		cfg:         cfg,
		logger:      log,
		zlog:        zlog,
		registry:    registry,
		metrics:     m,
		store:       store,
		broadcaster: broadcaster,
		controller:  ctrl,
		ctx:         ctx,
		cancel:      cancel,
	}
	d.maintenance = newMaintenance(d)
	return d, nil
}

// Start brings the service up: selection watcher, maintenance jobs,
// and the metrics endpoint. Idempotent start attempts return an error.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if d.cfg.Selection.Watch {
		watcher, err := config.WatchSelection(d.cfg.Selection.Path, d.cfg.Selection.AgentKey, d.zlog, d.onSelectionChange)
		if err != nil {
			d.zlog.Warn().Err(err).Msg("model selection watcher unavailable")
		} else {
			d.watcher = watcher
		}
	}

	if d.cfg.Maintenance.Enabled {
		if err := d.maintenance.start(); err != nil {
			d.zlog.Warn().Err(err).Msg("maintenance scheduler unavailable")
		}
	}

	if d.cfg.Metrics.Enabled {
		if err := d.startMetricsServer(); err != nil {
			d.zlog.Warn().Err(err).Msg("metrics endpoint unavailable")
		}
	}

	// Warm the browser session so the first task starts on the
	// configured page. Best effort; failures only log.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.controller.EnsureStartPageReady(); err != nil {
			d.zlog.Debug().Err(err).Msg("initial start page warmup failed")
		}
	}()

	d.zlog.Info().Msg("daemon started")
	return nil
}

// onSelectionChange swaps the controller's model client whenever the
// selection document changes on disk.
func (d *Daemon) onSelectionChange(sel config.ModelSelection) {
	d.zlog.Info().
		Str("provider", sel.Provider).
		Str("model", sel.Model).
		Msg("model selection changed")
	if err := d.controller.UpdateLLM(sel); err != nil {
		d.zlog.Warn().Err(err).Msg("model swap failed; previous client stays active")
	}
}

func (d *Daemon) startMetricsServer() error {
	listener, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Handler: mux}
	d.metricsServer = server
	d.metricsListener = listener

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			d.zlog.Warn().Err(serveErr).Msg("metrics server stopped")
		}
	}()

	d.zlog.Info().Str("addr", listener.Addr().String()).Msg("metrics endpoint listening")
	return nil
}

// MetricsAddr returns the bound metrics address, empty when the
// endpoint is disabled or failed to bind.
func (d *Daemon) MetricsAddr() string {
	if d.metricsListener == nil {
		return ""
	}
	return d.metricsListener.Addr().String()
}

// Controller exposes the task controller to the CLI layer.
func (d *Daemon) Controller() *controller.Controller {
	return d.controller
}

// Broadcaster exposes the history event fan-out.
func (d *Daemon) Broadcaster() *history.Broadcaster {
	return d.broadcaster
}

// Status reports the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	started := d.startTime
	d.mu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(started)
	}

	selection, err := config.LoadSelection(d.cfg.Selection.Path, d.cfg.Selection.AgentKey)
	if err != nil {
		selection = config.DefaultSelection()
	}

	return Status{
		Running:      running,
		Uptime:       uptime,
		AgentRunning: d.controller.IsRunning(),
		AgentPaused:  d.controller.IsPaused(),
		Provider:     selection.Provider,
		Model:        selection.Model,
		ResumeURL:    d.controller.ResumeURL(),
	}
}

// Stop tears the service down in reverse start order. Idempotent.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.zlog.Info().Msg("daemon stopping")

	d.maintenance.stop()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.zlog.Debug().Err(err).Msg("selection watcher stop failed")
		}
		d.watcher = nil
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.zlog.Debug().Err(err).Msg("metrics server shutdown failed")
		}
		cancel()
		d.metricsServer = nil
		d.metricsListener = nil
	}

	if err := d.controller.Shutdown(); err != nil {
		d.zlog.Debug().Err(err).Msg("controller shutdown failed")
	}

	if err := d.store.Close(); err != nil {
		d.zlog.Debug().Err(err).Msg("history store close failed")
	}

	d.cancel()
	d.wg.Wait()

	d.zlog.Info().Msg("daemon stopped")
	return nil
}

// Run starts the daemon and blocks until a termination signal.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.zlog.Info().Str("signal", sig.String()).Msg("termination signal received")
	case <-d.ctx.Done():
	}

	return d.Stop()
}
