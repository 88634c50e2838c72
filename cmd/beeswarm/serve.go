package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/config"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history"
	historyfactory "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history/factory"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/manager"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/metrics"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/server"
)

const shutdownTimeout = 30 * time.Second

// acquireLock takes the single-instance lock without blocking.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon already running (lock held: %s)", path)
	}
	return lock, nil
}

func runServe(ctx context.Context, configPath string, flags ServeFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}
	log := cfg.Log.NewSlogger()

	lock, err := acquireLock(cfg.Server.LockFile)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("writing PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	st, err := cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	opts, err := cfg.ManagerOptions(log, st)
	if err != nil {
		return err
	}
	m, err := manager.New(cfg.Supervisor, opts...)
	if err != nil {
		return err
	}

	if reaped, err := m.RecoverOrphans(ctx); err != nil {
		log.Warn("orphan recovery failed", "error", err)
	} else if len(reaped) > 0 {
		log.Info("cleaned up dev servers from a previous run", "count", len(reaped))
	}

	// History sinks observe the bus until the manager closes it.
	sinks, err := historyfactory.NewSinks(cfg.History.DSNs)
	if err != nil {
		_ = m.Shutdown(ctx)
		return fmt.Errorf("open history sinks: %w", err)
	}
	recorded := make(chan struct{})
	rec := history.NewRecorder(sinks, history.WithLogger(log), history.WithOutput(cfg.History.IncludeOutput))
	go func() {
		defer close(recorded)
		rec.Run(context.Background(), m.Subscribe())
	}()

	var routerOpts []server.Option
	routerOpts = append(routerOpts, server.WithLogger(log))
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.Resources.Enabled {
			sampler := metrics.NewResourceSampler(cfg.Metrics.Resources)
			if err := sampler.Register(prometheus.DefaultRegisterer); err != nil {
				log.Warn("failed to register resource metrics", "error", err)
			}
			sampler.Start(ctx, m.PIDs)
			defer sampler.Stop()
			routerOpts = append(routerOpts, server.WithResources(sampler))
		}
		if cfg.Metrics.Listen != "" {
			metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", "error", err)
				}
			}()
		} else {
			routerOpts = append(routerOpts, server.WithMetricsHandler(metrics.Handler()))
		}
	}

	srv, err := server.NewServer(cfg.Server.Listen, server.NewRouter(m, cfg.Server.BasePath, routerOpts...))
	if err != nil {
		_ = m.Shutdown(ctx)
		<-recorded
		_ = rec.Close()
		return err
	}
	log.Info("beeswarm listening", "addr", srv.Addr, "base_path", cfg.Server.BasePath, "pid", os.Getpid())

	if !flags.NonBlocking {
		<-ctx.Done()
	}
	log.Info("shutting down")
	return shutdown(log, m, srv, metricsSrv, rec, recorded)
}

// shutdown stops every dev server first; closing the bus ends event streams
// so the HTTP server can drain.
func shutdown(log *slog.Logger, m *manager.Manager, srv, metricsSrv *http.Server, rec *history.Recorder, recorded <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := m.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dev servers: %w", err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	select {
	case <-recorded:
	case <-ctx.Done():
		log.Warn("history recorder did not drain")
	}
	if err := rec.Close(); err != nil {
		log.Warn("closing history sinks", "error", err)
	}
	return errors.Join(errs...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
