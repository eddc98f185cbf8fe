package pipeline

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WatchConfig controls the daemon mode.
type WatchConfig struct {
	SpecPath      string
	CheckInterval time.Duration
	RenewBefore   time.Duration
	ListenAddress string
}

// Watch runs the pipeline as a daemon: one full run at startup, then again
// on every check interval tick and whenever the pipeline file changes.
// Blocks until ctx is cancelled.
func (p *Pipeline) Watch(ctx context.Context, cfg WatchConfig) error {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Hour
	}

	if cfg.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
		go func() {
			level.Info(p.logger).Log("msg", "metrics listener started", "address", cfg.ListenAddress)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Error(p.logger).Log("msg", "metrics listener failed", "err", err)
			}
		}()
		defer server.Close()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "unable to create file watcher")
	}
	defer watcher.Close()

	// watch the directory, editors replace the file on save
	if err := watcher.Add(filepath.Dir(cfg.SpecPath)); err != nil {
		return errors.Wrap(err, "unable to watch pipeline file")
	}

	p.run(ctx, cfg)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.run(ctx, cfg)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(cfg.SpecPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			level.Info(p.logger).Log("msg", "pipeline file changed", "path", cfg.SpecPath)
			p.run(ctx, cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Error(p.logger).Log("msg", "file watcher error", "err", err)
		}
	}
}

// run performs one apply plus renew cycle. Failures are logged, the daemon
// keeps going.
func (p *Pipeline) run(ctx context.Context, cfg WatchConfig) {
	logger := log.With(p.logger, "run_id", uuid.NewString())
	runner := &Pipeline{
		store:   p.store,
		logger:  logger,
		http:    p.http,
		newACME: p.newACME,
		orders:  p.orders,
	}

	spec, err := LoadSpec(cfg.SpecPath)
	if err != nil {
		level.Error(logger).Log("msg", "pipeline run aborted", "err", err)
		return
	}

	level.Info(logger).Log("msg", "pipeline run started", "entries", len(spec.Certificates))
	if err := runner.Apply(ctx, spec); err != nil {
		level.Error(logger).Log("msg", "apply finished with failures", "err", err)
	}
	if err := runner.Renew(ctx, spec, cfg.RenewBefore); err != nil {
		level.Error(logger).Log("msg", "renew finished with failures", "err", err)
	}
	level.Info(logger).Log("msg", "pipeline run done")
}
