package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/octavio/internal/auditlog"
	"github.com/roach88/octavio/internal/config"
	"github.com/roach88/octavio/internal/ingest"
	"github.com/roach88/octavio/internal/merge"
	"github.com/roach88/octavio/internal/metrics"
	"github.com/roach88/octavio/internal/objstore"
	"github.com/roach88/octavio/internal/registry"
	"github.com/roach88/octavio/internal/session"
)

// app is the service wired from a config: one object store, the optional
// session registry, and the ingest service over them.
type app struct {
	cfg      config.Config
	gatherer *prometheus.Registry
	metrics  *metrics.Metrics
	store    objstore.Store
	registry *registry.Registry
	sessions *session.Manager
	merger   *merge.Engine
	log      *auditlog.Writer
	svc      *ingest.Service
	closers  []func() error
}

// loadConfig reads --config and installs logging at the configured level.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
		}
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	setupLogging(opts, cfg.SlogLevel())
	return cfg, nil
}

// openApp wires the service. The registry is opened only when withRegistry
// is set; commands that only touch the object store skip it.
func openApp(ctx context.Context, cfg config.Config, withRegistry bool) (*app, error) {
	a := &app{cfg: cfg, gatherer: prometheus.NewRegistry()}
	a.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.gatherer)

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open object store", err)
	}
	a.store = objstore.Instrument(store, cfg.Store.Backend, a.metrics.StoreHistogram())

	if withRegistry && cfg.Registry.Path != "" {
		slog.Info("opening registry", "path", cfg.Registry.Path)
		reg, err := registry.Open(cfg.Registry.Path)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open registry", err)
		}
		a.registry = reg
		a.closers = append(a.closers, reg.Close)
	}

	layout := session.Layout{Prefix: cfg.KeyPrefix}
	a.sessions = session.NewManager(a.store, layout)
	a.merger = merge.New(a.store, a.sessions,
		merge.WithWindow(cfg.Merge.BoundaryWindow),
		merge.WithReclaimParallelism(cfg.Merge.ReclaimParallelism),
		merge.WithMetrics(a.metrics),
	)
	a.log = auditlog.NewWriter(a.store, layout, a.metrics)

	deps := ingest.Deps{
		Store:    a.store,
		Sessions: a.sessions,
		Merger:   a.merger,
		Log:      a.log,
		Metrics:  a.metrics,
	}
	if a.registry != nil {
		deps.Registry = a.registry
	}
	svcOpts := []ingest.Option{ingest.WithMergeAttempts(cfg.Merge.Attempts)}
	if cfg.Merge.Eager {
		svcOpts = append(svcOpts, ingest.WithEagerMerge(cfg.Merge.Timeout))
	}
	a.svc = ingest.New(deps, svcOpts...)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (objstore.Store, error) {
	switch backend := a.cfg.Store.Backend; backend {
	case config.BackendMemory:
		slog.Warn("using in-memory object store; data is lost on exit")
		return objstore.NewMemory(), nil
	case config.BackendSQLite:
		slog.Info("opening object store", "backend", backend, "path", a.cfg.Store.SQLite.Path)
		s, err := objstore.OpenSQLite(a.cfg.Store.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendS3:
		c := a.cfg.Store.S3
		slog.Info("opening object store", "backend", backend, "endpoint", c.Endpoint, "bucket", c.Bucket)
		s, err := objstore.NewS3(objstore.S3Config{
			Endpoint: c.Endpoint,
			Bucket:   c.Bucket,
			Region:   c.Region,
			UseSSL:   c.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := s.CheckBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Close waits for background merges and releases the backends.
func (a *app) Close() {
	if a.svc != nil {
		a.svc.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("error closing backend", "error", err)
		}
	}
	a.closers = nil
}

// sessionArgs normalises <instrument_id> <session_id> arguments.
func sessionArgs(args []string) (session.ID, error) {
	id, err := session.ID{InstrumentID: args[0], SessionID: args[1]}.Normalize()
	if err != nil {
		return session.ID{}, WrapExitError(ExitCommandError, "invalid session", err)
	}
	return id, nil
}
