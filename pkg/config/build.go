package config

import (
	"fmt"

	"github.com/nomad-lab/nomad-core/pkg/api/auth"
	"github.com/nomad-lab/nomad-core/pkg/bundle"
	"github.com/nomad-lab/nomad-core/pkg/controller"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/match"
	"github.com/nomad-lab/nomad-core/pkg/metrics"
	"github.com/nomad-lab/nomad-core/pkg/metrics/prometheus"
	"github.com/nomad-lab/nomad-core/pkg/process"
	"github.com/nomad-lab/nomad-core/pkg/queue"
	"github.com/nomad-lab/nomad-core/pkg/search"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// Core bundles the assembled services of one deployment.
type Core struct {
	State      store.Store
	Files      *files.Store
	Queue      *queue.Queue
	Registry   *match.Registry
	Gateway    search.Gateway
	Scheduler  *process.Scheduler
	Controller *controller.Controller
	Auth       *auth.Service
}

// BuildCore assembles the processing core from the configuration: state
// store, file store, queue, parser registry, scheduler and controller.
// The scheduler is not started; callers own the lifecycle.
func BuildCore(cfg *Config) (*Core, error) {
	state, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	fstore := files.NewStore(cfg.Files)

	q, err := queue.New(cfg.Queue)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	registry, err := match.NewRegistry(match.BuiltinParsers()...)
	if err != nil {
		q.Close()
		state.Close()
		return nil, fmt.Errorf("failed to build parser registry: %w", err)
	}

	gateway := search.NewMemory()
	scheduler := process.NewScheduler(state, fstore, q, registry, gateway, cfg.Process)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		scheduler.SetMetrics(prometheus.NewProcessingMetrics())
	}

	source := bundle.SourceInfo{
		Version:      process.Version,
		Commit:       process.Commit,
		Deployment:   cfg.Deployment.Name,
		DeploymentID: cfg.Deployment.ID,
	}
	exporter := bundle.NewExporter(fstore, source)
	importer := bundle.NewImporter(state, fstore, cfg.BundleImport, source)

	ctrl := controller.New(state, fstore, scheduler, gateway, exporter, importer, cfg.Uploads)

	core := &Core{
		State:      state,
		Files:      fstore,
		Queue:      q,
		Registry:   registry,
		Gateway:    gateway,
		Scheduler:  scheduler,
		Controller: ctrl,
	}

	if cfg.API.IsEnabled() && cfg.API.Auth.Secret != "" {
		core.Auth, err = auth.NewService(cfg.API.Auth)
		if err != nil {
			core.Close()
			return nil, fmt.Errorf("failed to build auth service: %w", err)
		}
	}

	return core, nil
}

// Close releases the core's resources. The scheduler must be stopped
// first.
func (c *Core) Close() error {
	var firstErr error
	if err := c.Queue.Close(); err != nil {
		firstErr = err
	}
	if err := c.State.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
