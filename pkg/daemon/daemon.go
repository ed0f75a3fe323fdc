/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package daemon wires the folderd components together: discovery
// registry, state database, model download manager, folder lifecycle,
// FMDM broadcast pipeline and the two servers.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/folderindex/folderd/config"
	"github.com/folderindex/folderd/internal/constant"
	"github.com/folderindex/folderd/pkg/backend"
	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/lifecycle"
	"github.com/folderindex/folderd/pkg/models"
	"github.com/folderindex/folderd/pkg/protocol"
	"github.com/folderindex/folderd/pkg/registry"
	"github.com/folderindex/folderd/pkg/store"
	"github.com/folderindex/folderd/pkg/system"
	"github.com/folderindex/folderd/pkg/throttle"
	"github.com/folderindex/folderd/pkg/watcher"
	"github.com/folderindex/folderd/pkg/wsserver"
)

// Daemon is the folderd orchestrator. One per host; the discovery
// registry enforces that.
type Daemon struct {
	version string
	restart bool

	cfgStore config.Store
	registry *registry.Registry
	db       *store.Database

	catalog   *models.Catalog
	resolver  *backend.Resolver
	prober    *models.Prober
	downloads *models.Manager

	fmdmStore    *fmdm.Store
	throttler    *throttle.Throttler
	subscription *fmdm.Subscription

	lifecycle *lifecycle.Manager
	watcher   *watcher.Watcher
	wsServer  *wsserver.Server
	system    *system.Controller

	startTime time.Time
	events    chan Event
	// foldersMu serializes folder admissions and removals: validation
	// must see every concurrent session's writes.
	foldersMu sync.Mutex
	stopOnce  sync.Once
}

type Opt struct {
	Version     string
	ConfigStore config.Store
	// Restart asks a previously registered daemon to exit before this
	// one registers.
	Restart bool
}

func New(opt Opt) (*Daemon, error) {
	catalog, err := models.LoadCatalog()
	if err != nil {
		return nil, errors.Wrap(err, "load curated model catalog")
	}
	return &Daemon{
		version:  opt.Version,
		restart:  opt.Restart,
		cfgStore: opt.ConfigStore,
		registry: registry.New(config.GetRegistryPath()),
		catalog:  catalog,
		events:   make(chan Event, eventBufferDepth),
	}, nil
}

// Start registers the daemon, builds every component and brings the
// servers up. It returns once both listeners accept connections; the
// daemon then runs until Stop.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.register(); err != nil {
		return err
	}
	d.startTime = time.Now()

	db, err := store.NewDatabase(config.GetDatabasePath())
	if err != nil {
		d.registry.Cleanup()
		return errors.Wrap(err, "open state database")
	}
	d.db = db

	d.buildModelStack()
	d.buildBroadcastPipeline()
	d.buildLifecycle()

	d.wsServer = wsserver.NewServer(wsserver.Opt{
		Host:  config.GetHost(),
		Port:  config.GetWSPort(),
		Store: d.fmdmStore,
		Ops:   d,
	})
	d.system = system.NewSystemController(system.ControllerOpt{
		Store:     d.fmdmStore,
		Rescanner: d,
		State: system.DaemonState{
			Version:   d.version,
			Pid:       d.registryInfoPid(),
			HTTPPort:  config.GetHTTPPort(),
			WSPort:    config.GetWSPort(),
			StartTime: d.startTime,
		},
		Host: config.GetHost(),
		Port: config.GetHTTPPort(),
	})

	// Probe installed state before folders start so folders whose model is
	// already on disk go straight to indexing. Unreachable backends must
	// not hold up boot; they surface as degraded/failed check status.
	probeBudget := 15 * time.Second
	if config.IsTestMode() {
		probeBudget = 2 * time.Second
	}
	probeCtx, cancelProbe := context.WithTimeout(ctx, probeBudget)
	infos, checkStatus := d.prober.CheckAll(probeCtx)
	cancelProbe()
	d.fmdmStore.SetCuratedModels(infos, checkStatus)

	d.projectConfiguredFolders()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return d.wsServer.Start(egCtx) })
	eg.Go(func() error { return d.system.Run() })
	if err := eg.Wait(); err != nil {
		d.Stop(ctx)
		return err
	}

	log.G(ctx).Infof("folderd %s serving http on port %d, websocket on port %d",
		d.version, config.GetHTTPPort(), config.GetWSPort())
	d.emitEvent(EventStarted, "daemon started", "")
	return nil
}

// register claims the discovery registry, optionally evicting a previous
// instance when --restart is set.
func (d *Daemon) register() error {
	info := registry.NewInfo(config.GetHTTPPort(), config.GetWSPort(), d.version)

	err := d.registry.Register(info)
	if err == nil {
		return nil
	}

	var conflict *errdefs.AlreadyRunningError
	if !errors.As(err, &conflict) || !d.restart {
		return err
	}

	log.L.Infof("restarting: asking daemon pid %d to exit", conflict.Pid)
	if err := d.registry.SignalAndWait(conflict.Pid, constant.DefaultRestartWait); err != nil {
		return errors.Wrap(err, "evict previous daemon")
	}
	if err := d.registry.Register(info); err != nil {
		return errors.Wrap(err, "register after evicting previous daemon")
	}
	d.emitEvent(EventRestarted, "replaced previous daemon", "")
	return nil
}

func (d *Daemon) registryInfoPid() int {
	info, err := d.registry.Discover()
	if err != nil || info == nil {
		return 0
	}
	return info.PID
}

func (d *Daemon) buildModelStack() {
	onnxCacheDir := config.GetONNXCacheDir()
	if onnxCacheDir == "" {
		onnxCacheDir = config.GetModelCacheDir()
	}
	d.resolver = backend.NewResolver(
		backend.NewONNXBackend(backend.ONNXOptions{
			BaseURL:   config.GetONNXBaseURL(),
			CacheDir:  onnxCacheDir,
			Artifacts: d.catalog.ONNXArtifacts(),
		}),
		backend.NewPythonBackend(backend.PythonOptions{
			Command: config.GetPythonCommand(),
			Script:  config.GetPythonScript(),
			HFIDs:   d.catalog.HuggingfaceIDs(),
		}),
		backend.NewOllamaBackend(backend.OllamaOptions{
			BaseURL: config.GetOllamaURL(),
			Names:   d.catalog.OllamaNames(),
		}),
	)

	state := models.NewState(d.db)
	d.prober = models.NewProber(d.catalog, d.resolver, state)

	d.fmdmStore = fmdm.NewStore(d.version)
	d.downloads = models.NewManager(models.ManagerOpt{
		Catalog:          d.catalog,
		Store:            d.fmdmStore,
		Resolver:         d.resolver,
		State:            state,
		ProgressInterval: config.GetProgressInterval(),
		Notify: func(event models.DownloadEvent) {
			if d.wsServer != nil {
				d.wsServer.BroadcastMessage(protocol.NewDownloadEventMessage(event))
			}
		},
	})
}

// buildBroadcastPipeline routes snapshot publishes through the throttler
// into the WebSocket fan-out. The subscriber only schedules; the emitter
// reads the newest snapshot when the throttler fires, so coalesced bursts
// always broadcast the latest state.
func (d *Daemon) buildBroadcastPipeline() {
	d.throttler = throttle.New(throttle.Options{
		Debounce:            config.GetBroadcastDebounce(),
		MaxUpdatesPerSecond: config.GetMaxBroadcastPerSecond(),
	})
	d.subscription = d.fmdmStore.Subscribe(fmdm.SubscriberFunc(func(_ *fmdm.Snapshot) {
		d.throttler.RequestBroadcast(func() {
			d.wsServer.BroadcastFMDM(d.fmdmStore.GetSnapshot())
		})
		d.emitEvent(EventStatusChanged, "snapshot updated", "")
	}))
}

func (d *Daemon) buildLifecycle() {
	d.lifecycle = lifecycle.NewManager(lifecycle.Opt{
		Store:         d.fmdmStore,
		Downloads:     d.downloads,
		EnsureTimeout: config.GetEnsureTimeout(),
	})

	w, err := watcher.New(d, 0)
	if err != nil {
		// Folders still index and rescan on demand, they just will not
		// pick up disk changes automatically.
		log.L.WithError(err).Warn("filesystem watcher unavailable")
		return
	}
	d.watcher = w
}

// projectConfiguredFolders seeds the FMDM with the persisted folder list
// and starts a lifecycle runner for each entry.
func (d *Daemon) projectConfiguredFolders() {
	specs := d.cfgStore.Folders()
	entries := make([]fmdm.FolderEntry, 0, len(specs))
	for _, spec := range specs {
		entries = append(entries, fmdm.FolderEntry{
			Path:   spec.Path,
			Model:  spec.Model,
			Status: fmdm.FolderStatusPending,
		})
	}
	d.fmdmStore.UpdateFolders(entries)

	for _, entry := range entries {
		d.lifecycle.StartFolder(entry)
		d.watchFolder(entry.Path)
	}
}

func (d *Daemon) watchFolder(path string) {
	if d.watcher == nil {
		return
	}
	if err := d.watcher.Watch(path); err != nil {
		log.L.WithError(err).Warnf("watch folder %s", path)
	}
}

// defaultModel resolves the model for a folder added without one: the
// configured default when it names a curated model, the catalog's
// default otherwise.
func (d *Daemon) defaultModel() string {
	if configured := d.cfgStore.DefaultModel(); configured != "" && d.catalog.Knows(configured) {
		return configured
	}
	return d.catalog.DefaultModel()
}

// Stop tears the daemon down in dependency order, bounded by ctx. Safe
// to call more than once.
func (d *Daemon) Stop(ctx context.Context) error {
	var firstErr error
	d.stopOnce.Do(func() {
		log.G(ctx).Info("stopping folderd")

		// Silence outbound traffic first so teardown churn is not
		// broadcast to clients.
		if d.throttler != nil {
			d.throttler.Dispose()
		}
		if d.subscription != nil {
			d.subscription.Unsubscribe()
		}
		if d.watcher != nil {
			d.watcher.Close()
		}

		if d.downloads != nil {
			d.downloads.CancelAll()
			d.downloads.Close()
		}
		if d.lifecycle != nil {
			d.lifecycle.StopAll()
		}

		if d.wsServer != nil {
			if err := d.wsServer.Stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if d.system != nil {
			if err := d.system.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		if d.resolver != nil {
			for _, b := range d.resolver.Backends() {
				if err := b.Close(); err != nil {
					log.L.WithError(err).Warnf("close %s backend", b.Type())
				}
			}
		}
		if d.db != nil {
			if err := d.db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := d.registry.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}

		d.emitEvent(EventStopped, "daemon stopped", "")
	})
	return firstErr
}
