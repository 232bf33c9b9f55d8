// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles the rollout service from its configuration.
//
// New opens the configured tracker store and journal, registers the
// declared rollouts and wires the runner, analyzer, controller, recorder,
// adapter and scheduler together. Run serves the operator API and drives
// the scheduler until the context ends; Close releases everything New
// opened, in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRollout/services/rollout/api"
	"github.com/AleutianAI/AleutianRollout/services/rollout/config"
	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
	"github.com/AleutianAI/AleutianRollout/services/rollout/specexp"
	"github.com/AleutianAI/AleutianRollout/services/rollout/stats"
	rolloutbadger "github.com/AleutianAI/AleutianRollout/services/rollout/storage/badger"
	"github.com/AleutianAI/AleutianRollout/services/rollout/tracker"
)

// App is a fully wired rollout service.
//
// Thread Safety: Safe for concurrent use after New returns.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	tracker    *tracker.Tracker
	registry   *specexp.Registry
	controller *specexp.Controller
	recorder   *specexp.AssignmentRecorder
	adapter    *specexp.Adapter
	scheduler  *specexp.Scheduler
	handlers   *api.Handlers

	mu          sync.Mutex
	experiments *experiment.Registry
	declared    map[string]*specexp.Config

	closers   []func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// New builds an App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, declared: make(map[string]*specexp.Config)}
	built := false
	defer func() {
		if !built {
			_ = a.Close(context.Background())
		}
	}()

	store, db, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.tracker, err = tracker.New(store); err != nil {
		return nil, err
	}

	journal, err := a.openJournal(db)
	if err != nil {
		return nil, err
	}

	a.registry = specexp.NewRegistry()
	if err := a.Apply(cfg); err != nil {
		return nil, err
	}

	analyzer, err := specexp.NewAnalyzer(a.tracker, stats.NewEngine())
	if err != nil {
		return nil, err
	}
	a.controller, err = specexp.NewController(a.registry, analyzer,
		specexp.WithJournal(journal),
		specexp.WithControllerLogger(logger.With(slog.String("component", "controller"))),
	)
	if err != nil {
		return nil, err
	}

	a.recorder, err = specexp.NewAssignmentRecorder(a.tracker, cfg.Recorder, logger.With(slog.String("component", "recorder")))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.recorder.Close)

	a.adapter, err = specexp.NewAdapter(a.registry, specexp.NewRunner(),
		specexp.WithRecorder(a.recorder),
		specexp.WithSampleSink(a.tracker),
		specexp.WithAdapterLogger(logger.With(slog.String("component", "adapter"))),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		a.scheduler, err = specexp.NewScheduler(a.controller, cfg.Scheduler.SchedulerConfig, logger)
		if err != nil {
			return nil, err
		}
	}

	a.handlers, err = api.NewHandlers(a.controller, a.adapter, logger.With(slog.String("component", "api")),
		api.WithExperiments(a.Experiments),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("rollout service assembled",
		slog.String("storage", cfg.Storage.Backend),
		slog.String("journal", cfg.Journal.Backend),
		slog.Int("rollouts", len(a.registry.Targets())),
		slog.Bool("scheduler", a.scheduler != nil),
	)
	built = true
	return a, nil
}

// openStore opens the tracker store. The badger handle is returned so the
// journal can share it.
func (a *App) openStore(ctx context.Context) (tracker.Store, *rolloutbadger.DB, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendMemory, "":
		return tracker.NewMemoryStore(), nil, nil

	case config.BackendBadger:
		bc := sc.Badger
		bc.Logger = a.logger.With(slog.String("component", "badger"))
		db, err := rolloutbadger.Open(bc)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		store, err := tracker.NewBadgerStore(db)
		return store, db, err

	case config.BackendInflux:
		client := influxdb2.NewClient(sc.Influx.URL, sc.Influx.Token)
		a.closers = append(a.closers, func(context.Context) error {
			client.Close()
			return nil
		})
		store, err := tracker.NewInfluxStoreFromClient(client, sc.Influx.Org, sc.Influx.Bucket)
		return store, nil, err

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis %s: %w", sc.Redis.Addr, err)
		}
		store, err := tracker.NewRedisStore(rdb, sc.Redis.Prefix)
		return store, nil, err

	case config.BackendSQLite, config.BackendPostgres:
		store, err := tracker.OpenSQLStore(ctx, tracker.Dialect(sc.Backend), sc.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		return store, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

func (a *App) openJournal(db *rolloutbadger.DB) (specexp.Journal, error) {
	if a.cfg.Journal.Backend == config.BackendBadger {
		if db == nil {
			return nil, errors.New("badger journal requires badger storage")
		}
		return specexp.NewBadgerJournal(db)
	}
	return specexp.NewMemoryJournal(), nil
}

// Apply registers the rollouts declared in cfg.
//
// Description:
//
//	A rollout whose declaration is unchanged since the last Apply keeps its
//	live state (stage and status as moved by the controller). A new or
//	changed declaration replaces the live config. Targets no longer
//	declared are unregistered. cfg is validated as a whole before anything
//	is changed.
func (a *App) Apply(cfg config.Config) error {
	experiments, rollouts, err := cfg.Build(func(identity string, def *experiment.Definition) {
		a.logger.Debug("experiment registered",
			slog.String("experiment", identity),
			slog.Int("variants", len(def.Variants)),
		)
	})
	if err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]*specexp.Config, len(rollouts))
	var replaced, kept int
	for _, rc := range rollouts {
		id := rc.Target.Identity()
		next[id] = rc
		if prev, ok := a.declared[id]; ok && reflect.DeepEqual(prev, rc) {
			if _, live := a.registry.Get(rc.Target); live {
				kept++
				continue
			}
		}
		// The registry owns what it is given; keep our own copy for comparison.
		live := *rc
		if err := a.registry.Register(&live); err != nil {
			return fmt.Errorf("register %s: %w", rc.Target, err)
		}
		replaced++
	}
	var removed int
	for id, prev := range a.declared {
		if _, ok := next[id]; !ok {
			a.registry.Unregister(prev.Target)
			removed++
		}
	}
	a.declared = next
	a.experiments = experiments

	a.logger.Info("rollouts applied",
		slog.Int("experiments", experiments.Count()),
		slog.Int("registered", replaced),
		slog.Int("unchanged", kept),
		slog.Int("removed", removed),
	)
	return nil
}

// Router returns the operator API router.
func (a *App) Router() *gin.Engine {
	return api.NewRouter(a.handlers, a.cfg.Telemetry.ServiceName)
}

// Controller returns the rollout controller.
func (a *App) Controller() *specexp.Controller { return a.controller }

// Adapter returns the request-path adapter.
func (a *App) Adapter() *specexp.Adapter { return a.adapter }

// Tracker returns the assignment and sample tracker.
func (a *App) Tracker() *tracker.Tracker { return a.tracker }

// Registry returns the live rollout registry.
func (a *App) Registry() *specexp.Registry { return a.registry }

// Recorder returns the asynchronous assignment recorder.
func (a *App) Recorder() *specexp.AssignmentRecorder { return a.recorder }

// Experiments returns the experiment definitions from the last Apply.
func (a *App) Experiments() *experiment.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.experiments
}

// Run serves the API on the configured address and runs the scheduler
// until ctx is cancelled, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("rollout API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.scheduler != nil {
		g.Go(func() error {
			if err := a.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Close drains the recorder and closes stores in reverse opening order.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			errs = append(errs, a.closers[i](ctx))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
