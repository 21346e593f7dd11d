// Package app assembles stores and services from configuration. Every binary
// builds its engine through New so they all agree on wiring.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"capacity-engine/internal/config"
	"capacity-engine/internal/db"
	"capacity-engine/pkg/assignment"
	"capacity-engine/pkg/audit"
	"capacity-engine/pkg/claim"
	"capacity-engine/pkg/guardrail"
	"capacity-engine/pkg/lifecycle"
	"capacity-engine/pkg/summary"
	"capacity-engine/pkg/sweeper"
	"capacity-engine/pkg/task"
)

// App is a fully wired engine.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Tasks       task.Store
	Events      *audit.Bus
	Lifecycle   *lifecycle.Manager
	Assignments *assignment.Service
	Summary     *summary.Aggregator

	closers []func()
}

type tableEnsurer interface {
	EnsureTable(ctx context.Context) error
}

// New opens the configured backend and wires every service on top of it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	var (
		tasks       task.Store
		events      audit.Store
		assignStore assignment.Store
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		pgTasks := task.NewPgStore(pool)
		pgEvents := audit.NewPgStore(pool)
		pgAssign := assignment.NewPgStore(pool)
		tables := map[string]tableEnsurer{"tasks": pgTasks, "audit": pgEvents, "assignments": pgAssign}
		for name, t := range tables {
			if err := t.EnsureTable(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("ensure %s table: %w", name, err)
			}
		}
		tasks, events, assignStore = pgTasks, pgEvents, pgAssign

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { sqlDB.Close() })

		var errs [3]error
		var sqlTasks *task.SQLiteStore
		var sqlEvents *audit.SQLiteStore
		var sqlAssign *assignment.SQLiteStore
		sqlTasks, errs[0] = task.NewSQLiteStore(sqlDB)
		sqlEvents, errs[1] = audit.NewSQLiteStore(sqlDB)
		sqlAssign, errs[2] = assignment.NewSQLiteStore(sqlDB)
		for _, err := range errs {
			if err != nil {
				a.Close()
				return nil, err
			}
		}
		tasks, events, assignStore = sqlTasks, sqlEvents, sqlAssign

	default:
		tasks, events, assignStore = task.NewMemStore(), audit.NewMemStore(), assignment.NewMemStore()
	}

	a.Tasks = tasks
	a.Events = audit.NewBus(events)
	a.Assignments = assignment.NewService(tasks, assignStore)
	a.Summary = summary.NewAggregator(tasks, a.Assignments)
	a.Lifecycle = lifecycle.New(tasks,
		claim.NewArbiter(tasks, cfg.Lock.DefaultDuration),
		lifecycle.WithPolicy(cfg.Guardrail),
		lifecycle.WithContextProvider(guardrail.NewStoreProvider(tasks, cfg.Sweeper.DeltaPeriod)),
		lifecycle.WithSink(audit.NewStoreSink(a.Events, logger)),
		lifecycle.WithLogger(logger.Named("lifecycle")),
	)

	logger.Info("engine ready",
		zap.String("driver", cfg.Store.Driver),
		zap.Duration("lock_duration", cfg.Lock.DefaultDuration),
		zap.Strings("ceilings", cfg.CapacityCeilings()))
	return a, nil
}

// Sweeper builds an expired-lock reporter over the app's stores.
func (a *App) Sweeper() *sweeper.Sweeper {
	return sweeper.New(a.Tasks, audit.NewStoreSink(a.Events, a.Logger), a.Logger.Named("sweeper"), a.Config.Sweeper.Interval)
}

// Close releases database handles.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
