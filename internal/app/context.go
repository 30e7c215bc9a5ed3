// Package app wires a workspace into a ready engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"maintline/internal/config"
	"maintline/internal/db"
	"maintline/internal/engine"
	"maintline/internal/engine/auth"
	"maintline/internal/lock"
	"maintline/internal/logging"
	"maintline/internal/migrate"
	"maintline/internal/repo"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/maintline.yml when set.
	ConfigPath string
	Logger     *logrus.Logger
}

// App holds the opened database and the services built on it.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Auth   auth.Service
	Log    *logrus.Logger

	closers []func() error
}

// ResolveConfig loads the explicit config path, else the workspace config, else defaults.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open migrates the workspace database and builds the engine with the configured lock backend.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeoutMS: cfg.Engine.Lock.WaitMS * 2})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{DB: conn, Config: cfg, Log: log, closers: []func() error{conn.Close}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	locks, closeLocks, err := lock.New(cfg.Engine.Lock)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocks)
	e := engine.New(conn, cfg)
	e.Locks = locks
	e.Log = log
	a.Engine = e
	a.Auth = auth.Service{Repo: repo.Repo{DB: conn}, Config: cfg}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
