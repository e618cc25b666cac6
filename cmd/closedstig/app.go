package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/PiotrMackowski/ClosedSTIG/internal/analyzer"
	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/collector"
	"github.com/PiotrMackowski/ClosedSTIG/internal/collector/ssh"
	"github.com/PiotrMackowski/ClosedSTIG/internal/config"
	"github.com/PiotrMackowski/ClosedSTIG/internal/logging"
	"github.com/PiotrMackowski/ClosedSTIG/internal/queue"
	"github.com/PiotrMackowski/ClosedSTIG/internal/resolver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/store/sqlstore"
	"github.com/PiotrMackowski/ClosedSTIG/internal/upload"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app holds what every command builds from the configuration.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	catalog   *rules.Catalog
	extractor *xccdf.Extractor
	// library is nil when the library directory does not exist.
	library *xccdf.Library

	store *sqlstore.Store
	svc   *audit.Service
}

// newApp loads configuration, the logger, the built-in rules and the XCCDF
// library. It does not touch the database.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lib, _ := cmd.Flags().GetString("library"); lib != "" {
		cfg.Library.Path = lib
	}

	logger, err := logging.New(cfg.Log, cfg.IsProduction())
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		catalog: catalog,
		extractor: xccdf.NewExtractor(xccdf.Limits{
			MaxZipEntries:   cfg.Limits.MaxZipEntries,
			MaxZipEntrySize: cfg.Limits.MaxZipEntrySize,
			MaxXMLSize:      cfg.Limits.MaxXMLSize,
		}, logger),
	}

	if info, err := os.Stat(cfg.Library.Path); err == nil && info.IsDir() {
		a.library = xccdf.NewLibrary(cfg.Library.Path, a.extractor, logger)
		if err := a.library.Scan(ctx); err != nil {
			return nil, fmt.Errorf("scanning library: %w", err)
		}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("library path: %w", err)
	} else {
		logger.WithField("path", cfg.Library.Path).Debug("No XCCDF library directory, using built-in rules only")
	}
	return a, nil
}

// loadCatalog reads --rules when given and the embedded tables otherwise.
func loadCatalog(cmd *cobra.Command) (*rules.Catalog, error) {
	dir, _ := cmd.Flags().GetString("rules")
	if dir == "" {
		return rules.Builtin()
	}
	catalog, err := rules.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", dir, err)
	}
	return catalog, nil
}

// ruleLibrary returns the library as a resolver source. A nil *Library
// must not become a non-nil interface.
func (a *app) ruleLibrary() resolver.Library {
	if a.library == nil {
		return nil
	}
	return a.library
}

// analyzer builds the parse, resolve and evaluate pipeline. store may be
// nil for offline analysis.
func (a *app) analyzer(store resolver.RuleStore) *analyzer.Analyzer {
	res := resolver.New(store, a.ruleLibrary(), a.catalog, a.logger)
	return analyzer.New(res, nil, a.cfg.Limits.MaxXMLSize, a.logger)
}

func (a *app) uploadPolicy() upload.Policy {
	return upload.Policy{
		MaxSize:    a.cfg.Limits.MaxConfigUploadSize,
		Extensions: upload.ParseExtensions(a.cfg.Limits.AllowedConfigExtensions),
	}
}

// collector reads file targets from disk and, when SSH credentials are
// configured, live targets over SSH.
func (a *app) collector() (collector.Collector, error) {
	auto := collector.Auto{File: collector.FileCollector{MaxSize: a.cfg.Limits.MaxConfigUploadSize}}
	if !a.cfg.SSH.Enabled() {
		return auto, nil
	}
	live, err := ssh.New(ssh.Config{
		Username:              a.cfg.SSH.Username,
		Password:              a.cfg.SSH.Password,
		PrivateKeyPath:        a.cfg.SSH.PrivateKeyPath,
		KnownHostsPath:        a.cfg.SSH.KnownHostsPath,
		InsecureIgnoreHostKey: a.cfg.SSH.InsecureIgnoreHostKey,
		Port:                  a.cfg.SSH.Port,
		Timeout:               a.cfg.SSH.Timeout,
		RateLimit:             a.cfg.SSH.RateLimit,
		MaxOutput:             a.cfg.Limits.MaxConfigUploadSize,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("ssh collector: %w", err)
	}
	auto.Live = live
	return auto, nil
}

// openStore opens the database and builds the audit service on it. The
// service has no dispatcher until useDispatcher is called.
func (a *app) openStore(ctx context.Context) error {
	dialect, err := sqlstore.ParseDialect(a.cfg.Database.Driver)
	if err != nil {
		return err
	}
	store, err := sqlstore.Open(ctx, sqlstore.Options{
		Dialect: dialect,
		DSN:     a.cfg.Database.DSN,
		Path:    a.cfg.Database.Path,
	}, a.logger)
	if err != nil {
		return err
	}
	coll, err := a.collector()
	if err != nil {
		store.Close()
		return err
	}

	a.store = store
	a.svc = audit.NewService(audit.Options{
		Store:     store,
		Analyzer:  a.analyzer(store),
		Collector: coll,
		Uploads:   a.uploadPolicy(),
		Logger:    a.logger,
	})
	return nil
}

// useDispatcher connects the service to the Redis queue when it is enabled
// and reachable, and to an in-process runner otherwise. The returned func
// releases the dispatcher; with inline execution it first waits for
// dispatched jobs to finish.
func (a *app) useDispatcher(ctx context.Context) func() {
	if a.cfg.Queue.Enabled {
		if err := queue.Probe(ctx, a.cfg.Queue.RedisURL); err == nil {
			d, err := queue.NewAsynqDispatcher(a.cfg.Queue.RedisURL, a.logger)
			if err == nil {
				a.svc.SetDispatcher(d)
				a.logger.Info("Dispatching audit jobs to the Redis queue")
				return func() { d.Close() }
			}
			a.logger.WithError(err).Warn("Queue client failed, running audits in process")
		} else {
			a.logger.WithError(err).Warn("Redis unavailable, running audits in process")
		}
	}
	d := queue.NewInlineDispatcher(ctx, a.svc, a.cfg.Queue.Concurrency, a.logger)
	a.svc.SetDispatcher(d)
	return d.Wait
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// withStore runs fn with an opened store, closing it afterwards.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openStore(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}
