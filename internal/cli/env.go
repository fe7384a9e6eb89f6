package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/alert"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/entities"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/logging"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/traits"
	"go.uber.org/zap"
)

// environment is what every command sets up before doing work: configuration,
// logging, CPU quota and tracing.
type environment struct {
	cfg       *config.Config
	logger    *zap.Logger
	installer *logging.Installer
	layout    results.Layout
	cleanup   []func()
}

func setup(ctx context.Context, common commonFlags, description, service string, stderr io.Writer) (*environment, error) {
	cfg, err := config.Load(common.config)
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	if common.logLevel != "" {
		cfg.Logging.Level = common.logLevel
	}

	logCfg := cfg.Logging
	logCfg.Description = description
	logCfg.Stderr = stderr
	installer := logging.NewInstaller(logCfg)
	logger, err := installer.EnsureInstalled()
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}

	env := &environment{
		cfg:       cfg,
		logger:    logger,
		installer: installer,
		layout:    results.Layout{Root: cfg.Paths.Results},
	}
	env.onClose(concurrency.InitializeForKubernetes(logger))

	traceCfg := cfg.Tracing
	traceCfg.ServiceName = service
	shutdown, err := tracing.Setup(ctx, traceCfg, logger)
	if err != nil {
		logger.Warn("Tracing unavailable", zap.Error(err))
	} else {
		env.onClose(func() { _ = tracing.Shutdown(shutdown, logger) })
	}

	logger.Debug("Configuration loaded",
		zap.String("path", cfg.Path),
		zap.String("results", cfg.Paths.Results),
		zap.String("invocation_log", installer.InvocationPath()))
	return env, nil
}

func (e *environment) onClose(fn func()) {
	e.cleanup = append(e.cleanup, fn)
}

// close runs cleanups in reverse order, then closes the logs.
func (e *environment) close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
	_ = e.installer.Close()
}

func (e *environment) registry() (*traits.Registry, error) {
	reg, err := traits.NewRegistry()
	if err != nil {
		return nil, err
	}
	for kind, tc := range e.cfg.Traits {
		t, err := traits.NewExecTrait(kind, tc, e.logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (e *environment) source() (entities.Source, error) {
	return entities.NewFileSource(e.cfg.Paths.Entities, e.logger)
}

// merger builds the merge pass, mirroring to the archive when one is configured.
func (e *environment) merger(policy string) (*results.Merger, error) {
	p := e.cfg.Policy()
	if policy != "" {
		var err error
		if p, err = results.ParsePolicy(policy); err != nil {
			return nil, &ExitError{Code: 2, Message: err.Error()}
		}
	}
	opts := results.MergerOptions{
		Policy:             p,
		MaxConcurrentLoads: e.cfg.MergeLoads(),
		Logger:             e.logger,
	}
	if e.cfg.Archive.Enabled {
		client, err := storage.NewAzureBlobClient(e.cfg.Archive.ConnectionString, e.cfg.Archive.Container, e.logger)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		archive, err := storage.NewArchive(client, e.cfg.Archive.Prefix, e.logger)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		opts.Mirror = archive
	}
	return results.NewMerger(e.layout, opts)
}

// publisher connects to NATS when events are enabled. An unreachable server is
// logged and events are dropped; it never stops a run.
func (e *environment) publisher(ctx context.Context) events.Publisher {
	if !e.cfg.Events.Enabled {
		return events.Nop{}
	}
	p, err := events.Connect(ctx, e.cfg.Events.Config, e.logger)
	if err != nil {
		e.logger.Warn("Events disabled", zap.Error(err))
		return events.Nop{}
	}
	e.onClose(func() { _ = p.Close() })
	return p
}

func (e *environment) notifier() alert.Notifier {
	if !e.cfg.Alerts.Enabled {
		return alert.LogNotifier{Logger: e.logger}
	}
	n, err := alert.NewSentryNotifier(e.cfg.Alerts.Config, e.logger)
	if err != nil {
		e.logger.Warn("Alerts fall back to the log", zap.Error(err))
		return alert.LogNotifier{Logger: e.logger}
	}
	e.onClose(func() { n.Flush(5 * time.Second) })
	return n
}
