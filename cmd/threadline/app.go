package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/chat"
	"github.com/odvcencio/threadline/pkg/config"
	"github.com/odvcencio/threadline/pkg/history"
	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/storage"
	"github.com/odvcencio/threadline/pkg/telemetry"
	"github.com/odvcencio/threadline/pkg/thread"
	"github.com/odvcencio/threadline/pkg/tool"
)

// app holds the wired collaborators for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      bus.MessageBus
	orch     *chat.Orchestrator
	history  *history.Repository
	registry *prometheus.Registry

	closers []func(context.Context) error
}

type appOptions struct {
	// service replaces the HTTP client, for tests.
	service chat.ChatService
	// withHistory opens the sqlite store.
	withHistory bool
}

// loadConfigFn loads the configuration named by --config, or the default
// locations.
var loadConfigFn = func() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func configFiles() []string {
	if configPath != "" {
		return []string{configPath}
	}
	return config.WatchedFiles()
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	logger.SetMinLevel(cfg.LogLevel())
	a.logger = logger
	a.onClose(func(context.Context) error { return logger.Close() })

	switch cfg.Bus.Driver {
	case config.BusDriverNATS:
		nb, err := bus.NewNATSBus(bus.Config{URL: cfg.Bus.URL, Name: cfg.Bus.Name, Timeout: cfg.Bus.Timeout})
		if err != nil {
			return nil, withExitCode(fmt.Errorf("connect to nats: %w", err), exitBackend)
		}
		a.bus = nb
	default:
		a.bus = bus.NewMemoryBusWithBuffer(cfg.Bus.BufferSize)
	}
	a.onClose(func(context.Context) error { return a.bus.Close() })

	if cfg.Telemetry.Tracing {
		var w io.Writer
		if cfg.Telemetry.TraceFile != "" {
			f, err := openPrivate(cfg.Telemetry.TraceFile)
			if err != nil {
				return nil, err
			}
			a.onClose(func(context.Context) error { return f.Close() })
			w = f
		}
		tp, err := telemetry.NewTracerProvider(telemetry.TracingOptions{
			ServiceName: "threadline",
			Version:     version,
			Writer:      w,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(tp.Shutdown)
	}

	var recorder chat.Recorder
	var observer thread.ChunkObserver
	if cfg.Telemetry.Metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := telemetry.NewMetrics(a.registry)
		recorder, observer = metrics, metrics
	}

	svc := opts.service
	if svc == nil {
		retry := model.DefaultRetryConfig()
		retry.MaxRetries = cfg.Backend.MaxRetries
		client := model.NewClient(cfg.Backend.BaseURL, model.ClientOptions{
			APIKey:        cfg.Backend.APIKey,
			NetworkLogDir: cfg.NetworkLogDir(),
			Timeout:       cfg.Backend.Timeout,
			RateLimit:     rate.Limit(cfg.Backend.RequestsPerSecond),
			Burst:         cfg.Backend.Burst,
			Retry:         &retry,
		})
		a.onClose(func(context.Context) error { return client.Close() })
		svc = client
	}

	if opts.withHistory {
		repo, closeStore, err := openHistory(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.history = repo
		a.onClose(func(context.Context) error { return closeStore() })
	}
	var backups chat.BackupWriter
	if a.history != nil {
		backups = a.history
	}

	store := thread.NewStore(thread.Options{
		Model:           cfg.Chat.Model,
		ToolUse:         tool.Mode(cfg.Chat.ToolUse),
		SystemPrompt:    cfg.Chat.SystemPrompt,
		SendImmediately: cfg.Chat.SendImmediately,
		Bus:             a.bus,
		Logger:          logger,
		Observer:        observer,
	})
	a.orch = chat.New(chat.Options{
		Service:           svc,
		Store:             store,
		Logger:            logger,
		Recorder:          recorder,
		Backups:           backups,
		MaxTokens:         cfg.Chat.MaxTokens,
		MaxToolIterations: cfg.Chat.MaxToolIterations,
		AllowedTools:      cfg.Chat.AllowedTools,
		TitleTimeout:      cfg.Chat.TitleTimeout,
	})
	// Rounds must stop before the bus and log they publish to close.
	a.onClose(a.orch.Close)

	ok = true
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close runs the closers in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) closeWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintf(stderr, "warning: shutdown: %v\n", err)
	}
}

// openHistory opens the sqlite store at cfg.Storage.Path. Writes are
// logged at debug level when logger is set.
func openHistory(cfg *config.Config, logger *logging.Logger) (*history.Repository, func() error, error) {
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	if logger != nil {
		store.AddObserver(storage.ObserverFunc(func(e storage.Event) {
			logger.Debug(logging.CategoryStorage, string(e.Type), e.Key, map[string]any{
				"namespace": e.Namespace,
				"size":      e.Size,
			})
		}))
	}
	return history.NewRepository(store), store.Close, nil
}

func openPrivate(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
