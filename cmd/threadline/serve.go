package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/threadline/pkg/api"
	"github.com/odvcencio/threadline/pkg/chat"
	"github.com/odvcencio/threadline/pkg/config"
	"github.com/odvcencio/threadline/pkg/history"
	"github.com/odvcencio/threadline/pkg/logging"
)

func runServeCommand(args []string) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	allowedOrigins := append([]string{}, cfg.Server.AllowedOrigins...)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.Server.Addr, "address to listen on")
	watch := fs.Bool("watch", true, "reload limits when the config files change")
	fs.Var(&stringListValue{target: &allowedOrigins}, "allow-origin", "additional allowed Origin (repeatable, accepts comma-separated list)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, appOptions{withHistory: true})
	if err != nil {
		return err
	}
	defer a.closeWithTimeout()

	return serve(ctx, a, api.Config{
		Addr:              strings.TrimSpace(*addr),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		AllowedOrigins:    allowedOrigins,
		Version:           version,
	}, *watch)
}

// serve runs the API server with the history persister and tool cache
// listener until ctx is done.
func serve(ctx context.Context, a *app, apiCfg api.Config, watch bool) error {
	toolSub, err := a.orch.Listen(ctx, a.bus)
	if err != nil {
		return fmt.Errorf("subscribe tool cache: %w", err)
	}
	defer func() { _ = toolSub.Unsubscribe() }()

	if a.history != nil {
		persister := history.NewPersister(a.history, a.orch.Store(), a.logger)
		sub, err := persister.Listen(ctx, a.bus)
		if err != nil {
			return fmt.Errorf("subscribe history: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	deps := api.Deps{
		Orchestrator: a.orch,
		History:      a.history,
		Bus:          a.bus,
		Logger:       a.logger,
	}
	if a.registry != nil {
		deps.Gatherer = a.registry
	}
	server := api.NewServer(apiCfg, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if watch {
		g.Go(func() error {
			return config.Watch(gctx, configFiles(), loadConfigFn, func(cfg *config.Config) {
				applyReload(a, cfg)
			}, a.logger)
		})
	}

	fmt.Fprintf(stderr, "threadline listening on http://%s\n", apiCfg.Addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyReload pushes the settings that may change while running.
func applyReload(a *app, cfg *config.Config) {
	a.orch.SetLimits(chat.Limits{
		MaxTokens:         cfg.Chat.MaxTokens,
		MaxToolIterations: cfg.Chat.MaxToolIterations,
		AllowedTools:      cfg.Chat.AllowedTools,
	})
	a.logger.SetMinLevel(cfg.LogLevel())
	a.logger.Info(logging.CategoryChat, "limits_reloaded", "applied reloaded limits", map[string]any{
		"max_tokens":          cfg.Chat.MaxTokens,
		"max_tool_iterations": cfg.Chat.MaxToolIterations,
		"allowed_tools":       len(cfg.Chat.AllowedTools),
	})
}

type stringListValue struct {
	target *[]string
}

func (s *stringListValue) String() string {
	if s == nil || s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s *stringListValue) Set(value string) error {
	if s.target == nil {
		return fmt.Errorf("no target slice configured")
	}
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			*s.target = append(*s.target, trimmed)
		}
	}
	return nil
}
