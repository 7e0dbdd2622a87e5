package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"Agora-Governance/internal/api"
	"Agora-Governance/internal/config"
	"Agora-Governance/internal/observability/metrics"
	"Agora-Governance/pkg/logger"
)

// main 是 Agora 治理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agorad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if restored, err := app.snapshotter.Load(ctx); err != nil {
		logger.L().Warn("恢复快照失败，以空状态启动", slog.Any("error", err))
	} else if restored {
		stats := app.queue.GetStats()
		logger.L().Info("已从快照恢复状态",
			slog.Int("tasks", stats.Total),
			slog.Int("proposals", len(app.council.Proposals())))
	}

	server, err := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
	}, api.Dependencies{
		Dispatcher: app.dispatcher,
		Queue:      app.queue,
		Council:    app.council,
		Registry:   app.registry,
		Predictor:  app.predictor,
		Ledger:     app.dispatcher.Ledger(),
		Auth:       app.auth,
	})
	if err != nil {
		return err
	}

	logger.L().Info("agorad 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("queue_driver", cfg.Queue.Driver),
		slog.String("persistence_driver", cfg.Persistence.Driver),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.Int("agents", len(app.registry.List())))

	metrics.TrackQueueDepth(func() map[string]int { return app.queue.GetStats().ByStatus() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return app.runner.Start(gctx) })
	g.Go(func() error { return app.queue.Run(gctx) })
	g.Go(func() error { return app.council.Run(gctx) })
	g.Go(func() error { return app.snapshotter.Run(gctx) })
	if addr := cfg.Server.MetricsAddress; addr != "" {
		g.Go(func() error { return metrics.StartServer(gctx, addr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("agorad 已退出")
	return nil
}
