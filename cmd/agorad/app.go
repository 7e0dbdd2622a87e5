package main

import (
	"context"
	"fmt"
	"log/slog"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/auth"
	"Agora-Governance/internal/config"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	"Agora-Governance/internal/dispatch"
	"Agora-Governance/internal/observability/alerting"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/internal/persistence"
	"Agora-Governance/internal/prediction"
	"Agora-Governance/internal/task"
	"Agora-Governance/pkg/logger"
)

// application 持有守护进程运行所需的全部组件。
type application struct {
	registry    *agent.Registry
	patterns    *pattern.Tracker
	council     *council.Council
	queue       *task.ExecutionQueue
	broker      task.Broker
	runner      *task.Runner
	predictor   *prediction.Engine
	dispatcher  *dispatch.Dispatcher
	auth        *auth.Service
	store       persistence.Store
	snapshotter *persistence.Snapshotter
}

func build(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	alerts := buildAlerts(cfg)

	principles, err := loadPrinciples(cfg.Governance)
	if err != nil {
		return nil, err
	}
	evaluator, err := constitution.NewEvaluator(principles)
	if err != nil {
		return nil, err
	}

	roster, err := loadRoster(cfg.Agents)
	if err != nil {
		return nil, err
	}
	if app.registry, err = agent.NewRegistry(roster); err != nil {
		return nil, err
	}

	var seeds []pattern.Pattern
	if cfg.Patterns.SeedFile != "" {
		if seeds, err = pattern.LoadSeeds(cfg.Patterns.SeedFile); err != nil {
			return nil, err
		}
	}
	app.patterns = pattern.NewTracker(seeds,
		pattern.WithMaxResults(cfg.Patterns.MaxResults),
		pattern.WithLearning(cfg.Patterns.LearningEnabled()))

	councilOpts := []council.Option{
		council.WithDefaults(cfg.Council.DefaultThreshold, cfg.Council.TTL.Std()),
		council.WithSweepInterval(cfg.Council.SweepInterval.Std()),
	}
	if cfg.Council.ExpertiseWeighting {
		councilOpts = append(councilOpts, council.WithExpertiseWeighting(cfg.Council.Expertise))
	}
	app.council = council.New(councilOpts...)

	if app.broker, err = buildBroker(cfg.Queue); err != nil {
		return nil, err
	}
	app.queue = task.NewExecutionQueue(app.registry,
		task.WithProducer(app.broker),
		task.WithAlertDispatcher(alerts),
		task.WithTaskTimeout(cfg.Queue.TaskTimeout.Std()),
		task.WithStallThreshold(cfg.Queue.StallThreshold.Std()),
		task.WithQueueSweepInterval(cfg.Queue.SweepInterval.Std()),
		task.WithPurgeAfter(cfg.Queue.PurgeAfter.Std()),
		task.WithMaxLiveTasks(cfg.Queue.MaxLiveTasks))

	runtime, err := agent.NewHTTPRuntime(app.registry, agent.HTTPConfig{
		Token:   cfg.Agents.RuntimeToken,
		Timeout: cfg.Agents.RuntimeTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	app.runner = task.NewRunner(app.queue, runtime, app.broker,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithExecutionTimeout(cfg.Agents.RuntimeTimeout.Std()),
		task.WithRunnerAlerts(alerts),
		task.WithRunnerLogger(logger.Named("runner")))

	app.predictor = prediction.NewEngine(app.patterns, prediction.WithState(dispatch.QueueState(app.queue)))

	app.dispatcher, err = dispatch.New(dispatch.Dependencies{
		Evaluator: evaluator,
		Ledger:    constitution.NewLedger(cfg.Governance.LedgerSize),
		Council:   app.council,
		Matcher:   app.patterns,
		Predictor: app.predictor,
		Registry:  app.registry,
		Queue:     app.queue,
	},
		dispatch.WithConsensusWait(cfg.Dispatch.ConsensusWait.Std()),
		dispatch.WithPatternFloor(cfg.Dispatch.PatternFloor),
		dispatch.WithKeywordRoutes(cfg.Dispatch.KeywordRoutes),
		dispatch.WithAlerts(alerts))
	if err != nil {
		return nil, err
	}

	if app.store, err = persistence.Open(ctx, persistence.Config{
		Driver:          cfg.Persistence.Driver,
		Path:            cfg.Persistence.Path,
		DSN:             cfg.Persistence.DSN,
		MaxOpenConns:    cfg.Persistence.MaxOpenConns,
		MaxIdleConns:    cfg.Persistence.MaxIdleConns,
		ConnMaxLifetime: cfg.Persistence.ConnMaxLifetime.Std(),
		Redis: persistence.RedisConfig{
			Address:  cfg.Persistence.Redis.Address,
			Password: cfg.Persistence.Redis.Password,
			DB:       cfg.Persistence.Redis.DB,
			Prefix:   cfg.Persistence.Redis.Prefix,
		},
	}); err != nil {
		return nil, err
	}
	if auth.Mode(cfg.Auth.Mode) == auth.ModeJWT {
		if app.auth, err = buildAuth(ctx, cfg, app.store); err != nil {
			return nil, err
		}
	}

	app.snapshotter = persistence.NewSnapshotter(app.store, persistence.Sources{
		Council:  app.council,
		Queue:    app.queue,
		Registry: app.registry,
		Patterns: app.patterns,
	}, persistence.WithInterval(cfg.Persistence.Interval.Std()), persistence.WithAlerts(alerts))

	ok = true
	return app, nil
}

// Close 释放派发通道和快照存储。
func (a *application) Close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			logger.L().Warn("关闭派发通道失败", slog.Any("error", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.L().Warn("关闭快照存储失败", slog.Any("error", err))
		}
	}
}

// buildAuth 在使用 SQL 持久化时把账号存进同一个库，否则使用内存账号。
func buildAuth(ctx context.Context, cfg *config.Config, store persistence.Store) (*auth.Service, error) {
	var accounts auth.Store
	if sqlStore, ok := store.(*persistence.SQLStore); ok {
		accounts = sqlStore.AuthStore()
	} else {
		memory, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		accounts = memory
	}
	return auth.NewService(ctx, cfg.AuthService(), accounts)
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.AuditNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout.Std()))
	}
	return alerting.NewFanout(notifiers...)
}

// loadPrinciples 合并内置原则与文件中的原则，文件中的同 ID 原则覆盖内置版本。
func loadPrinciples(cfg config.GovernanceConfig) ([]constitution.Principle, error) {
	var principles []constitution.Principle
	if cfg.UseBuiltin() {
		principles = constitution.DefaultPrinciples()
	}
	if cfg.PrinciplesFile == "" {
		return principles, nil
	}
	loaded, err := constitution.LoadPrinciples(cfg.PrinciplesFile)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(principles))
	for i, p := range principles {
		index[p.ID] = i
	}
	for _, p := range loaded {
		if i, exists := index[p.ID]; exists {
			principles[i] = p
			continue
		}
		index[p.ID] = len(principles)
		principles = append(principles, p)
	}
	return principles, nil
}

func loadRoster(cfg config.AgentsConfig) ([]agent.Descriptor, error) {
	switch {
	case len(cfg.Roster) > 0:
		return cfg.Roster, nil
	case cfg.File != "":
		return agent.LoadRoster(cfg.File)
	default:
		return agent.DefaultRoster(), nil
	}
}

func buildBroker(cfg config.QueueConfig) (task.Broker, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryBroker(cfg.BufferSize), nil
	case "redis":
		broker, err := task.NewRedisBroker(task.RedisBrokerConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait.Std(),
		})
		if err != nil {
			return nil, err
		}
		return broker, nil
	case "rabbitmq":
		broker, err := task.NewRabbitMQBroker(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return broker, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
