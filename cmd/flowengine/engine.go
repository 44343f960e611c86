package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aescanero/flowengine/internal/application/agent"
	"github.com/aescanero/flowengine/internal/application/credits"
	"github.com/aescanero/flowengine/internal/application/lifecycle"
	"github.com/aescanero/flowengine/internal/application/orchestrator"
	"github.com/aescanero/flowengine/internal/application/scheduler"
	"github.com/aescanero/flowengine/internal/application/timeout"
	"github.com/aescanero/flowengine/internal/application/workers"
	"github.com/aescanero/flowengine/internal/config"
	creditmemory "github.com/aescanero/flowengine/pkg/adapters/credits/memory"
	creditredis "github.com/aescanero/flowengine/pkg/adapters/credits/redis"
	eventmemory "github.com/aescanero/flowengine/pkg/adapters/events/memory"
	eventredis "github.com/aescanero/flowengine/pkg/adapters/events/redis"
	"github.com/aescanero/flowengine/pkg/adapters/llm"
	promadapter "github.com/aescanero/flowengine/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/flowengine/pkg/adapters/nodes"
	"github.com/aescanero/flowengine/pkg/adapters/safety"
	storememory "github.com/aescanero/flowengine/pkg/adapters/storage/memory"
	storeredis "github.com/aescanero/flowengine/pkg/adapters/storage/redis"
	"github.com/aescanero/flowengine/pkg/adapters/tools"
	"github.com/aescanero/flowengine/pkg/adapters/tracing"
	"github.com/aescanero/flowengine/pkg/adapters/webhook"
	"github.com/aescanero/flowengine/pkg/domain"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// recordStore is everything the engine persists.
type recordStore interface {
	ports.ExecutionStore
	ports.CheckpointStore
	ports.ThreadStore
}

// engine is the wired set of components shared by serve and run.
type engine struct {
	registry *prometheus.Registry
	bus      ports.EventBus
	ledger   ports.CreditLedger
	store    recordStore
	pool     *workers.Pool
	manager  *orchestrator.Manager
	notifier *webhook.Notifier
	logger   *zap.Logger

	closers []func() error
}

// unavailableLLM fails every call; it stands in when no provider has a key.
type unavailableLLM struct {
	err error
}

func (u unavailableLLM) CallLLM(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	return nil, u.err
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine, error) {
	e := &engine{logger: logger}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewCollector(e.registry)

	local := eventmemory.NewEventBus(cfg.Events.SubscriberBuffer, metrics, logger)

	switch cfg.StorageBackend {
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		bus, err := eventredis.NewPubSubEventBus(ctx, client, local, logger)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		e.bus = bus
		e.store = storeredis.NewStore(client, cfg.Redis.RecordTTL, logger)
		e.ledger = creditredis.NewLedger(client, cfg.Redis.RecordTTL, logger)
		e.closers = append(e.closers, client.Close)

	default:
		e.bus = local
		e.store = storememory.NewStore()
		e.ledger = creditmemory.NewLedger(logger, creditmemory.WithDefaultGrant(cfg.Credits.DefaultGrant))
	}

	pricing := credits.DefaultPricing()
	pricing.InputPer1K = cfg.Credits.InputPer1K
	pricing.OutputPer1K = cfg.Credits.OutputPer1K
	pricing.EstimatedLoopIterations = cfg.Credits.EstimatedLoopIterations
	creditService := credits.NewService(e.ledger, pricing, cfg.Credits.SkipCheck, metrics, logger)

	typeBudgets, err := cfg.Timeouts.TypeBudgets()
	if err != nil {
		return nil, err
	}
	overrides, err := cfg.Timeouts.OverrideBudgets()
	if err != nil {
		return nil, err
	}
	guard := timeout.NewGuard(timeout.Config{
		TypeDefaults:     typeBudgets,
		Overrides:        overrides,
		Fallback:         cfg.Timeouts.Fallback,
		NearTimeoutRatio: cfg.Timeouts.NearTimeoutRatio,
	}, metrics, logger)

	emitter := lifecycle.NewEmitter(e.bus, logger)
	tracer := tracing.NewTracer(nil)

	var caller ports.LLMCaller
	router, err := llm.NewClient(&llm.Config{
		Provider:        cfg.LLM.Provider,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		DefaultModel:    cfg.LLM.DefaultModel,
		RequestTimeout:  cfg.LLM.RequestTimeout,
		MaxRetries:      cfg.LLM.MaxRetries,
		Logger:          logger,
	})
	if err != nil {
		logger.Warn("LLM calls disabled", zap.Error(err))
		caller = unavailableLLM{err: fmt.Errorf("no LLM provider available: %w", err)}
	} else {
		logger.Info("LLM providers configured", zap.Strings("providers", router.Providers()))
		caller = router
	}

	nodeRegistry := nodes.NewRegistry(logger)
	nodes.RegisterBuiltins(nodeRegistry, caller, &http.Client{Timeout: cfg.Timeouts.Fallback})

	toolRegistry := tools.NewRegistry(logger)
	tools.RegisterDefaults(toolRegistry)

	e.pool = workers.NewPool(cfg.Workers.PoolSize, cfg.Workers.QueueSize, metrics, logger, cfg.Workers.HealthCheckInterval)
	e.pool.Health().SetStallThreshold(cfg.Workers.StallThreshold)
	if err := e.pool.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	sched := scheduler.New(nodeRegistry, creditService, guard, emitter, metrics, logger,
		scheduler.WithCheckpoints(e.store),
		scheduler.WithDispatcher(e.pool),
		scheduler.WithMaxLoopIterations(cfg.Workers.MaxLoopIterations),
		scheduler.WithTracer(tracer),
		scheduler.WithRetry(scheduler.RetryPolicy{
			MaxRetries: cfg.Workers.NodeRetries,
			BaseDelay:  cfg.Workers.NodeRetryDelay,
			Jitter:     true,
		}))

	agents := agent.New(caller, toolRegistry, creditService, guard, emitter, metrics, logger,
		agent.WithSafety(safety.NewRules(nil, logger), domain.SafetyConfig{EnablePIIDetection: true}),
		agent.WithThreadStore(e.store),
		agent.WithTracer(tracer))

	e.manager = orchestrator.NewManager(sched, agents, e.store, metrics,
		orchestrator.NewValidator(nodeRegistry.Types()...), logger, cfg.Timeouts.GraphExecutionTimeout)

	if len(cfg.Webhooks.URLs) > 0 {
		e.notifier = webhook.NewNotifier(webhook.Config{
			URLs:       cfg.Webhooks.URLs,
			Secret:     cfg.Webhooks.Secret,
			Timeout:    cfg.Webhooks.Timeout,
			MaxRetries: cfg.Webhooks.MaxRetries,
		}, nil, logger)
		if err := e.notifier.Start(ctx, e.bus); err != nil {
			return nil, fmt.Errorf("failed to start webhook notifier: %w", err)
		}
	}

	return e, nil
}

// shutdown drains runs before tearing down the pool, bus and connections.
func (e *engine) shutdown(ctx context.Context) error {
	var errs []error

	if err := e.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := e.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	if e.notifier != nil {
		e.notifier.Wait()
	}
	if err := e.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	for _, closeFn := range e.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
