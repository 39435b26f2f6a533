package main

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/mcp"
	"github.com/parley-ai/parley/internal/memory"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/ratelimit"
	"github.com/parley-ai/parley/internal/security"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/internal/workflow"
)

// app is the fully wired runtime behind every command.
type app struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	assistant *agent.Assistant
	health    *health.Checker

	shutdownTracer func(context.Context) error
}

// buildApp loads configuration and wires every subsystem. Callers own the
// returned app and must Close it.
func buildApp(ctx context.Context, configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logLevel := cfg.Observability.Logging.Level
	if debug {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     logLevel,
		Format:    cfg.Observability.Logging.Format,
		AddSource: cfg.Observability.Logging.AddSource,
	})

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
	})
	metrics := observability.NewMetrics()

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		TokensPerMinute:   cfg.RateLimit.TokensPerMinute,
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
		BurstMultiplier:   cfg.RateLimit.BurstMultiplier,
		PerUser:           cfg.RateLimit.PerUser,
	})

	validator, err := security.NewValidator(securityConfig(cfg.Security))
	if err != nil {
		return nil, fmt.Errorf("build input validator: %w", err)
	}

	registry := tools.NewRegistry(logger)
	if cfg.Tools.ConfigDir != "" {
		count, err := registry.LoadConfigDir(ctx, cfg.Tools.ConfigDir, builtinServices())
		if err != nil {
			return nil, fmt.Errorf("load tool config dir: %w", err)
		}
		logger.Info(ctx, "loaded config tools", "count", count, "dir", cfg.Tools.ConfigDir)
	}
	dispatcher := tools.NewDispatcher(registry, tools.Combine(
		tools.TracingMiddleware(tracer, metrics, logger),
		tools.SecurityMiddleware(validator, cfg.Security.AllowedToolNames, cfg.Security.BlockedToolNames, logger),
		tools.RateLimitMiddleware(limiter, logger),
		tools.AuditMiddleware(nil, logger),
		tools.PerformanceMiddleware(time.Duration(cfg.Tools.SlowWarnSecs*float64(time.Second)), logger),
	))

	cache, store := buildMemoryTiers(ctx, cfg, logger)
	persistAt, err := config.ParsePersistSchedule(cfg.Memory.PersistSchedule)
	if err != nil {
		return nil, err
	}
	manager := memory.NewManager(memory.Config{
		PersistenceEnabled:   cfg.Memory.Persistence.Enabled && store != nil,
		CacheTTL:             cfg.Memory.Cache.TTL,
		PersistAt:            persistAt,
		SummarizationEnabled: cfg.Memory.MaxTokens > 0,
		MaxTokens:            cfg.Memory.MaxTokens,
		SummaryTargetTokens:  cfg.Memory.SummaryTargetTokens,
		RecentMessagesKept:   cfg.Memory.RecentMessagesKept,
	}, cache, store, logger, metrics)
	manager.StartBackgroundPersist()

	var sessions *mcp.SessionManager
	var erp *mcp.ERPTool
	if cfg.ERP.Enabled {
		sessions = mcp.NewSessionManager(mcp.SessionConfigFromConfig(cfg.MCP), cache, store, logger)
		tokens, err := mcp.NewTokenProvider(mcp.TokenProviderConfig{
			EnvironmentURL: cfg.ERP.EnvironmentURL,
			TenantID:       cfg.ERP.TenantID,
			ClientID:       cfg.ERP.ClientID,
			ClientSecret:   cfg.ERP.ClientSecret,
			RefreshBuffer:  cfg.ERP.TokenBuffer,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build erp token provider: %w", err)
		}
		erp, err = mcp.NewERPTool(mcp.ERPToolConfigFromConfig(cfg.ERP), tokens, sessions, logger, tracer, metrics)
		if err != nil {
			return nil, fmt.Errorf("build erp tool: %w", err)
		}
	}

	providers, err := provider.NewRegistry(cfg.Models)
	if err != nil {
		return nil, err
	}

	engine, err := workflow.NewEngineForMode(cfg.Workflows.ConditionMode)
	if err != nil {
		return nil, err
	}
	if cfg.Workflows.Dir != "" {
		defs, err := workflow.LoadDir(cfg.Workflows.Dir)
		if err != nil {
			return nil, fmt.Errorf("load workflows: %w", err)
		}
		if err := engine.Load(defs); err != nil {
			return nil, err
		}
	}

	assistant, err := agent.NewAssistant(agent.Deps{
		Config:     *cfg,
		Logger:     logger,
		Tracer:     tracer,
		Metrics:    metrics,
		Limiter:    limiter,
		Validator:  validator,
		Dispatcher: dispatcher,
		Memory:     manager,
		Sessions:   sessions,
		ERP:        erp,
		Providers:  providers,
		Workflows:  engine,
	})
	if err != nil {
		return nil, err
	}

	checker := health.New(health.Config{
		Timeout:  cfg.Health.Timeout,
		CacheFor: cfg.Health.CacheFor,
		Version:  version,
	}, logger)
	checker.AddCheck("cache", health.CacheCheck(cache))
	if store != nil {
		checker.AddCheck("store", health.StoreCheck(store))
	}
	checker.AddCheck("erp", health.ERPCheck(erp))
	checker.AddCheck("providers", health.ProviderCheck(providers))

	return &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		assistant:      assistant,
		health:         checker,
		shutdownTracer: shutdownTracer,
	}, nil
}

// buildMemoryTiers picks the cache and store implementations. An empty Redis
// address falls back to the in-process cache; persistence is skipped when
// disabled or misconfigured.
func buildMemoryTiers(ctx context.Context, cfg *config.Config, logger *observability.Logger) (memory.Cache, memory.Store) {
	var cache memory.Cache
	if cfg.Memory.Cache.Addr != "" {
		cache = memory.NewRedisCache(memory.CacheConfig{
			Addr:     cfg.Memory.Cache.Addr,
			Password: cfg.Memory.Cache.Password,
			DB:       cfg.Memory.Cache.DB,
			TTL:      cfg.Memory.Cache.TTL,
			Prefix:   cfg.Memory.Cache.Prefix,
		})
	} else {
		cache = memory.NewInMemoryCache(cfg.Memory.Cache.TTL)
	}

	var store memory.Store
	if cfg.Memory.Persistence.Enabled {
		s3, err := memory.NewS3Store(ctx, memory.StoreConfig{
			Bucket:          cfg.Memory.Persistence.Bucket,
			Region:          cfg.Memory.Persistence.Region,
			Endpoint:        cfg.Memory.Persistence.Endpoint,
			Prefix:          cfg.Memory.Persistence.Prefix,
			AccessKeyID:     cfg.Memory.Persistence.AccessKeyID,
			SecretAccessKey: cfg.Memory.Persistence.SecretAccessKey,
			UsePathStyle:    cfg.Memory.Persistence.UsePathStyle,
		})
		if err != nil {
			logger.Warn(ctx, "cold store unavailable, persistence disabled", "error", err)
		} else {
			store = s3
		}
	}
	return cache, store
}

func securityConfig(cfg config.SecurityConfig) security.Config {
	out := security.DefaultConfig()
	if cfg.MaxQuestionLength > 0 {
		out.MaxQuestionLength = cfg.MaxQuestionLength
	}
	if cfg.MaxToolParamLength > 0 {
		out.MaxToolParamLength = cfg.MaxToolParamLength
	}
	out.BlockedPatterns = cfg.BlockedPatterns
	switch cfg.PIIMode {
	case "block":
		out.BlockPII = true
	case "redact":
		out.RedactPII = true
	}
	return out
}

// builtinServices maps service names referenced by tool config files to
// their implementations. The catalog is intentionally small; most tools
// arrive through the ERP adapter.
func builtinServices() map[string]tools.Service {
	return map[string]tools.Service{
		"datetime": tools.ServiceFunc(datetimeService),
	}
}

// datetimeService reports the current time, optionally in a named IANA
// time zone.
func datetimeService(ctx context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if name, ok := args["timezone"].(string); ok && name != "" {
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", name)
		}
		loc = parsed
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

// Close flushes history, closes the ERP connection and shuts the tracer
// down.
func (a *app) Close(ctx context.Context) error {
	err := a.assistant.Close(ctx)
	if a.shutdownTracer != nil {
		if terr := a.shutdownTracer(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}
