package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/taskweave/internal/api"
	"github.com/nidhogg/taskweave/internal/balance"
	"github.com/nidhogg/taskweave/internal/capacity"
	"github.com/nidhogg/taskweave/internal/clock"
	"github.com/nidhogg/taskweave/internal/config"
	"github.com/nidhogg/taskweave/internal/decision"
	"github.com/nidhogg/taskweave/internal/exec"
	"github.com/nidhogg/taskweave/internal/generator"
	"github.com/nidhogg/taskweave/internal/match"
	"github.com/nidhogg/taskweave/internal/notify"
	"github.com/nidhogg/taskweave/internal/orchestrator"
	"github.com/nidhogg/taskweave/internal/plan"
	"github.com/nidhogg/taskweave/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting taskweave...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/taskweave.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()
	clk := clock.System{}

	// Persistence: PostgreSQL when configured, in-memory otherwise.
	var st store.Store
	var pgStore *store.Postgres
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.NewPostgres(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, using in-memory store", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			st = ps
		}
	}
	if st == nil {
		st = store.NewMemory()
	}

	// Notifier and capacity hints: Redis when configured.
	var notifier notify.Notifier = notify.Nop{}
	var redisNotifier *notify.RedisNotifier
	capHint := capacity.Hint{
		MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
		MaxAgentLoad:   cfg.Orchestrator.MaxAgentLoad,
	}
	var capSrc capacity.Source = capacity.NewStatic(capHint)
	if cfg.Database.Redis.URL != "" {
		rn, rErr := notify.NewRedisNotifier(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, notifications disabled", zap.Error(rErr))
		} else {
			redisNotifier = rn
			notifier = rn
			capSrc = capacity.NewRedis(rn.Client(), capHint, logger)
		}
	}

	gen := generator.NewOpenAIClient(generator.Config{
		Endpoint: cfg.Generator.Endpoint,
		APIKey:   cfg.Generator.APIKey,
		Model:    cfg.Generator.Model,
		Timeout:  cfg.Generator.Timeout(),
	}, logger)

	matcher := match.New(cfg.Orchestrator.ExclusionPenalty)
	tracker := balance.NewTracker()
	decisionLog := decision.NewLog(st, clk, logger)
	balancer := balance.New(balance.Config{
		OverloadFactor:   cfg.Orchestrator.OverloadFactor,
		UnderloadFactor:  cfg.Orchestrator.UnderloadFactor,
		MinScore:         cfg.Orchestrator.MinScore,
		MaxMovesPerAgent: cfg.Orchestrator.MaxMovesPerAgent,
		TopOverloaded:    cfg.Orchestrator.TopOverloaded,
	}, st, tracker, matcher, decisionLog, logger)
	planner := plan.NewPlanner(plan.Config{
		Iterations:    cfg.Orchestrator.Iterations,
		BaseDurations: cfg.Orchestrator.BaseDurations(),
		Multipliers:   cfg.Orchestrator.Multipliers,
	}, st, matcher, decisionLog, clk, logger)
	executor := exec.New(st, gen, tracker, capSrc, decisionLog, notifier, clk, logger)

	svc := orchestrator.New(orchestrator.Config{MinScore: cfg.Orchestrator.MinScore},
		st, matcher, balancer, planner, executor, decisionLog, capSrc, notifier, clk, logger)

	// Bootstrap configured agents, then hydrate loads from the store.
	for _, ac := range cfg.Agents {
		if err := svc.RegisterAgent(ctx, ac.Profile()); err != nil {
			logger.Warn("failed to register configured agent",
				zap.String("agent", ac.ID), zap.Error(err))
		}
	}
	if agents, aErr := st.ListAgents(ctx); aErr == nil {
		for _, a := range agents {
			tracker.Set(a.ID, a.ActiveCount)
		}
		logger.Info("Loaded agents", zap.Int("count", len(agents)))
	}

	handler := api.NewHandler(svc, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("taskweave listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down taskweave...")
	srv.Shutdown(context.Background())
	if redisNotifier != nil {
		redisNotifier.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}
