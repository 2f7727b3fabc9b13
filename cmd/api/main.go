package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"storybook/internal/adapter/repo"
	"storybook/internal/admission"
	"storybook/internal/clock"
	"storybook/internal/dispatch"
	"storybook/internal/http/handlers"
	"storybook/internal/http/httpapi"
	"storybook/internal/infra"
	"storybook/internal/monitor"
	"storybook/internal/pipeline"
	"storybook/internal/ratelimit"
	"storybook/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := repo.Migrate(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		if cfg.DispatchMode == "queue" {
			logger.Fatal().Err(err).Msg("redis unavailable in queue mode")
		}
		// The limiter fails open without Redis, so inproc mode can start.
		logger.Warn().Err(err).Msg("redis unavailable, rate limiting disabled")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	sql := infra.NewSQLRunner(dbpool, infra.Component(logger, "sql"))
	jobs := repo.NewJobStore(sql)
	drafts := repo.NewDraftStore(sql)
	books := repo.NewBookStore(sql)
	chars := repo.NewCharacterStore(sql)
	credits := repo.NewCreditLedger(sql, cfg.SignupBonusCredits)

	completer, err := infra.BuildCompleter(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("llm provider")
	}
	generator, err := infra.BuildImageGenerator(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("image provider")
	}
	classifier, err := infra.BuildClassifier(cfg, completer)
	if err != nil {
		logger.Fatal().Err(err).Msg("moderation provider")
	}
	store, err := infra.BuildObjectStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("object store")
	}

	clk := clock.System{}
	orch := pipeline.New(pipeline.Deps{
		Jobs:       jobs,
		Drafts:     drafts,
		Books:      books,
		Characters: chars,
		Credits:    credits,
		Completer:  completer,
		Images:     generator,
		Classifier: classifier,
		Store:      store,
		Clock:      clk,
		Logger:     infra.Component(logger, "pipeline"),
	}, pipeline.Options{
		CostPerBook:         cfg.CreditCostPerBook,
		CostPerRegen:        cfg.CreditCostPerRegen,
		ImageMaxConcurrent:  cfg.ImageMaxConcurrent,
		ImageGlobalInFlight: int64(cfg.ImageGlobalInFlight),
	})

	var dispatcher dispatch.Dispatcher
	if cfg.DispatchMode == "queue" {
		q, err := dispatch.NewQueue(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("queue dispatcher")
		}
		dispatcher = q
	} else {
		dispatcher = dispatch.NewInProc(ctx, orch, cfg.PipelineWorkers, cfg.MaxPendingJobs,
			infra.Component(logger, "dispatch"))
	}
	defer dispatcher.Close()

	limiter := ratelimit.NewSlidingWindow(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow,
		clk, infra.Component(logger, "ratelimit"))

	adm := admission.New(jobs, books, credits, limiter, dispatcher, clk,
		infra.Component(logger, "admission"), admission.Options{
			CostPerBook:  cfg.CreditCostPerBook,
			CostPerRegen: cfg.CreditCostPerRegen,
			DailyLimit:   cfg.DailyJobLimitPerUser,
			MaxPending:   cfg.MaxPendingJobs,
		})

	mon := monitor.New(jobs, credits, dispatcher, clk,
		infra.Component(logger, "monitor"), monitor.Options{
			Interval:     cfg.MonitorInterval,
			StuckAfter:   cfg.StuckAfter,
			SLA:          cfg.JobSLA,
			MaxRetries:   cfg.JobMaxRetries,
			CostPerBook:  cfg.CreditCostPerBook,
			CostPerRegen: cfg.CreditCostPerRegen,
		})
	if cfg.DispatchMode == "inproc" {
		// Queue mode runs the monitor in the worker process instead.
		go mon.Run(ctx)
	}

	app := &handlers.App{
		Admission:  adm,
		Jobs:       jobs,
		Books:      books,
		Characters: chars,
		Credits:    credits,
		Store:      store,
		Metrics:    mon,
		Probes:     buildProbes(dbpool, redisClient, store),
		Runtime: handlers.RuntimeInfo{
			Env:                cfg.AppEnv,
			DispatchMode:       cfg.DispatchMode,
			LLMProvider:        cfg.LLMProvider,
			ImageProvider:      cfg.ImageProvider,
			ModerationProvider: cfg.ModerationProvider,
			StorageBackend:     store.Name(),
			PipelineWorkers:    cfg.PipelineWorkers,
		},
		Clock: clk,
		Log:   infra.Component(logger, "api"),
	}

	router := httpapi.NewRouter(app, infra.Component(logger, "http"), cfg.CORSAllowedOrigins)
	server := infra.NewHTTPServer(cfg, router)

	logger.Info().Msgf("API listening on %s", server.Addr())
	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("http server failed")
	}
	logger.Info().Msg("server stopped")
}

func buildProbes(db *pgxpool.Pool, rdb *redis.Client, store storage.ObjectStore) []handlers.Probe {
	probes := []handlers.Probe{
		{Name: "database", Check: func(ctx context.Context) error { return db.Ping(ctx) }},
	}
	if rdb != nil {
		probes = append(probes, handlers.Probe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	probes = append(probes, handlers.Probe{
		Name: "storage",
		Check: func(ctx context.Context) error {
			_, err := store.Put(ctx, "health/probe.txt", []byte("ok"), "text/plain")
			return err
		},
	})
	return probes
}
