package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"storybook/internal/adapter/repo"
	"storybook/internal/clock"
	"storybook/internal/dispatch"
	"storybook/internal/infra"
	"storybook/internal/monitor"
	"storybook/internal/pipeline"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if cfg.DispatchMode != "queue" {
		logger.Fatal().Str("dispatch_mode", cfg.DispatchMode).
			Msg("worker requires DISPATCH_MODE=queue; inproc mode runs jobs inside the API process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	// Idempotent, so whichever process starts first creates the schema.
	if err := repo.Migrate(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
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

	// The monitor redispatches through the same queue the API enqueues to.
	dispatcher, err := dispatch.NewQueue(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue dispatcher")
	}
	defer dispatcher.Close()

	mon := monitor.New(jobs, credits, dispatcher, clk,
		infra.Component(logger, "monitor"), monitor.Options{
			Interval:     cfg.MonitorInterval,
			StuckAfter:   cfg.StuckAfter,
			SLA:          cfg.JobSLA,
			MaxRetries:   cfg.JobMaxRetries,
			CostPerBook:  cfg.CreditCostPerBook,
			CostPerRegen: cfg.CreditCostPerRegen,
		})
	go mon.Run(ctx)

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.PipelineWorkers,
		Queues:      map[string]int{dispatch.QueueBooks: 1},
	})
	mux := dispatch.NewMux(orch, infra.Component(logger, "worker"))

	go func() {
		logger.Info().Int("concurrency", cfg.PipelineWorkers).Msg("worker consuming queue")
		if err := srv.Run(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("asynq server failed")
		}
	}()

	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker stopped")
}
