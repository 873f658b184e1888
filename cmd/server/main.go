package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/talkbank/ba2-server/internal/client"
	"github.com/talkbank/ba2-server/internal/config"
	"github.com/talkbank/ba2-server/internal/handler"
	"github.com/talkbank/ba2-server/internal/logger"
	"github.com/talkbank/ba2-server/internal/metrics"
	"github.com/talkbank/ba2-server/internal/service"
	"github.com/talkbank/ba2-server/internal/store"
	ws "github.com/talkbank/ba2-server/internal/websocket"
	"github.com/talkbank/ba2-server/internal/worker"
	"github.com/talkbank/ba2-server/pkg/response"
)

const serviceName = "ba2-server"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.Log, serviceName, os.Stderr)

	// Job store
	st, err := store.NewOS(cfg.Store.WorkDir)
	if err != nil {
		log.Fatal().Err(err).Str("work_dir", cfg.Store.WorkDir).Msg("failed to open work directory")
	}

	// Pipeline
	pipeline, err := client.New(&cfg.Pipeline)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure pipeline")
	}
	if cfg.Pipeline.Mode == config.PipelineMock {
		log.Warn().Msg("using mock pipeline, outputs are simulated")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize WebSocket hub
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	exec := worker.NewExecutor(st, pipeline, hub, m, log, cfg.Executor)

	// Executor backend
	var (
		scheduler   worker.Scheduler
		rdb         redis.UniversalClient
		asynqServer *asynq.Server
	)
	switch cfg.Executor.Backend {
	case config.BackendAsynq:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available")
		}
		rdb = redisClient

		asynqClient := asynq.NewClient(redisOpt(cfg))
		scheduler = worker.NewAsynqScheduler(asynqClient, exec, log)
		asynqServer = startWorkerServer(cfg, exec, log)

	default:
		if cfg.Executor.RecoverOrphans {
			if _, err := exec.RecoverOrphans(ctx); err != nil {
				log.Error().Err(err).Msg("orphan recovery failed")
			}
		}
		scheduler = worker.NewLocalScheduler(exec, cfg.Executor.MaxConcurrency, log)
	}

	// Initialize validator
	validate := validator.New()

	// Services and handlers
	jobService := service.NewJobService(st, scheduler, m, log)

	var pipelineHealth handler.HealthChecker
	if hc, ok := pipeline.(handler.HealthChecker); ok {
		pipelineHealth = hc
	}

	routes := handler.Routes{
		Jobs:    handler.NewJobHandler(jobService, validate, log),
		Pages:   handler.NewPageHandler(jobService, validate, cfg.Server.TranscribeWait, log),
		Health:  handler.NewHealthHandler(st, rdb, pipelineHealth, cfg.Executor.Backend, cfg.Pipeline.Mode),
		Hub:     hub,
		Metrics: adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler(log),
		BodyLimit:             cfg.Server.BodyLimitMB * 1024 * 1024,
		DisableStartupMessage: cfg.Server.Env == "production",
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	handler.Register(app, routes)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Info().
		Str("addr", addr).
		Str("work_dir", cfg.Store.WorkDir).
		Str("executor", cfg.Executor.Backend).
		Str("pipeline", pipeline.Name()).
		Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler did not drain cleanly")
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	stop()
	log.Info().Msg("server stopped")
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// startWorkerServer runs the asynq consumer in this process. Jobs are only
// processed once, so failures are never retried.
func startWorkerServer(cfg *config.Config, exec *worker.Executor, log zerolog.Logger) *asynq.Server {
	concurrency := cfg.Executor.MaxConcurrency
	if concurrency == 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				worker.QueueTranscribe: 1,
			},
			Logger:   logger.NewAsynqLogger(log),
			LogLevel: logger.AsynqLevel(cfg.Log.Level),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeTranscribe, exec.ProcessTask)

	if err := srv.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("failed to start asynq worker")
	}
	return srv
}

func customErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			message = e.Message
		} else {
			log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		}

		return response.Error(c, code, response.CodeServiceError, message, nil)
	}
}
