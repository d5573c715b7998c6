package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/config"
	"evolution-crm-bridge/internal/adapters/evolution"
	"evolution-crm-bridge/internal/db"
	"evolution-crm-bridge/internal/handlers"
	"evolution-crm-bridge/internal/idempotency"
	"evolution-crm-bridge/internal/media"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/qr"
	"evolution-crm-bridge/internal/queue"
	"evolution-crm-bridge/internal/realtime"
	"evolution-crm-bridge/internal/retry"
	"evolution-crm-bridge/internal/services"
	"evolution-crm-bridge/internal/signature"
	"evolution-crm-bridge/internal/store"
	"evolution-crm-bridge/pkg/logger"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.LogLevel != "" || cfg.LogFormat != "" {
		logger.Configure(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DatabaseDriver).Msg("Failed to initialize database")
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	st, err := store.New(conn, cfg.StoreTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable at startup, idempotency falls back to the store")
		} else {
			log.Info().Msg("Redis connected")
		}
	}

	guard, err := idempotency.NewGuard(st, rdb, cfg.IdempotencyTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize idempotency guard")
	}

	hub := realtime.NewHub(cfg.WSAllowedOrigins)
	renderer := qr.NewRenderer(cfg.QRTerminal, os.Stdout)

	instances, err := services.NewInstanceService(st, hub, renderer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize InstanceService")
	}
	resolver, err := services.NewResolver(st, services.ResolverConfig{
		Channel: cfg.DefaultChannel,
		DefaultRouting: services.Routing{
			DepartmentID:   cfg.DefaultDepartmentID,
			DepartmentName: cfg.DefaultDepartmentName,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Resolver")
	}
	writer, err := services.NewWriter(st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Writer")
	}

	var archiver services.MediaArchiver
	if cfg.S3.Enabled {
		client, err := media.NewS3Client(cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 client")
		}
		s3Archiver, err := media.NewS3Archiver(client, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize media archiver")
		}
		archiver = s3Archiver
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Media archiving enabled")
	}

	ingestor, err := services.NewIngestor(services.IngestorDeps{
		Store:     st,
		Instances: instances,
		Guard:     guard,
		Resolver:  resolver,
		Writer:    writer,
		Publisher: hub,
		Archiver:  archiver,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Ingestor")
	}

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Initial:     cfg.RetryInitialBackoff,
		Max:         cfg.RetryMaxBackoff,
	}

	var gateway handlers.Gateway
	if cfg.EvolutionAPIURL != "" {
		client, err := evolution.NewClient(cfg.EvolutionAPIURL, cfg.EvolutionAPIKey, cfg.HTTPClientTimeout, policy)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Evolution API client")
		}
		gateway = client
	} else {
		log.Warn().Msg("EVOLUTION_API_URL not set, admin gateway routes are disabled")
	}

	storeSink, err := queue.NewStoreSink(st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize dead-letter store sink")
	}
	var (
		broker queue.Broker
		sink   queue.DeadLetterSink = storeSink
	)
	if cfg.RabbitMQURL != "" {
		rabbit, err := queue.DialRabbit(queue.RabbitConfig{
			URL:             cfg.RabbitMQURL,
			Queue:           cfg.RabbitMQQueue,
			DeadLetterQueue: cfg.RabbitMQDeadLetterQueue,
			Timeout:         cfg.BrokerTimeout,
		})
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, processing webhooks synchronously")
		} else {
			defer rabbit.Close()
			broker = rabbit
			sink = queue.MultiSink{storeSink, rabbit}
		}
	}

	pipeline, err := queue.NewPipeline(broker, func(ctx context.Context, env models.QueueEnvelope) error {
		_, err := ingestor.Replay(ctx, env)
		return err
	}, sink, queue.Config{
		Concurrency: cfg.QueueConcurrency,
		Policy:      policy,
		Timeout:     cfg.StoreTimeout * 4,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize queue pipeline")
	}
	if pipeline.Async() {
		go func() {
			if err := pipeline.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Queue workers exited")
			}
		}()
	}

	if cfg.InstancesFile != "" {
		specs, err := config.LoadInstances(cfg.InstancesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.InstancesFile).Msg("Failed to load instances file")
		}
		if err := instances.Provision(ctx, specs); err != nil {
			log.Fatal().Err(err).Msg("Failed to provision instances")
		}
	}

	webhook, err := handlers.NewEvolutionHandler(signature.NewVerifier(cfg.WebhookSecret), pipeline)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize webhook handler")
	}
	admin, err := handlers.NewAdminHandler(handlers.AdminDeps{
		Store:            st,
		Pipeline:         pipeline,
		Submitter:        pipeline,
		Instances:        instances,
		Hub:              hub,
		Gateway:          gateway,
		Redis:            rdb,
		PublicWebhookURL: cfg.PublicWebhookURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize admin handler")
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.RouterDeps{
			Webhook:     webhook,
			Admin:       admin,
			Hub:         hub,
			AdminAPIKey: cfg.AdminAPIKey,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msgf("Server starting on port %s...", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
