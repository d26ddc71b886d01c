package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/clipsa/internal/api"
	"github.com/bobarin/clipsa/internal/config"
	"github.com/bobarin/clipsa/internal/db"
	"github.com/bobarin/clipsa/internal/jobs"
	"github.com/bobarin/clipsa/internal/memstore"
	"github.com/bobarin/clipsa/internal/queue"
	"github.com/bobarin/clipsa/internal/relay"
	"github.com/bobarin/clipsa/internal/services"
	"github.com/bobarin/clipsa/internal/storage"
	"github.com/bobarin/clipsa/internal/webhook"
	"github.com/bobarin/clipsa/internal/worker"
	log "github.com/sirupsen/logrus"
)

// store is everything the handlers, pipeline and aggregator need from
// persistence. Both the Postgres store and the in-process store satisfy it.
type store interface {
	api.Store
	jobs.Store
	webhook.Store
	storage.AssetIndex
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogging(cfg)

	log.Info("Starting Clipsa API...")

	var st store
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		if err := database.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		st = database
		log.Info("Connected to database")
	} else {
		st = memstore.New()
		log.Warn("No DATABASE_URL set, using in-process store (state is lost on restart)")
	}

	blobs, err := newBlobStore(cfg, st)
	if err != nil {
		log.Fatalf("Failed to initialize blob storage: %v", err)
	}
	log.Infof("Blob storage: %s", cfg.BlobBackend)

	var signer *relay.Signer
	var verifier *relay.Verifier
	if cfg.RelaySigningEnabled() {
		signer = relay.NewSigner(cfg.QStashCurrentSigningKey)
		verifier = relay.NewVerifier(cfg.QStashCurrentSigningKey, cfg.QStashNextSigningKey)
		log.Info("Relay signature verification enabled")
	}

	registry := jobs.NewRegistry()

	var (
		rel          jobs.Relay
		workerCancel context.CancelFunc
		workerDone   chan struct{}
	)
	switch cfg.RelayBackend {
	case config.RelayBackendQStash:
		rel = relay.NewQStash(cfg.QStashURL, cfg.QStashToken, cfg.RelayMaxAttempts)
		log.Info("Relay: QStash")
	case config.RelayBackendRedis:
		q, err := queue.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to queue: %v", err)
		}
		defer q.Close()
		rel = q
		log.Info("Relay: Redis queue")

		if cfg.RelayWorkerEnabled {
			w := worker.New(q, signer, worker.Config{
				MaxAttempts:  cfg.RelayMaxAttempts,
				PollInterval: cfg.RelayPollInterval,
			})

			var workerCtx context.Context
			workerCtx, workerCancel = context.WithCancel(context.Background())
			workerDone = make(chan struct{})
			go func() {
				defer close(workerDone)
				w.Start(workerCtx, cfg.RelayConcurrency)
			}()
		}
	default:
		log.Warn("No relay configured, jobs run in-process")
	}

	dispatcher := jobs.NewDispatcher(registry, rel, jobs.DispatcherConfig{
		AppURL:    cfg.AppURL,
		LocalMode: cfg.RelayLocalMode,
	})

	pipeline := jobs.NewPipeline(
		st,
		services.NewFalService(cfg.FalKey, cfg.FalQueueURL),
		dispatcher,
		blobs,
		services.NewFFmpegService(cfg.FFmpegPath),
		jobs.PipelineConfig{
			AppURL: cfg.AppURL,
			Models: jobs.Models{
				Video: cfg.FalVideoModel,
				Audio: cfg.FalAudioModel,
				Image: cfg.FalImageModel,
			},
			TempDir: cfg.TempDir,
		},
	)
	pipeline.Register(registry)
	log.Infof("Registered jobs: %v", registry.Names())

	aggregator := webhook.NewAggregator(st, dispatcher)

	handler := api.NewHandler(st, dispatcher, registry, aggregator, blobs, api.HandlerConfig{
		AppURL:   cfg.AppURL,
		JobsURL:  dispatcher.JobsURL(),
		Verifier: verifier,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info("API key authentication enabled")
	} else {
		log.Warn("No BACKEND_API_KEY set, intake routes are unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.WithField("appUrl", cfg.AppURL).Infof("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	if workerCancel != nil {
		workerCancel()
		<-workerDone
	}

	// In-process jobs outlive their requests; let them finish.
	dispatcher.Wait()

	log.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func newBlobStore(cfg *config.Config, index storage.AssetIndex) (storage.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendSupabase:
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, index), nil
	case config.BlobBackendMinio:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewMinio(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	default:
		return storage.NewDisk(cfg.BlobDir)
	}
}
