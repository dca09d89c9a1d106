package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/faceid/internal/api"
	"github.com/your-org/faceid/internal/api/handlers"
	"github.com/your-org/faceid/internal/api/ws"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/faces"
	"github.com/your-org/faceid/internal/identity"
	"github.com/your-org/faceid/internal/ingest"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/queue"
	"github.com/your-org/faceid/internal/search"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	slog.Info("starting faceid API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		slog.Error("apply migrations", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	checks := map[string]handlers.Check{
		"postgres": db.Ping,
		"minio":    minioStore.Ping,
	}

	// Identity resolution lock: Redis when configured, in-process otherwise
	var locker identity.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locker = identity.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	// NATS is optional: without it registrations are synchronous only and
	// the hub is fed in-process.
	var (
		enqueuer  handlers.Enqueuer
		publisher ingest.EventPublisher = hubPublisher{hub: hub}
		consumer  *queue.Consumer
	)
	if cfg.NATS.Enabled {
		producer, err := queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		if err := producer.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		enqueuer = producer
		publisher = producer
		checks["nats"] = func(context.Context) error { return producer.Ping() }

		// Registrations from this process and from workers reach the hub
		// through the REGISTRATIONS stream.
		consumer, err = queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create registration consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		err = consumer.ConsumeRegistrations(ctx, "api-registrations", func(ctx context.Context, msg jetstream.Msg) error {
			var ev models.RegistrationEvent
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				return err
			}
			hub.BroadcastEvent(ws.NewRegistrationEvent(ev))
			return nil
		})
		if err != nil {
			slog.Warn("start registration consumer", "error", err)
		}
	}

	// Initialize ONNX Runtime. Without it the service still serves reads;
	// photo work answers 503.
	var analyzer faces.Analyzer = vision.Unavailable{}
	ort.SetSharedLibraryPath(onnxLibPath(cfg.Vision))
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Warn("onnx runtime init failed, face analysis unavailable", "error", err)
	} else {
		defer ort.DestroyEnvironment()
		pool, err := vision.NewPool(cfg.Vision)
		if err != nil {
			slog.Warn("vision pool init failed, face analysis unavailable", "error", err)
		} else {
			defer pool.Close()
			analyzer = pool
			slog.Info("vision pool ready", "sessions", pool.Size())
		}
	}
	extractor := faces.NewExtractor(analyzer, faces.OptionsFromConfig(cfg.Quality))

	resolver := identity.NewResolver(db, locker)
	ingestSvc := ingest.NewService(resolver, db, minioStore, extractor, publisher, ingest.OptionsFromConfig(cfg.Ingest))
	searchSvc := search.NewService(extractor, db, search.OptionsFromConfig(cfg.Search))

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKeys:        cfg.Server.APIKeys(),
		RequestTimeout: cfg.Server.RequestTimeout,
		CodeRemap:      cfg.Ingest.CodeRemap,
		Registrar:      ingestSvc,
		Enqueuer:       enqueuer,
		Searcher:       searchSvc,
		Persons:        db,
		Photos:         minioStore,
		Hub:            hub,
		Checks:         checks,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	if consumer != nil {
		consumer.Wait()
	}

	slog.Info("API server stopped")
}

// hubPublisher delivers registration events straight to the WebSocket hub
// when no broker is configured.
type hubPublisher struct {
	hub *ws.Hub
}

func (p hubPublisher) PublishRegistration(ctx context.Context, ev models.RegistrationEvent) error {
	p.hub.BroadcastEvent(ws.NewRegistrationEvent(ev))
	return nil
}

// onnxLibPath returns the ONNX Runtime shared library path.
func onnxLibPath(cfg config.VisionConfig) string {
	if cfg.ONNXLibPath != "" {
		return cfg.ONNXLibPath
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
