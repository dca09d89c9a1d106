package main

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/faces"
	"github.com/your-org/faceid/internal/identity"
	"github.com/your-org/faceid/internal/ingest"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/queue"
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

	if !cfg.NATS.Enabled {
		slog.Error("ingest worker requires nats.enabled")
		os.Exit(1)
	}

	slog.Info("starting faceid ingest worker",
		"workers", cfg.Worker.Concurrency,
		"vision_sessions", cfg.Vision.PoolSize,
		"cpu_cores", runtime.NumCPU(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize ONNX Runtime
	ort.SetSharedLibraryPath(onnxLibPath(cfg.Vision))
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	pool, err := vision.NewPool(cfg.Vision)
	if err != nil {
		slog.Error("init vision pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	var locker identity.Locker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		locker = identity.NewRedisLocker(rdb, cfg.Redis.LockTTL)
	} else {
		slog.Warn("redis not configured, identity creation is serialized per process only")
	}

	extractor := faces.NewExtractor(pool, faces.OptionsFromConfig(cfg.Quality))
	svc := ingest.NewService(identity.NewResolver(db, locker), db, minioStore, extractor, producer, ingest.OptionsFromConfig(cfg.Ingest))

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeIngest(ctx, "ingest-workers", func(ctx context.Context, msg jetstream.Msg) error {
		var task models.IngestTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			slog.Error("unmarshal ingest task", "error", err)
			return nil // Don't retry on unmarshal errors
		}

		res, err := svc.HandleTask(ctx, task)
		if err != nil {
			return fmt.Errorf("ingest task %s: %w", task.TaskID, err)
		}
		slog.Debug("ingest task done", "task_id", task.TaskID, "person_id", res.PersonID, "outcome", res.Outcome)
		return nil
	}, cfg.Worker.Concurrency)
	if err != nil {
		slog.Error("start ingest consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Worker.MetricsPort)}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		metricsSrv.Handler = mux
		slog.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	consumer.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	slog.Info("worker stopped")
}

// onnxLibPath returns the ONNX Runtime shared library path
// based on the operating system.
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
