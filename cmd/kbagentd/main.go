// Command kbagentd wires the state store, inference backend, prompt
// renderer, phase executors, pipeline orchestrator and task queue into
// one long-running process, then blocks serving queued tasks until
// signalled to stop — mirroring cmd/tarsy/main.go's load-config,
// connect-store, wire-services, serve sequence.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kbagent/core/pkg/category"
	"github.com/kbagent/core/pkg/config"
	"github.com/kbagent/core/pkg/events"
	"github.com/kbagent/core/pkg/fetch"
	"github.com/kbagent/core/pkg/llm"
	"github.com/kbagent/core/pkg/metrics"
	"github.com/kbagent/core/pkg/model"
	"github.com/kbagent/core/pkg/phases"
	"github.com/kbagent/core/pkg/pipeline"
	"github.com/kbagent/core/pkg/prompt"
	"github.com/kbagent/core/pkg/queue"
	"github.com/kbagent/core/pkg/stats"
	"github.com/kbagent/core/pkg/store"
	"github.com/kbagent/core/pkg/validator"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_FILE", ""), "path to a YAML config file (optional)")
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "path to a .env file (optional)")
	httpAddr := flag.String("http-addr", getEnv("HTTP_ADDR", ":8080"), "address for the /metrics and /healthz endpoints")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	slog.Info("starting kbagentd", "backend", cfg.Backend.Kind, "queue_backend", cfg.Queue.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, store.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
		MaxConns: 10, MinConns: 1, MaxConnLifetime: time.Hour, MaxConnIdleTime: 10 * time.Minute,
	})
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "database", cfg.Database.Database)

	backend := llm.NewBackend(llm.FactoryConfig{Kind: cfg.Backend.Kind, Ollama: cfg.Backend.Ollama, OpenAI: cfg.Backend.OpenAI})

	renderer, err := prompt.NewRenderer(cfg.Storage.PromptsDir)
	if err != nil {
		log.Fatalf("loading prompt templates from %s: %v", cfg.Storage.PromptsDir, err)
	}
	defer renderer.Close()

	sink, closeSink := newEventSink(cfg.Events)
	if closeSink != nil {
		defer closeSink()
	}
	bus := events.NewBus(sink,
		events.RateConfig{PerSecond: cfg.Events.PerSecond, PerMinute: cfg.Events.PerMinute},
		events.BatchConfig{MaxSize: cfg.Events.BatchMaxSize, MaxAge: time.Duration(cfg.Events.BatchMaxAgeMS) * time.Millisecond},
		cfg.Events.ReplayDepth,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	collectors := metrics.New(reg)
	tracker := stats.New(st, collectors)
	if err := tracker.Reload(ctx); err != nil {
		slog.Warn("could not seed phase stats cache from store", "error", err)
	}

	categories := category.NewStoreBacked(st)
	cache := phases.NewCacheExecutor(fetch.NewHTTPFetcher(30*time.Second), cfg.Storage.MediaCacheDir)
	media := phases.NewMediaExecutor(backend, renderer, cfg.Models.Vision, cfg.Models.VisionThinking)
	categorize := phases.NewCategorizeExecutor(backend, renderer, categories, cfg.Models.Categorization, cfg.Models.Fallback, cfg.Models.CategorizationThinking, 3, 200, cfg.GPU.NumAvailable)
	generate := phases.NewGenerateExecutor(backend, renderer, st, cfg.Storage.KBRoot, cfg.Models.TextThinking, cfg.Models.Text, cfg.Models.Fallback, 3)
	dbsync := phases.NewDBSyncExecutor(st)

	orchestrator := pipeline.New(st, bus, tracker, collectors, validator.New(), cache, media, categorize, generate, dbsync, cfg.GPU.NumAvailable)

	if err := queue.CleanupStartupOrphans(ctx, st); err != nil {
		slog.Error("startup orphan cleanup failed", "error", err)
	}

	podID := getEnv("POD_ID", "kbagentd-"+os.Getenv("HOSTNAME"))
	executor := queue.ExecutorFunc(func(ctx context.Context, task model.Task) *queue.ExecutionResult {
		res := orchestrator.Execute(ctx, task)
		var summary *model.ResultSummary
		if res.Summary != nil {
			rs := res.Summary.ResultSummary()
			summary = &rs
		}
		return &queue.ExecutionResult{Status: res.Status, Summary: summary, Error: res.Error}
	})

	var pool *queue.Pool
	if cfg.Queue.Backend == "redis" && cfg.Queue.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			log.Fatalf("invalid QUEUE_REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		backlog := queue.NewRedisBacklog(client, "kbagent:queue:pending")
		pool = queue.NewPoolWithBacklog(podID, st, cfg.Queue, executor, bus, backlog)
	} else {
		pool = queue.NewPool(podID, st, cfg.Queue, executor, bus)
	}
	pool.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/queue/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pool.Health())
	})
	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		slog.Info("serving /metrics, /healthz and /queue/health", "addr", *httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight tasks")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	pool.Stop()
	slog.Info("kbagentd stopped")
}

// newEventSink builds the configured event delivery sink: Redis pub/sub
// if cfg.RedisURL is set, otherwise in-process fan-out for a
// single-binary deployment. The returned close func may be nil.
func newEventSink(cfg config.EventsConfig) (events.Sink, func()) {
	if cfg.RedisURL == "" {
		return events.NewInProcessSink(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Warn("invalid EVENTS_REDIS_URL, falling back to in-process event sink", "error", err)
		return events.NewInProcessSink(), nil
	}
	client := redis.NewClient(opts)
	return events.NewRedisSink(client, "kbagent:events:"), func() { _ = client.Close() }
}
