package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/data-flywheel/pkg/api"
	"github.com/psantana5/data-flywheel/pkg/auth"
	"github.com/psantana5/data-flywheel/pkg/config"
	"github.com/psantana5/data-flywheel/pkg/controller"
	"github.com/psantana5/data-flywheel/pkg/customize"
	"github.com/psantana5/data-flywheel/pkg/eval"
	"github.com/psantana5/data-flywheel/pkg/inference"
	"github.com/psantana5/data-flywheel/pkg/logging"
	"github.com/psantana5/data-flywheel/pkg/metrics"
	"github.com/psantana5/data-flywheel/pkg/ratelimit"
	"github.com/psantana5/data-flywheel/pkg/retry"
	"github.com/psantana5/data-flywheel/pkg/store"
	"github.com/psantana5/data-flywheel/pkg/tracing"
)

func main() {
	port := flag.String("port", "8080", "API server port")
	configPath := flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
	storeType := flag.String("store", "sqlite", "Store backend: memory, sqlite or postgres")
	dbPath := flag.String("db", "flywheel.db", "SQLite database path")
	pgDSN := flag.String("pg-dsn", os.Getenv("FLYWHEEL_PG_DSN"), "PostgreSQL connection string (default: from FLYWHEEL_PG_DSN)")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or FLYWHEEL_API_KEY env var; empty disables auth)")
	rps := flag.Float64("rate-limit", 50, "Requests per second per client (0 disables)")
	enableMetrics := flag.Bool("metrics", true, "Enable Prometheus metrics endpoint")
	metricsPort := flag.String("metrics-port", "9090", "Prometheus metrics port")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP HTTP endpoint for traces (empty disables tracing)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), false)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Starting Data Flywheel server")
	log.Printf("Port: %s", *port)
	log.Printf("Inference endpoint: %s", cfg.InferenceURL)
	log.Printf("Tolerance: %.3f, max concurrent candidates: %d", cfg.Tolerance, cfg.MaxConcurrentCandidates)

	dataStore := buildStore(*storeType, *dbPath, *pgDSN)
	defer dataStore.Close()

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "flywheeld",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   *otlpEndpoint,
		Enabled:        *otlpEndpoint != "",
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	ctrl := buildController(dataStore, cfg, logger)
	server := api.NewServer(dataStore, ctrl)
	router := server.Router()

	// Middleware: tracing outermost, then auth, then rate limiting
	var handler http.Handler = router
	if *rps > 0 {
		limiter := ratelimit.NewLimiter(*rps, int(*rps)*2)
		handler = limiter.Middleware(ratelimit.IPKeyFunc)(handler)
	}
	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("FLYWHEEL_API_KEY")
	}
	if apiKey != "" {
		keys := auth.NewAPIKeyManager()
		if err := keys.AddKey("default", apiKey); err != nil {
			log.Fatalf("Failed to register API key: %v", err)
		}
		handler = keys.Middleware(handler)
		log.Println("API authentication enabled")
	} else {
		log.Println("WARNING: API authentication disabled")
	}
	handler = tracing.HTTPMiddleware(tracer)(handler)

	if *enableMetrics {
		exporter := metrics.NewExporter(dataStore)
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", exporter).Methods("GET")
		metricsSrv := &http.Server{
			Addr:         ":" + *metricsPort,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("Metrics server listening on :%s", *metricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Flywheel API listening on :%s", *port)
		log.Println("API endpoints:")
		log.Println("  POST   /jobs")
		log.Println("  GET    /jobs")
		log.Println("  GET    /jobs/{id}")
		log.Println("  POST   /jobs/{id}/cancel")
		log.Println("  GET    /jobs/{id}/report")
		log.Println("  POST   /records")
		log.Println("  GET    /records/count")
		log.Println("  GET    /health")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		log.Printf("Tracer shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func buildStore(storeType, dbPath, pgDSN string) store.Store {
	switch storeType {
	case "memory":
		log.Println("WARNING: Using in-memory store (data will not persist)")
		return store.NewMemoryStore()
	case "sqlite":
		log.Printf("Using SQLite database: %s", dbPath)
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			log.Fatalf("Failed to create SQLite store: %v", err)
		}
		return s
	case "postgres":
		if pgDSN == "" {
			log.Fatalf("PostgreSQL store requires --pg-dsn or FLYWHEEL_PG_DSN")
		}
		log.Println("Using PostgreSQL database")
		s, err := store.NewPostgreSQLStore(store.Config{Type: "postgres", DSN: pgDSN})
		if err != nil {
			log.Fatalf("Failed to create PostgreSQL store: %v", err)
		}
		return s
	default:
		log.Fatalf("Unknown store type %q (expected memory, sqlite or postgres)", storeType)
		return nil
	}
}

func buildController(dataStore store.Store, cfg *config.Config, logger *logging.Logger) *controller.Controller {
	client := inference.NewClient(cfg.InferenceURL, cfg.InferenceAPIKey(), cfg.Timeouts.EvalCall.Std())

	var judge eval.Judge
	if cfg.Judge.Remote() {
		judgeClient := inference.NewClient(cfg.Judge.URL, cfg.JudgeAPIKey(), cfg.Timeouts.EvalCall.Std())
		judge = eval.NewLLMJudge(judgeClient, cfg.Judge.ModelID)
		log.Printf("LLM judge enabled: %s", cfg.Judge.ModelID)
	} else {
		log.Println("LLM judge disabled, scoring free text lexically")
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.MaxEvalRetries
	evaluator := eval.New(client, judge, retryCfg, logger)

	var trigger controller.CustomizationTrigger
	if cfg.CustomizerURL != "" {
		trigger = customize.NewTrigger(cfg.CustomizerURL, cfg.InferenceAPIKey(), cfg.Timeouts.CustomizationSubmit.Std(), logger)
		log.Printf("Customization backend: %s", cfg.CustomizerURL)
	} else {
		log.Println("No customization backend configured")
	}

	return controller.New(dataStore, evaluator, trigger, cfg, logger)
}
