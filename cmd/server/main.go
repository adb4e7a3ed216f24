package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vyuha/cellscope/internal/ai"
	"github.com/vyuha/cellscope/internal/api"
	"github.com/vyuha/cellscope/internal/inspector"
	"github.com/vyuha/cellscope/internal/query"
	"github.com/vyuha/cellscope/internal/reactive"
	"github.com/vyuha/cellscope/internal/storage"
)

// initLogger configures the global slog default with JSON output.
func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	slog.SetDefault(slog.New(h))
}

// envOrDefault resolves a configuration value with the priority:
//
//	flag (if explicitly set, i.e. differs from defaultVal) > env var > default.
func envOrDefault(envKey, flagVal, defaultVal string) string {
	if flagVal != defaultVal {
		return flagVal
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	// ---- Flags -----------------------------------------------------------
	dbPathFlag := flag.String("db-path", "./cellscope.db", "Path to SQLite database file")
	portFlag := flag.Int("port", 8080, "HTTP server port")
	logLevel := flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	demoFlag := flag.Bool("demo", true, "Run the built-in demo state graph")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "Demo graph update interval")
	aiProviderFlag := flag.String("ai-provider", "", "AI provider: bedrock or ollama (empty = disabled)")
	aiRegionFlag := flag.String("ai-region", "us-east-1", "AWS region for Bedrock provider")
	aiModelFlag := flag.String("ai-model", "", "LLM model ID (provider-specific)")
	aiEmbedModel := flag.String("ai-embed-model", "", "Embedding model ID (provider-specific)")
	ollamaURLFlag := flag.String("ollama-url", "http://localhost:11434", "Ollama API URL")
	flag.Parse()

	// Resolve config: flag > env var > default.
	dbPath := envOrDefault("CELLSCOPE_DB_PATH", *dbPathFlag, "./cellscope.db")
	portStr := envOrDefault("CELLSCOPE_PORT", strconv.Itoa(*portFlag), "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("invalid port value %q: %v", portStr, err)
	}
	aiProvider := envOrDefault("CELLSCOPE_AI_PROVIDER", *aiProviderFlag, "")
	aiRegion := envOrDefault("CELLSCOPE_AI_REGION", *aiRegionFlag, "us-east-1")
	aiModel := envOrDefault("CELLSCOPE_AI_MODEL", *aiModelFlag, "")
	ollamaURL := envOrDefault("CELLSCOPE_OLLAMA_URL", *ollamaURLFlag, "http://localhost:11434")

	initLogger(*logLevel)

	// ---- Storage ---------------------------------------------------------
	store, err := storage.New(dbPath)
	if err != nil {
		log.Fatalf("failed to initialise storage: %v", err)
	}

	// ---- SSE Broadcaster -------------------------------------------------
	sse := api.NewSSEBroadcaster()

	// ---- Inspector -------------------------------------------------------
	ins := inspector.New(inspector.Config{
		Store:       store,
		Broadcaster: api.NewInspectorBroadcaster(sse),
	})

	// ---- Demo host graph (optional) --------------------------------------
	ctx := context.Background()
	hbCtx, hbCancel := context.WithCancel(ctx)
	if *demoFlag {
		g := reactive.NewGraph()
		if err := reactive.BuildDemoState(g); err != nil {
			log.Fatalf("failed to build demo state: %v", err)
		}
		ins.RegisterObserver(g)
		go reactive.RunHeartbeat(hbCtx, g, *heartbeat)
		slog.Info("demo state graph running", "heartbeat", heartbeat.String())
	}

	// ---- AI Provider (optional) ------------------------------------------
	var provider ai.Provider
	var embedSvc *ai.EmbeddingService
	var jobQueue *ai.JobQueue

	if aiProvider != "" {
		cfg := ai.ProviderConfig{
			Kind:           ai.ProviderKind(aiProvider),
			Region:         aiRegion,
			Model:          aiModel,
			EmbeddingModel: *aiEmbedModel,
			OllamaURL:      ollamaURL,
		}
		provider, err = ai.NewProvider(ctx, cfg)
		if err != nil {
			slog.Warn("AI provider init failed, AI features disabled", "error", err)
		} else {
			slog.Info("AI provider ready", "provider", provider.Name())

			// Embedding service (best-effort, non-fatal on failure).
			embedSvc, err = ai.NewEmbeddingService(ctx, provider, store, ins)
			if err != nil {
				slog.Warn("embedding service init failed", "error", err)
				embedSvc = nil
			}

			// Job queue is created before the Server so it can be injected
			// via the constructor.
			broadcaster := api.NewAIBroadcaster(sse)
			jobQueue = ai.NewJobQueue(provider, embedSvc, broadcaster, 2)
		}
	}

	// ---- HTTP Server -----------------------------------------------------
	srv := api.NewServer(ins, store, sse, jobQueue)

	// ---- Query Layer -----------------------------------------------------
	{
		var broadcaster ai.Broadcaster
		if provider != nil {
			broadcaster = api.NewAIBroadcaster(sse)
		}
		ql := query.NewQueryLayer(ins, store, provider, embedSvc, broadcaster)
		srv.SetQueryLayer(ql)
	}

	// ---- Startup banner --------------------------------------------------
	aiStatus := "disabled"
	if provider != nil {
		aiStatus = provider.Name()
	}
	sum := ins.GetSummary()
	stats, err := store.Stats(ctx)
	if err != nil {
		slog.Warn("storage stats unavailable", "error", err)
		stats = &storage.StoreStats{}
	}
	banner := fmt.Sprintf(`
═══════════════════════════════
 CELLSCOPE - Live State Mirror
 DB:    %s
 Port:  %d
 Cells: %d
 Saved changes:   %d
 Saved scenarios: %d
 AI:    %s
═══════════════════════════════`, dbPath, port, sum.CellCount, stats.ChangeCount, stats.ScenarioCount, aiStatus)
	fmt.Println(banner)

	slog.Info("cellscope starting",
		"db_path", dbPath,
		"port", port,
		"cells", sum.CellCount,
		"ai_provider", aiStatus,
	)

	srv.RegisterRoutes()

	addr := fmt.Sprintf(":%d", port)

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// ---- Graceful shutdown -----------------------------------------------
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	hbCancel()
	if jobQueue != nil {
		jobQueue.Close()
	}
	if provider != nil {
		provider.Close()
	}

	if err := store.Close(); err != nil {
		slog.Error("storage close error", "error", err)
	}

	slog.Info("cellscope shutdown complete")
}
