package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"media-orchestrator/internal/agent"
	"media-orchestrator/internal/httpapi"
	"media-orchestrator/internal/loader"
	"media-orchestrator/internal/media"
	"media-orchestrator/internal/platform/config"
	"media-orchestrator/internal/platform/logger"
	"media-orchestrator/internal/platform/metrics"
	"media-orchestrator/internal/playback"
	"media-orchestrator/internal/preload"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

// engineSink forwards playback machine events to the log and metrics. The
// player UI consumes the same events through the HTTP state endpoints.
type engineSink struct {
	log *slog.Logger
	met *metrics.Metrics
}

func (s *engineSink) StateChanged(from, to playback.VideoState) {
	s.met.IncStateTransitions()
	s.log.Info("state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

func (s *engineSink) LoadVideo(req playback.LoadRequest) {
	s.log.Info("load video",
		slog.String("asset", req.AssetID),
		slog.String("video_type", req.VideoType),
		slog.String("state", string(req.State)))
}

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	cacheDir := config.GetEnv("MEDIA_CACHE_DIR", "./cache")
	catalogPath := config.GetEnv("MEDIA_CATALOG", "./catalog.json")
	concurrency := config.GetEnvInt("MEDIA_FETCH_CONCURRENCY", loader.DefaultConcurrency)
	fetchRate := config.GetEnvInt("MEDIA_FETCH_RATE", 0)
	preloadTimeout := config.GetEnvDuration("MEDIA_PRELOAD_TIMEOUT", preload.DefaultGlobalTimeout)
	agentEnabled := config.GetEnvBool("MEDIA_AGENT_ENABLED", true)
	agentOpTimeout := config.GetEnvDuration("MEDIA_AGENT_OP_TIMEOUT", agent.DefaultOpTimeout)

	log := logger.New(logLevel, logFormat)

	source, err := preload.LoadCatalog(catalogPath)
	if err != nil {
		log.Error("catalog load failed", "path", catalogPath, "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	registry := media.NewRegistry()

	fetchOpts := []loader.DirectFetchOption{loader.WithConcurrency(concurrency)}
	if fetchRate > 0 {
		fetchOpts = append(fetchOpts, loader.WithRateLimit(float64(fetchRate), concurrency))
	}
	direct := loader.NewDirectFetch(cacheDir, log, fetchOpts...)

	var strategy loader.Strategy = direct
	var agentCache *agent.AgentCache
	if agentEnabled {
		agentStore := loader.NewDirectFetch(filepath.Join(cacheDir, "agent"), log, fetchOpts...)
		inproc := agent.NewInProcAgent(agentStore, log)
		channel := inproc.Connect(func(msg agent.Message) {
			agentCache.HandleMessage(msg)
		})
		agentCache = agent.NewAgentCache(channel, direct, log, agent.WithOpTimeout(agentOpTimeout))
		strategy = agentCache
	}

	machine := playback.NewMachine(&engineSink{log: log, met: met}, log)
	orch := preload.New(source, registry, log,
		preload.WithGlobalTimeout(preloadTimeout),
		preload.WithObserver(func(ev preload.ProgressEvent) {
			if ev.Err != "" {
				met.IncAssetErrors()
			} else {
				met.IncAssetsLoaded()
			}
		}),
	)
	h := httpapi.NewHandler(machine, orch, source, strategy, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			total, _, _ := registry.Counts()
			met.SetRegistryAssets(total)
			if agentCache != nil {
				met.SetPendingOperations(agentCache.PendingOperations())
			}
		}).ServeHTTP(w, req)
	})
	r.Group(h.Routes)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"catalog", catalogPath,
		"agent_enabled", agentEnabled,
		"fetch_concurrency", concurrency,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
