package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/avatarlab/avachat/internal/config"
	"github.com/avatarlab/avachat/internal/history"
	"github.com/avatarlab/avachat/internal/httpapi"
	"github.com/avatarlab/avachat/internal/logging"
	"github.com/avatarlab/avachat/internal/observability"
	"github.com/avatarlab/avachat/internal/pipeline"
	"github.com/avatarlab/avachat/internal/session"
)

func main() {
	// Missing .env is fine; environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	historyStore, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistoryKeep)
	if err != nil {
		logger.Fatal("history store init failed", zap.Error(err))
	}
	defer historyStore.Close()
	if cfg.DatabaseURL != "" {
		logger.Info("history persisted to postgres")
	} else {
		logger.Info("history kept in memory")
	}

	registry := pipeline.NewRegistry()
	factory := pipelineFactory(cfg, registry, logger, metrics)
	if _, err := factory(); err != nil {
		logger.Fatal("pipeline configuration invalid", zap.Error(err))
	}
	logger.Info("pipeline configured",
		zap.String("vad", cfg.VADProvider),
		zap.String("asr", cfg.ASRProvider),
		zap.String("llm", cfg.LLMProvider),
		zap.String("tts", cfg.TTSProvider),
		zap.String("avatar", cfg.AvatarProvider),
		zap.String("language", cfg.Language),
	)

	sessions := session.NewManager(session.ManagerConfig{
		Capacity:          cfg.SessionCapacity,
		InactivityTimeout: cfg.SessionInactivityTimeout,
		Defaults: pipeline.Options{
			Language:    cfg.Language,
			VoiceID:     cfg.TTSVoice,
			Temperature: cfg.LLMTemperature,
			FrameCount:  cfg.IdleFrameCount,
		},
	}, factory, historyStore, logger, metrics)

	api := httpapi.New(cfg, sessions, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.SweepInterval)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	sessions.CloseAll()

	logger.Info("shutdown complete")
}

func pipelineFactory(cfg config.Config, registry *pipeline.Registry, logger *zap.Logger, metrics *observability.Metrics) session.PipelineFactory {
	return func() (*pipeline.Pipeline, error) {
		settings := pipeline.Settings{
			Language:         cfg.Language,
			VoiceID:          cfg.TTSVoice,
			Model:            cfg.LLMModel,
			APIBase:          cfg.LLMAPIBase,
			APIKey:           cfg.LLMAPIKey,
			SystemPrompt:     cfg.LLMSystemPrompt,
			MaxTokens:        cfg.LLMMaxTokens,
			FPS:              cfg.AvatarFPS,
			SilenceThreshold: cfg.SilenceThreshold,
			SampleRate:       cfg.TTSSampleRate,
		}

		providers := map[pipeline.StageKind]string{
			pipeline.KindVAD:    cfg.VADProvider,
			pipeline.KindASR:    cfg.ASRProvider,
			pipeline.KindLLM:    cfg.LLMProvider,
			pipeline.KindTTS:    cfg.TTSProvider,
			pipeline.KindAvatar: cfg.AvatarProvider,
		}

		stages := make([]pipeline.Stage, 0, len(providers))
		for kind, provider := range providers {
			settings.Provider = provider
			stage, err := registry.Build(kind, settings)
			if err != nil {
				return nil, err
			}
			stages = append(stages, stage)
		}
		return pipeline.New(logger, metrics, stages...)
	}
}
