package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/canukguy1974/multitalk-runpod-minimal/internal/config"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/httpapi"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/lipsync"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/media"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/observability"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/pipeline"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/reply"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/speech"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/uploads"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := uploads.New(cfg.UploadDir, cfg.PublicBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("upload store init failed")
	}

	toolchain := media.NewToolchain(cfg.FFmpegBin, cfg.FFprobeBin)

	openaiClient := openai.NewClient(cfg.OpenAIAPIKey)
	transcriber := speech.NewWhisperTranscriber(openaiClient)
	replies := reply.NewGenerator(openaiClient, reply.DefaultPersona)

	var engine speech.Engine
	if cfg.ElevenLabsAPIKey != "" {
		engine = speech.NewElevenLabsEngine(speech.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			BaseURL: cfg.ElevenLabsBaseURL,
			VoiceID: cfg.ElevenLabsVoiceID,
			ModelID: cfg.ElevenLabsModelID,
		})
	} else {
		engine = speech.NewESpeakEngine(cfg.ESpeakBin)
	}
	synthesizer := speech.NewSynthesizer(engine, toolchain, store)
	log.Info().Str("engine", synthesizer.EngineName()).Msg("speech engine selected")

	var renderer pipeline.Renderer
	if cfg.RenderConfigured() {
		renderer = lipsync.New(lipsync.Config{
			BaseURL:      cfg.RunPodBaseURL,
			EndpointID:   cfg.RunPodEndpointID,
			APIKey:       cfg.RunPodAPIKey,
			PollInterval: cfg.PollInterval,
			PollTimeout:  cfg.PollTimeout,
			MaxPolls:     cfg.MaxPolls,
			OnPoll:       metrics.RenderPolls.Inc,
		})
		log.Info().Str("endpoint", cfg.RunPodEndpointID).Msg("render worker configured")
	} else {
		log.Warn().Msg("render worker not configured, every reply will use the static fallback video")
	}

	orchestrator := pipeline.NewOrchestrator(
		store,
		toolchain,
		transcriber,
		replies,
		synthesizer,
		renderer,
		toolchain,
		metrics,
		log,
		cfg.RenderPrompt,
	)

	api := httpapi.New(cfg, store, orchestrator, log)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	startSweeper(runCtx, log, store, cfg.UploadRetention)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

// startSweeper removes stale upload artifacts on an hourly tick.
func startSweeper(ctx context.Context, log zerolog.Logger, store *uploads.Store, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := store.Sweep(retention)
				if err != nil {
					log.Warn().Err(err).Msg("upload sweep failed")
					continue
				}
				if removed > 0 {
					log.Info().Int("removed", removed).Msg("swept stale uploads")
				}
			}
		}
	}()
}
