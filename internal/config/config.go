package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the talking-reply service.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	UploadDir        string
	UploadRetention  time.Duration
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	OpenAIAPIKey string

	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsVoiceID string
	ElevenLabsModelID string

	ESpeakBin string

	FFmpegBin  string
	FFprobeBin string

	RunPodBaseURL    string
	RunPodEndpointID string
	RunPodAPIKey     string
	RenderPrompt     string

	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxPolls     int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":5050"),
		PublicBaseURL:    strings.TrimRight(trimmedEnv("PUBLIC_BASE_URL"), "/"),
		UploadDir:        envOrDefault("UPLOAD_DIR", "uploads"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "talkingreply"),
		AllowAnyOrigin:   false,
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		ElevenLabsAPIKey: trimmedEnv("ELEVENLABS_API_KEY"),
		// REST base, not the realtime websocket endpoint.
		ElevenLabsBaseURL: envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		// Rachel, the premade voice the product shipped with.
		ElevenLabsVoiceID: envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID: envOrDefault("ELEVENLABS_MODEL_ID", "eleven_monolingual_v1"),
		ESpeakBin:         envOrDefault("ESPEAK_BIN", "espeak-ng"),
		FFmpegBin:         envOrDefault("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:        envOrDefault("FFPROBE_BIN", "ffprobe"),
		RunPodBaseURL:     envOrDefault("RUNPOD_BASE_URL", "https://api.runpod.ai"),
		RunPodEndpointID:  trimmedEnv("RUNPOD_ENDPOINT_ID"),
		RunPodAPIKey:      trimmedEnv("RUNPOD_API_KEY"),
		RenderPrompt: envOrDefault("RENDER_PROMPT",
			"Customer-service agent speaking clearly and helpfully."),
		UploadRetention: 24 * time.Hour,
		ShutdownTimeout: 15 * time.Second,
		PollInterval:    2500 * time.Millisecond,
		PollTimeout:     10 * time.Minute,
		MaxPolls:        240,
	}

	var err error
	cfg.UploadRetention, err = durationFromEnv("UPLOAD_RETENTION", cfg.UploadRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("RENDER_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PollTimeout, err = durationFromEnv("RENDER_POLL_TIMEOUT", cfg.PollTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPolls, err = intFromEnv("RENDER_MAX_POLLS", cfg.MaxPolls)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.PublicBaseURL == "" {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL must be set (the render worker fetches inputs from it)")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("RENDER_POLL_INTERVAL must be positive")
	}
	if cfg.PollTimeout <= 0 {
		return Config{}, fmt.Errorf("RENDER_POLL_TIMEOUT must be positive")
	}
	if cfg.MaxPolls <= 0 {
		return Config{}, fmt.Errorf("RENDER_MAX_POLLS must be positive")
	}
	if cfg.UploadRetention < time.Minute {
		return Config{}, fmt.Errorf("UPLOAD_RETENTION must be at least 1m")
	}

	return cfg, nil
}

// RenderConfigured reports whether the remote lipsync worker can be reached.
func (c Config) RenderConfigured() bool {
	return c.RunPodEndpointID != "" && c.RunPodAPIKey != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
