package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ElevenLabsConfig selects the voice for the premium TTS provider.
type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	VoiceID string
	ModelID string
}

// ElevenLabsEngine synthesizes speech through the ElevenLabs REST API.
// Output is compressed audio (mp3); the synthesizer normalizes it.
type ElevenLabsEngine struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsEngine(cfg ElevenLabsConfig) *ElevenLabsEngine {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		// Rachel.
		cfg.VoiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_monolingual_v1"
	}
	return &ElevenLabsEngine{
		cfg: cfg,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (e *ElevenLabsEngine) Name() string { return "elevenlabs" }
func (e *ElevenLabsEngine) Ext() string  { return ".mp3" }

func (e *ElevenLabsEngine) Speak(ctx context.Context, text, outPath string) error {
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": e.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal tts request: %w", err)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/v1/text-to-speech/" + e.cfg.VoiceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	res, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("elevenlabs status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	_, copyErr := io.Copy(f, res.Body)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("write tts audio: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("close tts audio: %w", closeErr)
	}
	return nil
}
