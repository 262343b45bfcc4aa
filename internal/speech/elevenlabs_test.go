package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestElevenLabsSpeakWritesAudio(t *testing.T) {
	var gotPath, gotKey, gotAccept string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotAccept = r.Header.Get("Accept")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-mp3-bytes"))
	}))
	defer srv.Close()

	engine := NewElevenLabsEngine(ElevenLabsConfig{
		APIKey:  "xi-key",
		BaseURL: srv.URL,
		VoiceID: "voice-1",
	})
	out := filepath.Join(t.TempDir(), "tts.mp3")
	if err := engine.Speak(context.Background(), "hello there", out); err != nil {
		t.Fatalf("Speak() unexpected error = %v", err)
	}

	if gotPath != "/v1/text-to-speech/voice-1" {
		t.Fatalf("request path = %q, want /v1/text-to-speech/voice-1", gotPath)
	}
	if gotKey != "xi-key" {
		t.Fatalf("xi-api-key = %q, want xi-key", gotKey)
	}
	if gotAccept != "audio/mpeg" {
		t.Fatalf("Accept = %q, want audio/mpeg", gotAccept)
	}
	if gotBody["text"] != "hello there" {
		t.Fatalf("body text = %v, want hello there", gotBody["text"])
	}
	settings, ok := gotBody["voice_settings"].(map[string]any)
	if !ok || settings["stability"] != 0.5 || settings["similarity_boost"] != 0.75 {
		t.Fatalf("voice_settings = %v, want stability 0.5 / similarity_boost 0.75", gotBody["voice_settings"])
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "ID3-mp3-bytes" {
		t.Fatalf("output = %q, want provider bytes", data)
	}
}

func TestElevenLabsSpeakNonSuccessIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer srv.Close()

	engine := NewElevenLabsEngine(ElevenLabsConfig{APIKey: "bad", BaseURL: srv.URL})
	out := filepath.Join(t.TempDir(), "tts.mp3")
	err := engine.Speak(context.Background(), "hi", out)
	if err == nil {
		t.Fatalf("Speak() expected error on 401")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("Speak() error = %v, want status and body excerpt", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("output file should not exist after provider failure")
	}
}

func TestESpeakSpeakBuildsCommand(t *testing.T) {
	engine := NewESpeakEngine("espeak-ng")
	var gotName string
	var gotArgs []string
	engine.SetRunner(func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return nil, nil
	})

	if err := engine.Speak(context.Background(), "fallback voice", "/tmp/out.wav"); err != nil {
		t.Fatalf("Speak() unexpected error = %v", err)
	}
	if gotName != "espeak-ng" {
		t.Fatalf("runner name = %q, want espeak-ng", gotName)
	}
	want := []string{"-w", "/tmp/out.wav", "--", "fallback voice"}
	if len(gotArgs) != len(want) {
		t.Fatalf("runner args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Fatalf("runner args = %v, want %v", gotArgs, want)
		}
	}
}
