package lipsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		EndpointID:   "ep123",
		APIKey:       "rp-key",
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
		MaxPolls:     50,
	}
}

func TestSubmitSendsMultiTalkJob(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/ep123/run" {
			t.Errorf("path = %q, want /v2/ep123/run", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"job-42","status":"IN_QUEUE"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	id, err := c.Submit(context.Background(), Job{
		ImageURL: "http://media.example.com/uploads/face.png",
		AudioURL: "http://media.example.com/uploads/tts.wav",
		Prompt:   "Customer-service agent speaking clearly and helpfully.",
	})
	if err != nil {
		t.Fatalf("Submit() unexpected error = %v", err)
	}
	if id != "job-42" {
		t.Fatalf("Submit() = %q, want job-42", id)
	}
	if gotAuth != "Bearer rp-key" {
		t.Fatalf("Authorization = %q, want Bearer rp-key", gotAuth)
	}

	input, ok := gotBody["input"].(map[string]any)
	if !ok {
		t.Fatalf("submit body missing input block: %v", gotBody)
	}
	if input["image_path"] != "http://media.example.com/uploads/face.png" {
		t.Fatalf("image_path = %v", input["image_path"])
	}
	audioPaths, ok := input["audio_paths"].(map[string]any)
	if !ok || audioPaths["person1"] != "http://media.example.com/uploads/tts.wav" {
		t.Fatalf("audio_paths = %v, want person1 wav url", input["audio_paths"])
	}
	if input["audio_type"] != "speech" || input["mode"] != "streaming" || input["size"] != "multitalk-480" {
		t.Fatalf("fixed render parameters wrong: %v", input)
	}
	if input["sample_steps"] != float64(8) ||
		input["sample_text_guide_scale"] != 1.0 ||
		input["sample_audio_guide_scale"] != 2.0 {
		t.Fatalf("guide scales wrong: %v", input)
	}
}

func TestSubmitNonSuccessStatusCarriesRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("worker pool exhausted"))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.Submit(context.Background(), Job{})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("Submit() error = %T, want *SubmissionError", err)
	}
	if subErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d, want 503", subErr.StatusCode)
	}
	if !strings.Contains(subErr.Body, "worker pool exhausted") {
		t.Fatalf("Body = %q, want raw response body", subErr.Body)
	}
	if !subErr.Retryable() {
		t.Fatalf("Retryable() = false for 503")
	}
}

func TestSubmitMissingJobIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"IN_QUEUE"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.Submit(context.Background(), Job{})
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("Submit() error = %T, want *SubmissionError", err)
	}
	if subErr.Retryable() {
		t.Fatalf("Retryable() = true for a malformed 200 response")
	}
}

func TestSubmitAndAwaitReturnsPayloadUnmodified(t *testing.T) {
	const payload = "QkFTRTY0LXZpZGVvLWJ5dGVz"
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/run"):
			_, _ = w.Write([]byte(`{"id":"job-7"}`))
		case strings.HasSuffix(r.URL.Path, "/status/job-7"):
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"status":"IN_PROGRESS"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "COMPLETED",
				"output": map[string]any{"video_base64": payload},
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	got, err := c.SubmitAndAwait(context.Background(), Job{})
	if err != nil {
		t.Fatalf("SubmitAndAwait() unexpected error = %v", err)
	}
	if got != payload {
		t.Fatalf("SubmitAndAwait() = %q, want byte-for-byte payload", got)
	}
	if polls.Load() != 3 {
		t.Fatalf("polls = %d, want 3", polls.Load())
	}
}

func TestSubmitAndAwaitFailedAggregatesDiagnostics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			_, _ = w.Write([]byte(`{"id":"job-9"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "FAILED",
			"output": map[string]any{
				"error":  "OOM",
				"stdout": "loading model",
				"stderr": "CUDA out of memory",
			},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.SubmitAndAwait(context.Background(), Job{})
	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("SubmitAndAwait() error = %T, want *RenderError", err)
	}
	for _, want := range []string{"OOM", "loading model", "CUDA out of memory"} {
		if !strings.Contains(renderErr.Detail, want) {
			t.Fatalf("Detail = %q, want it to contain %q", renderErr.Detail, want)
		}
	}
}

func TestSubmitAndAwaitFailedWithoutDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			_, _ = w.Write([]byte(`{"id":"job-10"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"FAILED"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.SubmitAndAwait(context.Background(), Job{})
	if err == nil || !strings.Contains(err.Error(), "job failed (no details)") {
		t.Fatalf("SubmitAndAwait() error = %v, want no-details marker", err)
	}
}

func TestSubmitAndAwaitCompletedWithoutPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			_, _ = w.Write([]byte(`{"id":"job-11"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"COMPLETED","output":{}}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.SubmitAndAwait(context.Background(), Job{})
	if !errors.Is(err, ErrNoVideo) {
		t.Fatalf("SubmitAndAwait() error = %v, want ErrNoVideo", err)
	}
}

func TestSubmitAndAwaitBoundedByMaxPolls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			_, _ = w.Write([]byte(`{"id":"job-12"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"IN_QUEUE"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxPolls = 3
	var polls int
	cfg.OnPoll = func() { polls++ }
	c := New(cfg)
	_, err := c.SubmitAndAwait(context.Background(), Job{})
	if err == nil || !strings.Contains(err.Error(), "no terminal status after 3 polls") {
		t.Fatalf("SubmitAndAwait() error = %v, want max-polls bound", err)
	}
	if polls != 3 {
		t.Fatalf("OnPoll calls = %d, want 3", polls)
	}
}

func TestSubmitAndAwaitHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			_, _ = w.Write([]byte(`{"id":"job-13"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"IN_PROGRESS"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PollInterval = 50 * time.Millisecond
	c := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.SubmitAndAwait(ctx, Job{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SubmitAndAwait() error = %v, want context.Canceled", err)
	}
}

func TestPollNonJSONBodyIsHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.Poll(context.Background(), "job-x")
	if err == nil || !strings.Contains(err.Error(), "non-JSON") {
		t.Fatalf("Poll() error = %v, want non-JSON failure", err)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusInQueue:    false,
		StatusInProgress: false,
		StatusCompleted:  true,
		StatusFailed:     true,
		Status("WEIRD"):  false,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", s, got, want)
		}
	}
}
