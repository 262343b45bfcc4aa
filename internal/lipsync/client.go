// Package lipsync talks to the remote MultiTalk render worker: it submits
// a lip-sync job referencing image and audio by public URL, then polls the
// job status until a terminal state, a deadline, or cancellation.
package lipsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/canukguy1974/multitalk-runpod-minimal/internal/reliability"
)

// Status of a render job as reported by the worker.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether polling can stop.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Job references the render inputs. The worker fetches both URLs itself,
// which is why intermediates are materialized in the public upload area.
type Job struct {
	ImageURL string
	AudioURL string
	Prompt   string
}

// PollResult is one status observation.
type PollResult struct {
	Status      Status
	VideoBase64 string
	ErrorDetail string
}

// ErrNoVideo marks a completed job that carried no payload. Callers treat
// it as the soft degraded path, not as a render failure.
var ErrNoVideo = errors.New("render completed without video payload")

// SubmissionError is a failed job submission: non-success HTTP status,
// undecodable body, or a response without a job id.
type SubmissionError struct {
	StatusCode int
	Body       string
	Reason     string
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("render submit: %s: HTTP %d: %s", e.Reason, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("render submit: %s: %s", e.Reason, e.Body)
}

// Retryable reports whether resubmitting a brand-new job might succeed.
func (e *SubmissionError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// RenderError is a job the worker reports as FAILED. Detail aggregates the
// provider's error text with truncated stdout/stderr diagnostics.
type RenderError struct {
	JobID  string
	Detail string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render job %s failed: %s", e.JobID, e.Detail)
}

// Config for the render client.
type Config struct {
	BaseURL    string
	EndpointID string
	APIKey     string

	// PollInterval spaces status checks; PollTimeout and MaxPolls bound
	// the wait so an abandoned job cannot pin a request forever.
	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxPolls     int

	// OnPoll, when set, is called once per status check.
	OnPoll func()
}

// Client is the consolidated render-worker client.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.runpod.ai"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2500 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Minute
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 240
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type submitEnvelope struct {
	Input submitInput `json:"input"`
}

type submitInput struct {
	Prompt               string            `json:"prompt"`
	ImagePath            string            `json:"image_path"`
	AudioPaths           map[string]string `json:"audio_paths"`
	AudioType            string            `json:"audio_type"`
	SampleTextGuideScale float64           `json:"sample_text_guide_scale"`
	SampleAudioGuide     float64           `json:"sample_audio_guide_scale"`
	SampleSteps          int               `json:"sample_steps"`
	Mode                 string            `json:"mode"`
	Size                 string            `json:"size"`
}

type statusEnvelope struct {
	ID     string        `json:"id"`
	Status Status        `json:"status"`
	Error  string        `json:"error"`
	Output *statusOutput `json:"output"`
}

type statusOutput struct {
	VideoBase64 string `json:"video_base64"`
	Error       string `json:"error"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
}

// Submit posts the job and returns the worker-assigned job id.
func (c *Client) Submit(ctx context.Context, job Job) (string, error) {
	payload, err := json.Marshal(submitEnvelope{Input: submitInput{
		Prompt:               job.Prompt,
		ImagePath:            job.ImageURL,
		AudioPaths:           map[string]string{"person1": job.AudioURL},
		AudioType:            "speech",
		SampleTextGuideScale: 1.0,
		SampleAudioGuide:     2.0,
		SampleSteps:          8,
		Mode:                 "streaming",
		Size:                 "multitalk-480",
	}})
	if err != nil {
		return "", fmt.Errorf("marshal render job: %w", err)
	}

	url := fmt.Sprintf("%s/v2/%s/run", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.EndpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("render submit: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("render submit: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &SubmissionError{StatusCode: res.StatusCode, Body: truncate(body, 800), Reason: "non-success status"}
	}

	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", &SubmissionError{Body: truncate(body, 800), Reason: "non-JSON response"}
	}
	if strings.TrimSpace(env.ID) == "" {
		return "", &SubmissionError{Body: truncate(body, 800), Reason: "missing job id"}
	}
	return env.ID, nil
}

// Poll fetches the current job status. Non-success HTTP status or a
// non-JSON body is a hard failure, not silently retried.
func (c *Client) Poll(ctx context.Context, jobID string) (PollResult, error) {
	if c.cfg.OnPoll != nil {
		c.cfg.OnPoll()
	}
	url := fmt.Sprintf("%s/v2/%s/status/%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.EndpointID, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("render status: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 256<<20))
	if err != nil {
		return PollResult{}, fmt.Errorf("render status: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return PollResult{}, fmt.Errorf("render status: HTTP %d: %s", res.StatusCode, truncate(body, 1200))
	}

	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PollResult{}, fmt.Errorf("render status: non-JSON response: %s", truncate(body, 1200))
	}

	result := PollResult{Status: env.Status}
	if env.Output != nil {
		result.VideoBase64 = env.Output.VideoBase64
	}
	if env.Status == StatusFailed {
		result.ErrorDetail = failureDetail(env)
	}
	return result, nil
}

// SubmitAndAwait runs the full submit-then-poll protocol and returns the
// base64 video payload exactly as the worker produced it. The wait is
// bounded by PollTimeout and MaxPolls and honors ctx cancellation; the
// render itself is never retried.
func (c *Client) SubmitAndAwait(ctx context.Context, job Job) (string, error) {
	jobID, err := c.Submit(ctx, job)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= c.cfg.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("render job %s: wait aborted: %w", jobID, ctx.Err())
		case <-timer.C:
		}

		result, err := c.Poll(ctx, jobID)
		if err != nil {
			return "", err
		}

		switch result.Status {
		case StatusCompleted:
			if result.VideoBase64 == "" {
				return "", fmt.Errorf("render job %s: %w", jobID, ErrNoVideo)
			}
			return result.VideoBase64, nil
		case StatusFailed:
			return "", &RenderError{JobID: jobID, Detail: result.ErrorDetail}
		}

		timer.Reset(c.cfg.PollInterval)
	}
	return "", fmt.Errorf("render job %s: no terminal status after %d polls", jobID, c.cfg.MaxPolls)
}

func failureDetail(env statusEnvelope) string {
	var parts []string
	errText := env.Error
	if env.Output != nil && env.Output.Error != "" {
		errText = env.Output.Error
	}
	if errText != "" {
		parts = append(parts, "error: "+errText)
	}
	if env.Output != nil && env.Output.Stdout != "" {
		parts = append(parts, "--- stdout ---\n"+lastN(env.Output.Stdout, 2000))
	}
	if env.Output != nil && env.Output.Stderr != "" {
		parts = append(parts, "--- stderr ---\n"+lastN(env.Output.Stderr, 2000))
	}
	if len(parts) == 0 {
		return "job failed (no details)"
	}
	return strings.Join(parts, "\n")
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
