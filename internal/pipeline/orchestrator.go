// Package pipeline sequences the talking-reply stages: transcript
// resolution, reply generation, speech synthesis, video rendering, and the
// static-video fallback when rendering yields nothing.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/canukguy1974/multitalk-runpod-minimal/internal/lipsync"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/observability"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/uploads"
)

// Stage names, also used as metric labels and progress events.
const (
	StageResolveTranscript = "resolve_transcript"
	StageGenerateReply     = "generate_reply"
	StageSynthesizeSpeech  = "synthesize_speech"
	StageRenderVideo       = "render_video"
	StageComposeFallback   = "compose_fallback"
)

// DegradedNote marks a static fallback video in the response payload.
const DegradedNote = "Fallback static video (no lipsync)"

// ErrBadInput marks failures the client caused: missing image, or no
// usable transcript source. Transports map it to a 400.
var ErrBadInput = errors.New("bad input")

// StageError records which stage aborted the pipeline.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Request is one pipeline run. Image is required; at least one of Text or
// Audio must be present. The transport has already stored both files.
type Request struct {
	Image uploads.SavedFile
	Audio *uploads.SavedFile
	Text  string
}

// Result is the final response payload.
type Result struct {
	OK         bool   `json:"ok"`
	Transcript string `json:"transcript"`
	ReplyText  string `json:"replyText"`
	AudioURL   string `json:"audioUrl"`
	VideoURL   string `json:"videoUrl"`
	Note       string `json:"note,omitempty"`
}

// ProgressFunc observes stage transitions. May be nil.
type ProgressFunc func(stage, detail string)

// Transcriber resolves speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// ReplyGenerator produces non-empty assistant text for a transcript.
type ReplyGenerator interface {
	Generate(ctx context.Context, transcript string) (string, error)
}

// Synthesizer produces a normalized WAV asset for the reply text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (uploads.SavedFile, error)
}

// Normalizer converts uploaded audio to the canonical WAV format.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath, outputPath string) error
}

// Renderer runs the remote lip-sync job to completion.
type Renderer interface {
	SubmitAndAwait(ctx context.Context, job lipsync.Job) (string, error)
}

// Composer builds the static image-plus-audio substitute video.
type Composer interface {
	ComposeStill(ctx context.Context, imagePath, wavPath, outPath string) error
}

// Orchestrator owns one request's assets for the run and drives the
// stages strictly in sequence.
type Orchestrator struct {
	store       *uploads.Store
	normalizer  Normalizer
	transcriber Transcriber
	replies     ReplyGenerator
	synthesizer Synthesizer
	renderer    Renderer // nil when the render worker is not configured
	composer    Composer
	metrics     *observability.Metrics
	log         zerolog.Logger
	prompt      string
}

func NewOrchestrator(
	store *uploads.Store,
	normalizer Normalizer,
	transcriber Transcriber,
	replies ReplyGenerator,
	synthesizer Synthesizer,
	renderer Renderer,
	composer Composer,
	metrics *observability.Metrics,
	log zerolog.Logger,
	renderPrompt string,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		normalizer:  normalizer,
		transcriber: transcriber,
		replies:     replies,
		synthesizer: synthesizer,
		renderer:    renderer,
		composer:    composer,
		metrics:     metrics,
		log:         log,
		prompt:      renderPrompt,
	}
}

// Run executes the pipeline. It returns a Result in the COMPLETED and
// DEGRADED outcomes; any other stage failure aborts the whole run.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	res, err := o.run(ctx, req, progress)
	switch {
	case err != nil:
		o.metrics.PipelineOutcomes.WithLabelValues("failed").Inc()
	case res.Note != "":
		o.metrics.PipelineOutcomes.WithLabelValues("degraded").Inc()
	default:
		o.metrics.PipelineOutcomes.WithLabelValues("completed").Inc()
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if strings.TrimSpace(req.Image.Path) == "" {
		return Result{}, &StageError{Stage: StageResolveTranscript, Err: fmt.Errorf("%w: image is required", ErrBadInput)}
	}

	transcript, err := o.resolveTranscript(ctx, req, progress)
	if err != nil {
		return Result{}, err
	}

	o.announce(progress, StageGenerateReply, "")
	start := time.Now()
	replyText, err := o.replies.Generate(ctx, transcript)
	o.metrics.ObserveStage(StageGenerateReply, time.Since(start))
	if err != nil {
		return Result{}, o.fail(StageGenerateReply, "openai", err)
	}

	o.announce(progress, StageSynthesizeSpeech, "")
	start = time.Now()
	speechWav, err := o.synthesizer.Synthesize(ctx, replyText)
	o.metrics.ObserveStage(StageSynthesizeSpeech, time.Since(start))
	if err != nil {
		return Result{}, o.fail(StageSynthesizeSpeech, "tts", err)
	}

	result := Result{
		OK:         true,
		Transcript: transcript,
		ReplyText:  replyText,
		AudioURL:   speechWav.URL,
	}

	videoURL, note, err := o.renderVideo(ctx, req.Image, speechWav, progress)
	if err != nil {
		return Result{}, err
	}
	result.VideoURL = videoURL
	result.Note = note
	return result, nil
}

// resolveTranscript prefers supplied text over audio; audio is normalized
// first, and the uploaded original is removed once consumed.
func (o *Orchestrator) resolveTranscript(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	o.announce(progress, StageResolveTranscript, "")

	transcript := strings.TrimSpace(req.Text)
	if transcript != "" {
		return transcript, nil
	}
	if req.Audio == nil {
		return "", &StageError{
			Stage: StageResolveTranscript,
			Err:   fmt.Errorf("%w: provide text or audio to transcribe", ErrBadInput),
		}
	}

	start := time.Now()
	defer func() {
		o.metrics.ObserveStage(StageResolveTranscript, time.Since(start))
	}()

	wav := o.store.Describe(o.store.NewName("in", ".wav"))
	if err := o.normalizer.Normalize(ctx, req.Audio.Path, wav.Path); err != nil {
		return "", o.fail(StageResolveTranscript, "ffmpeg", err)
	}
	_ = o.store.Remove(req.Audio.Name)

	transcript, err := o.transcriber.Transcribe(ctx, wav.Path)
	if err != nil {
		return "", o.fail(StageResolveTranscript, "whisper", err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", &StageError{
			Stage: StageResolveTranscript,
			Err:   fmt.Errorf("%w: audio contained no recognizable speech", ErrBadInput),
		}
	}
	return transcript, nil
}

// renderVideo attempts the lip-synced render. A missing payload (or an
// unconfigured render worker) degrades to the static composite; an
// explicit render failure aborts the pipeline.
func (o *Orchestrator) renderVideo(ctx context.Context, image, speechWav uploads.SavedFile, progress ProgressFunc) (videoURL, note string, err error) {
	if o.renderer != nil {
		o.announce(progress, StageRenderVideo, "")
		start := time.Now()
		videoB64, renderErr := o.renderer.SubmitAndAwait(ctx, lipsync.Job{
			ImageURL: image.URL,
			AudioURL: speechWav.URL,
			Prompt:   o.prompt,
		})
		o.metrics.ObserveStage(StageRenderVideo, time.Since(start))

		switch {
		case renderErr == nil:
			data, decodeErr := base64.StdEncoding.DecodeString(videoB64)
			if decodeErr != nil {
				return "", "", o.fail(StageRenderVideo, "render", fmt.Errorf("decode video payload: %w", decodeErr))
			}
			video, writeErr := o.store.WriteFile("video", ".mp4", data)
			if writeErr != nil {
				return "", "", o.fail(StageRenderVideo, "render", writeErr)
			}
			return video.URL, "", nil
		case errors.Is(renderErr, lipsync.ErrNoVideo):
			o.log.Warn().Err(renderErr).Msg("render returned no payload, composing static fallback")
		default:
			return "", "", o.fail(StageRenderVideo, "render", renderErr)
		}
	} else {
		o.log.Info().Msg("render worker not configured, composing static fallback")
	}

	o.announce(progress, StageComposeFallback, "")
	fallback := o.store.Describe(o.store.NewName("fallback", ".mp4"))
	start := time.Now()
	err = o.composer.ComposeStill(ctx, image.Path, speechWav.Path, fallback.Path)
	o.metrics.ObserveStage(StageComposeFallback, time.Since(start))
	if err != nil {
		return "", "", o.fail(StageComposeFallback, "ffmpeg", err)
	}
	return fallback.URL, DegradedNote, nil
}

func (o *Orchestrator) fail(stage, provider string, err error) error {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return err
	}
	o.metrics.ProviderErrors.WithLabelValues(provider, stage).Inc()
	o.log.Error().Err(err).Str("stage", stage).Msg("pipeline stage failed")
	return &StageError{Stage: stage, Err: err}
}

func (o *Orchestrator) announce(progress ProgressFunc, stage, detail string) {
	if progress != nil {
		progress(stage, detail)
	}
}
