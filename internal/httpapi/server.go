package httpapi

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/canukguy1974/multitalk-runpod-minimal/internal/config"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/observability"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/pipeline"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/protocol"
	"github.com/canukguy1974/multitalk-runpod-minimal/internal/uploads"
)

// maxUploadBytes caps multipart and websocket request bodies.
const maxUploadBytes = 32 << 20

// Pipeline runs one talking-reply job end to end.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (pipeline.Result, error)
}

type Server struct {
	cfg      config.Config
	store    *uploads.Store
	pipeline Pipeline
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store *uploads.Store, pl Pipeline, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		pipeline: pl,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same origin
				// unless the deployment opts out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	allowed := []string{s.cfg.PublicBaseURL}
	if s.cfg.AllowAnyOrigin {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/talking-reply", s.handleTalkingReply)
	r.Get("/api/talking-reply/ws", s.handleTalkingReplyWS)

	r.Handle("/uploads/*", http.StripPrefix("/uploads/", s.uploadsHandler()))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"render_available": s.cfg.RenderConfigured(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"render_available": s.cfg.RenderConfigured(),
	})
}

// handleTalkingReply accepts a multipart form with an "image" file,
// plus either a "text" field or an "audio" file, and responds with the
// finished pipeline result.
func (s *Server) handleTalkingReply(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "expected multipart form: "+err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	image, err := s.saveFormFile(r, "image", "img", ".png")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if image == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "image file is required")
		return
	}

	audio, err := s.saveFormFile(r, "audio", "upload", ".webm")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req := pipeline.Request{
		Image: *image,
		Audio: audio,
		Text:  r.FormValue("text"),
	}

	result, err := s.pipeline.Run(r.Context(), req, nil)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleTalkingReplyWS runs the same pipeline over a websocket so clients
// can watch stage transitions. The first text message must be a
// client_request; the connection closes after the terminal payload.
func (s *Server) handleTalkingReplyWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxUploadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

	req, derr := s.readClientRequest(conn)
	if derr != nil {
		s.writeWS(conn, protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Code:    "invalid_request",
			Message: derr.Error(),
		})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Single writer: the pipeline goroutine feeds events through outbound.
	outbound := make(chan any, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range outbound {
			s.writeWS(conn, msg)
		}
	}()

	progress := func(stage, detail string) {
		select {
		case outbound <- protocol.PipelineStage{
			Type:   protocol.TypePipelineStage,
			Stage:  stage,
			Detail: detail,
			TSMs:   time.Now().UnixMilli(),
		}:
		default:
			// Keep websocket writes single-threaded; drop if saturated.
		}
	}

	result, runErr := s.pipeline.Run(ctx, req, progress)
	if runErr != nil {
		code := "pipeline_failed"
		if errors.Is(runErr, pipeline.ErrBadInput) {
			code = "invalid_request"
		}
		outbound <- protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Code:    code,
			Message: runErr.Error(),
		}
	} else {
		outbound <- protocol.PipelineResult{
			Type:       protocol.TypePipelineResult,
			OK:         result.OK,
			Transcript: result.Transcript,
			ReplyText:  result.ReplyText,
			AudioURL:   result.AudioURL,
			VideoURL:   result.VideoURL,
			Note:       result.Note,
		}
	}
	close(outbound)
	<-done
}

// readClientRequest waits for the opening client_request message and
// stores its inline assets.
func (s *Server) readClientRequest(conn *websocket.Conn) (pipeline.Request, error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return pipeline.Request{}, errors.New("connection closed before client_request")
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.Decode(data)
		if err != nil {
			return pipeline.Request{}, err
		}
		cr, ok := parsed.(protocol.ClientRequest)
		if !ok {
			return pipeline.Request{}, errors.New("first message must be a client_request")
		}
		return s.requestFromClientMessage(cr)
	}
}

func (s *Server) requestFromClientMessage(cr protocol.ClientRequest) (pipeline.Request, error) {
	if strings.TrimSpace(cr.ImageBase64) == "" {
		return pipeline.Request{}, errors.New("image_base64 is required")
	}
	imageData, err := base64.StdEncoding.DecodeString(cr.ImageBase64)
	if err != nil {
		return pipeline.Request{}, errors.New("image_base64 is not valid base64")
	}
	image, err := s.store.WriteFile("img", safeExt(cr.ImageExt, ".png"), imageData)
	if err != nil {
		return pipeline.Request{}, err
	}
	req := pipeline.Request{Image: image, Text: cr.Text}

	if strings.TrimSpace(cr.AudioBase64) != "" {
		audioData, err := base64.StdEncoding.DecodeString(cr.AudioBase64)
		if err != nil {
			return pipeline.Request{}, errors.New("audio_base64 is not valid base64")
		}
		audio, err := s.store.WriteFile("upload", safeExt(cr.AudioExt, ".webm"), audioData)
		if err != nil {
			return pipeline.Request{}, err
		}
		req.Audio = &audio
	}
	return req, nil
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		s.log.Debug().Err(err).Msg("websocket write failed")
	}
}

// saveFormFile stores an optional multipart file part. A missing part
// returns (nil, nil).
func (s *Server) saveFormFile(r *http.Request, field, prefix, defaultExt string) (*uploads.SavedFile, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New("reading " + field + " part: " + err.Error())
	}
	defer file.Close()

	saved, err := s.store.Save(prefix, extOf(header, defaultExt), file)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// uploadsHandler serves stored assets by name. The render worker fetches
// its inputs from here.
func (s *Server) uploadsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.Trim(r.URL.Path, "/")
		if name == "" || name != filepath.Base(name) {
			respondError(w, http.StatusNotFound, "not_found", "no such upload")
			return
		}
		http.ServeFile(w, r, s.store.Path(name))
	})
}

func (s *Server) respondPipelineError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrBadInput) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.log.Error().Err(err).Msg("pipeline run failed")
	respondError(w, http.StatusInternalServerError, "pipeline_failed", err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack exposes the underlying connection so websocket upgrades work
// through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func extOf(header *multipart.FileHeader, fallback string) string {
	return safeExt(filepath.Ext(header.Filename), fallback)
}

// safeExt keeps only plain extensions like ".png"; anything else falls
// back to the default so filenames stay under the store's control.
func safeExt(ext, fallback string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if len(ext) < 2 || len(ext) > 8 {
		return fallback
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fallback
		}
	}
	return ext
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
