// Package server wires the access gate, CORS policy, and route handlers into
// the gateway's HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/book-expert/edge-tts-api/internal/config"
	"github.com/book-expert/edge-tts-api/internal/core"
	"github.com/book-expert/edge-tts-api/internal/gate"
	"github.com/book-expert/edge-tts-api/internal/httputil"
	"github.com/book-expert/edge-tts-api/internal/synth"
)

// ServiceName and Version identify the gateway in the root and health
// payloads.
const (
	ServiceName = "edge_tts"
	Version     = "2.0.0"
)

const (
	contentTypeAudio  = "audio/mpeg"
	headerTTSError    = "X-TTS-Error"
	ttsErrorNoAudio   = "no-audio"
	msgInvalidJSON    = "invalid json"
	msgEmptyText      = "empty text"
	readHeaderTimeout = 10 * time.Second
)

var endpointPaths = []string{"/health", "/api/voices", "/api/tts"}

// Server is the HTTP surface of the gateway. All handler state is read-only
// after construction.
type Server struct {
	cfg    *config.Config
	synth  *synth.Service
	voices core.VoiceLister
	log    *logger.Logger
}

// New creates the HTTP surface around the given collaborators.
func New(
	cfg *config.Config,
	synthService *synth.Service,
	voices core.VoiceLister,
	log *logger.Logger,
) *Server {
	return &Server{
		cfg:    cfg,
		synth:  synthService,
		voices: voices,
		log:    log,
	}
}

// Router builds the chi router: recoverer, CORS, access gate, then the four
// routes.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(chimw.Recoverer)
	router.Use(s.corsMiddleware)
	router.Use(gate.Middleware(s.cfg.Gate))

	router.Get("/", s.handleRoot)
	router.Get("/health", s.handleHealth)
	router.Get("/api/voices", s.handleVoices)
	router.Post("/api/tts", s.handleTTS)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	s.log.System("Listening on :%d (api_key_required=%t)",
		s.cfg.Server.Port, s.cfg.Gate.APIKeyRequired())

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(s.cfg.Server.ShutdownSeconds)*time.Second,
	)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	return nil
}

// corsMiddleware mirrors allowed origins back without credentials. Preflight
// requests short-circuit with 204 before the gate runs.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		w.Header().Add("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		requested := r.Header.Get("Access-Control-Request-Headers")
		if requested == "" {
			requested = "*"
		}

		w.Header().Set("Access-Control-Allow-Headers", requested)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Gate.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}

	return s.cfg.Gate.AllowedOriginRx.MatchString(origin)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	httputil.OkJSON(w, map[string]any{
		"ok":        true,
		"service":   ServiceName,
		"version":   Version,
		"endpoints": endpointPaths,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.OkJSON(w, map[string]any{
		"ok":                 true,
		"service":            ServiceName,
		"tts_endpoint_ready": true,
		"api_key_required":   s.cfg.Gate.APIKeyRequired(),
	})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	raw, err := s.voices.ListVoices(r.Context())
	if err != nil {
		s.log.Error("Voice listing failed: %v", err)
		httputil.ErrorJSON(w, http.StatusInternalServerError,
			fmt.Sprintf("voices failed: %v", err))

		return
	}

	projected := make([]core.Voice, 0, len(raw))

	for _, voice := range raw {
		if voice.ShortName == "" {
			continue
		}

		projected = append(projected, voice)
	}

	httputil.OkJSON(w, projected)
}

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// handleTTS buffers the complete audio payload before writing a byte, so an
// aborted client never observes a partial chunk. Synthesis failures degrade
// to an empty 200 audio response with the diagnostic header; only validation
// failures produce a non-2xx status.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httputil.ErrorJSON(w, http.StatusBadRequest, msgInvalidJSON)

		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		httputil.ErrorJSON(w, http.StatusBadRequest, msgEmptyText)

		return
	}

	maxChars := s.cfg.Gate.MaxChars
	if utf8.RuneCountInString(text) > maxChars {
		httputil.ErrorJSON(w, http.StatusBadRequest,
			fmt.Sprintf("text too long (max %d)", maxChars))

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(),
		time.Duration(s.cfg.Edge.SynthTimeoutSeconds)*time.Second)
	defer cancel()

	audio, err := s.synth.Synthesize(ctx, text, req.Voice)

	w.Header().Set("Content-Type", contentTypeAudio)

	switch {
	case err != nil:
		s.log.Error("TTS failed: %v", err)
		w.Header().Set(headerTTSError, err.Error())
		w.WriteHeader(http.StatusOK)
	case len(audio) == 0:
		w.Header().Set(headerTTSError, ttsErrorNoAudio)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(audio)
	}
}
