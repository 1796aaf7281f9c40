// Package server_test tests the HTTP surface end to end against stub
// backends.
package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/edge-tts-api/internal/config"
	"github.com/book-expert/edge-tts-api/internal/core"
	"github.com/book-expert/edge-tts-api/internal/server"
	"github.com/book-expert/edge-tts-api/internal/synth"
)

var (
	errMockVoices = errors.New("upstream exploded")
	errMockSynth  = errors.New("synthesis blew up")
)

// stubStream replays a fixed chunk sequence per session.
type stubStream struct {
	chunks []core.Chunk
	err    error
	index  int
}

func (s *stubStream) Next(_ context.Context) (core.Chunk, error) {
	if s.index < len(s.chunks) {
		chunk := s.chunks[s.index]
		s.index++

		return chunk, nil
	}

	if s.err != nil {
		return core.Chunk{}, s.err
	}

	return core.Chunk{}, io.EOF
}

func (s *stubStream) Close() error { return nil }

// stubBackend implements both Synthesizer and VoiceLister. Each OpenStream
// call replays the configured chunks from the start, so repeated requests are
// deterministic.
type stubBackend struct {
	chunks    []core.Chunk
	streamErr error
	openErr   error
	voices    []core.Voice
	voicesErr error
}

func (b *stubBackend) OpenStream(_ context.Context, _, _ string) (core.ChunkStream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}

	return &stubStream{chunks: b.chunks, err: b.streamErr}, nil
}

func (b *stubBackend) ListVoices(_ context.Context) ([]core.Voice, error) {
	if b.voicesErr != nil {
		return nil, b.voicesErr
	}

	return b.voices, nil
}

func testConfig(apiKey string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, ShutdownSeconds: 1},
		Edge:   config.EdgeConfig{ConnectTimeoutSeconds: 5, SynthTimeoutSeconds: 30},
		Gate: config.GateSettings{
			APIKey:          apiKey,
			APIKeyHeader:    "X-API-Key",
			DefaultVoice:    "en-US-EmmaMultilingualNeural",
			AllowedOrigins:  []string{"https://app.example"},
			AllowedOriginRx: regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1)(:\d+)?$`),
			HealthPublic:    true,
			MaxChars:        50,
		},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config, backend *stubBackend) http.Handler {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	synthService := synth.New(backend, nil, cfg.Gate.DefaultVoice, log)

	return server.New(cfg, synthService, backend, log).Router()
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	return recorder
}

func TestRoot(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig(""), &stubBackend{})

	recorder := doJSON(t, router, http.MethodGet, "/", "")

	require.Equal(t, http.StatusOK, recorder.Code)

	var payload struct {
		Ok        bool     `json:"ok"`
		Service   string   `json:"service"`
		Version   string   `json:"version"`
		Endpoints []string `json:"endpoints"`
	}

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.True(t, payload.Ok)
	assert.Equal(t, "edge_tts", payload.Service)
	assert.Equal(t, "2.0.0", payload.Version)
	assert.Equal(t, []string{"/health", "/api/voices", "/api/tts"}, payload.Endpoints)
}

func TestHealth_ReflectsAPIKeyRequirement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		apiKey   string
		required bool
	}{
		{name: "open mode", apiKey: "", required: false},
		{name: "secret configured", apiKey: "s3cret", required: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router := newTestRouter(t, testConfig(tc.apiKey), &stubBackend{})

			recorder := doJSON(t, router, http.MethodGet, "/health", "")

			require.Equal(t, http.StatusOK, recorder.Code)

			var payload struct {
				Ok             bool `json:"ok"`
				EndpointReady  bool `json:"tts_endpoint_ready"`
				APIKeyRequired bool `json:"api_key_required"`
			}

			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
			assert.True(t, payload.Ok)
			assert.True(t, payload.EndpointReady)
			assert.Equal(t, tc.required, payload.APIKeyRequired)
		})
	}
}

func TestVoices_FiltersEntriesWithoutShortName(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{voices: []core.Voice{
		{ShortName: "a", Locale: "en-US", Gender: "Female", FriendlyName: "A"},
		{ShortName: "", Locale: "en-GB"},
		{ShortName: "b", Locale: "de-DE", Gender: "Male", FriendlyName: "B"},
	}}
	router := newTestRouter(t, testConfig(""), backend)

	recorder := doJSON(t, router, http.MethodGet, "/api/voices", "")

	require.Equal(t, http.StatusOK, recorder.Code)

	var voices []core.Voice

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &voices))
	require.Len(t, voices, 2)
	assert.Equal(t, "a", voices[0].ShortName)
	assert.Equal(t, "b", voices[1].ShortName)
}

func TestVoices_BackendFailure(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig(""), &stubBackend{voicesErr: errMockVoices})

	recorder := doJSON(t, router, http.MethodGet, "/api/voices", "")

	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.JSONEq(t, `{"error":"voices failed: upstream exploded"}`, recorder.Body.String())
}

func TestTTS_EmptyText(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig(""), &stubBackend{})

	recorder := doJSON(t, router, http.MethodPost, "/api/tts", `{"text":"   "}`)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.JSONEq(t, `{"error":"empty text"}`, recorder.Body.String())
}

func TestTTS_TextTooLong(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig(""), &stubBackend{})
	long := strings.Repeat("a", 51)

	recorder := doJSON(t, router, http.MethodPost, "/api/tts", `{"text":"`+long+`"}`)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.JSONEq(t, `{"error":"text too long (max 50)"}`, recorder.Body.String())
}

func TestTTS_InvalidJSON(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig(""), &stubBackend{})

	recorder := doJSON(t, router, http.MethodPost, "/api/tts", `{"text": `)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.JSONEq(t, `{"error":"invalid json"}`, recorder.Body.String())
}

func TestTTS_SuccessIsIdempotent(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{chunks: []core.Chunk{
		{Type: "turn.start"},
		{Type: core.ChunkTypeAudio, Data: []byte("mp3-")},
		{Type: core.ChunkTypeAudio, Data: []byte("data")},
	}}
	router := newTestRouter(t, testConfig(""), backend)

	first := doJSON(t, router, http.MethodPost, "/api/tts", `{"text":"hello"}`)
	second := doJSON(t, router, http.MethodPost, "/api/tts", `{"text":"hello"}`)

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "audio/mpeg", first.Header().Get("Content-Type"))
	assert.Empty(t, first.Header().Get("X-TTS-Error"))
	assert.Equal(t, []byte("mp3-data"), first.Body.Bytes())
	assert.True(t, bytes.Equal(first.Body.Bytes(), second.Body.Bytes()))
}

func TestTTS_EmptyStreamYieldsNoAudioHeader(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig(""), &stubBackend{})

	recorder := doJSON(t, router, http.MethodPost, "/api/tts", `{"text":"hello"}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "audio/mpeg", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "no-audio", recorder.Header().Get("X-TTS-Error"))
	assert.Empty(t, recorder.Body.Bytes())
}

func TestTTS_BackendFailureDegradesToEmptyAudio(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		chunks:    []core.Chunk{{Type: core.ChunkTypeAudio, Data: []byte("partial")}},
		streamErr: errMockSynth,
	}
	router := newTestRouter(t, testConfig(""), backend)

	recorder := doJSON(t, router, http.MethodPost, "/api/tts", `{"text":"hello"}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "audio/mpeg", recorder.Header().Get("Content-Type"))
	assert.Contains(t, recorder.Header().Get("X-TTS-Error"), "synthesis blew up")
	assert.Empty(t, recorder.Body.Bytes())
}

func TestGateOnRouter_MissingKeyRejected(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig("s3cret"), &stubBackend{})

	recorder := doJSON(t, router, http.MethodGet, "/api/voices", "")

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, recorder.Body.String())
}

func TestGateOnRouter_HealthStaysPublic(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig("s3cret"), &stubBackend{})

	recorder := doJSON(t, router, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestPreflight_AdmittedDespiteSecret(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, testConfig("s3cret"), &stubBackend{})

	req := httptest.NewRequest(http.MethodOptions, "/api/tts", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "https://app.example", recorder.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_OriginMatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "listed origin", origin: "https://app.example", allowed: true},
		{name: "listed origin different case", origin: "https://APP.example", allowed: true},
		{name: "regex local origin", origin: "http://localhost:5173", allowed: true},
		{name: "unknown origin", origin: "https://evil.example", allowed: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router := newTestRouter(t, testConfig(""), &stubBackend{})

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set("Origin", tc.origin)

			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, req)

			allowOrigin := recorder.Header().Get("Access-Control-Allow-Origin")
			if tc.allowed {
				assert.Equal(t, tc.origin, allowOrigin)
			} else {
				assert.Empty(t, allowOrigin)
			}

			assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
