// Package synth turns a streamed sequence of typed speech chunks into a
// single audio buffer, with an optional object-store cache in front of the
// upstream session.
package synth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/edge-tts-api/internal/core"
)

// ErrTextEmpty indicates that the synthesis text is empty. Request validation
// happens at the HTTP surface; this guards direct callers.
var ErrTextEmpty = errors.New("text cannot be empty")

// Aggregate folds a chunk stream into one buffer. Chunks tagged as audio with
// non-empty data are appended in arrival order; every other chunk is skipped
// without error. The fold ends at io.EOF. Any other error aborts aggregation
// and the partial buffer is discarded.
func Aggregate(ctx context.Context, stream core.ChunkStream) ([]byte, error) {
	var buf []byte

	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return buf, nil
		}

		if err != nil {
			return nil, fmt.Errorf("consume chunk stream: %w", err)
		}

		if chunk.Type == core.ChunkTypeAudio && len(chunk.Data) > 0 {
			buf = append(buf, chunk.Data...)
		}
	}
}

// Service produces complete audio payloads for (text, voice) pairs. The
// cache is optional; a nil store synthesizes every request upstream.
type Service struct {
	synthesizer  core.Synthesizer
	cache        core.ObjectStore
	defaultVoice string
	log          *logger.Logger
}

// New creates a synthesis service. Pass a nil cache to disable caching.
func New(
	synthesizer core.Synthesizer,
	cache core.ObjectStore,
	defaultVoice string,
	log *logger.Logger,
) *Service {
	return &Service{
		synthesizer:  synthesizer,
		cache:        cache,
		defaultVoice: defaultVoice,
		log:          log,
	}
}

// Synthesize returns the full audio payload for the given text. An empty
// voice falls back to the configured default. An empty payload with a nil
// error means the backend produced no audio, which is not a failure.
func (s *Service) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, ErrTextEmpty
	}

	if voice == "" {
		voice = s.defaultVoice
	}

	requestID := uuid.NewString()
	key := cacheKey(text, voice)

	cached, hit := s.cacheLookup(ctx, key, requestID)
	if hit {
		return cached, nil
	}

	stream, err := s.synthesizer.OpenStream(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("open synthesis session: %w", err)
	}

	defer func() {
		closeErr := stream.Close()
		if closeErr != nil {
			s.log.Warn("[%s] Failed to close synthesis session: %v", requestID, closeErr)
		}
	}()

	audio, err := Aggregate(ctx, stream)
	if err != nil {
		return nil, err
	}

	s.log.Info("[%s] Synthesized %d bytes for voice %s", requestID, len(audio), voice)
	s.cacheStore(ctx, key, audio, requestID)

	return audio, nil
}

func (s *Service) cacheLookup(ctx context.Context, key, requestID string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}

	data, err := s.cache.Download(ctx, key)
	if err != nil {
		if !errors.Is(err, core.ErrObjectNotFound) {
			s.log.Warn("[%s] Audio cache lookup failed for '%s': %v", requestID, key, err)
		}

		return nil, false
	}

	s.log.Info("[%s] Audio cache hit for '%s' (%d bytes)", requestID, key, len(data))

	return data, true
}

// cacheStore is best-effort: an upload failure never fails the request.
func (s *Service) cacheStore(ctx context.Context, key string, audio []byte, requestID string) {
	if s.cache == nil || len(audio) == 0 {
		return
	}

	err := s.cache.Upload(ctx, key, audio)
	if err != nil {
		s.log.Warn("[%s] Audio cache store failed for '%s': %v", requestID, key, err)
	}
}

// cacheKey derives a deterministic store key so repeated requests for the
// same (text, voice) map to the same object.
func cacheKey(text, voice string) string {
	sum := sha256.Sum256([]byte(voice + "\x00" + text))

	return hex.EncodeToString(sum[:]) + ".mp3"
}
