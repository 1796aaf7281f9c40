// Package core defines the core interfaces and value types shared by the
// edge-tts-api gateway components.
package core

import (
	"context"
	"errors"
)

// ChunkTypeAudio tags stream items that carry synthesized audio bytes.
const ChunkTypeAudio = "audio"

// ErrObjectNotFound is returned by ObjectStore.Download when the key does not
// exist. Callers use it to distinguish a cache miss from a store failure.
var ErrObjectNotFound = errors.New("object not found")

// Chunk is one unit of a streaming synthesis response. Only chunks whose Type
// is ChunkTypeAudio and whose Data is non-empty contribute to the final audio
// payload; other types (boundary markers, metadata) are skipped by consumers.
type Chunk struct {
	Type string
	Data []byte
}

// ChunkStream is a finite, non-restartable sequence of chunks produced by one
// synthesis session. Next returns io.EOF after the backend signals
// end-of-stream. A stream that must be retried requires a new session.
type ChunkStream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Synthesizer opens a streaming synthesis session against the upstream
// speech backend for the given text and voice.
type Synthesizer interface {
	OpenStream(ctx context.Context, text, voice string) (ChunkStream, error)
}

// Voice is the normalized projection of an upstream voice metadata record.
type Voice struct {
	ShortName    string `json:"ShortName"`
	Locale       string `json:"Locale"`
	Gender       string `json:"Gender"`
	FriendlyName string `json:"FriendlyName"`
}

// VoiceLister retrieves the upstream voice directory.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// ObjectStore defines the interface for interacting with a key-value blob
// store. Download returns ErrObjectNotFound for missing keys.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}
