// Package edge implements the client for the Microsoft Edge speech-synthesis
// service: a websocket streaming synthesis session and the HTTPS voice
// directory.
package edge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/book-expert/edge-tts-api/internal/core"
)

const (
	trustedClientToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	wssEndpoint        = "wss://speech.platform.bing.com/consumer/speech/synthesize/" +
		"readaloud/edge/v1?TrustedClientToken=" + trustedClientToken + "&ConnectionId="
	voiceListEndpoint = "https://speech.platform.bing.com/consumer/speech/synthesize/" +
		"readaloud/voices/list?trustedclienttoken=" + trustedClientToken
)

// The service only accepts connections that look like the Edge read-aloud
// browser extension.
const (
	originHeader = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/103.0.5060.66 Safari/537.36 Edg/103.0.1264.44"
)

// Wire protocol paths and the negotiated output format.
const (
	pathAudio     = "audio"
	pathTurnEnd   = "turn.end"
	wireOutputFmt = "audio-24khz-48kbitrate-mono-mp3"
)

const (
	headerSizeBytes  = 2
	wireHeaderPath   = "Path"
	wireTimeFormat   = "2006-01-02T15:04:05.000"
	defaultDialWait  = 10 * time.Second
	defaultWriteWait = 5 * time.Second
)

// Static errors.
var (
	ErrShortBinaryFrame = errors.New("binary frame shorter than its declared header")
	ErrVoiceListStatus  = errors.New("voice list returned non-OK status")
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

const ssmlTemplate = `<speak xmlns="http://www.w3.org/2001/10/synthesis" ` +
	`xmlns:mstts="http://www.w3.org/2001/mstts" version="1.0" xml:lang="en-US">` +
	`<voice name="%s"><prosody rate="0%%" pitch="0%%">%s</prosody></voice></speak>`

// Client talks to the Edge speech service. It is safe for concurrent use;
// every OpenStream call dials its own websocket session.
type Client struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration
	httpClient   *http.Client
	voiceListURL string
}

// New creates an Edge speech client with the given dial timeout. The same
// timeout bounds the voice directory round trip.
func New(dialTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialWait
	}

	return &Client{
		dialTimeout:  dialTimeout,
		writeTimeout: defaultWriteWait,
		httpClient:   &http.Client{Timeout: dialTimeout},
		voiceListURL: voiceListEndpoint,
	}
}

// OpenStream dials a synthesis session for (text, voice) and returns the
// resulting chunk stream. The session is single-use: it ends at the turn.end
// marker and cannot be restarted.
func (c *Client) OpenStream(ctx context.Context, text, voice string) (core.ChunkStream, error) {
	connectionID := uuid.NewString()

	dialer := websocket.Dialer{
		EnableCompression: true,
		HandshakeTimeout:  c.dialTimeout,
	}

	header := http.Header{}
	header.Set("Origin", originHeader)
	header.Set("User-Agent", userAgent)

	conn, resp, err := dialer.DialContext(ctx, wssEndpoint+connectionID, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial speech service: %w: %s", err, resp.Status)
		}

		return nil, fmt.Errorf("dial speech service: %w", err)
	}

	sendErr := c.sendHandshake(conn, connectionID, text, voice)
	if sendErr != nil {
		_ = conn.Close()

		return nil, sendErr
	}

	return &session{conn: conn, done: false}, nil
}

// sendHandshake writes the speech.config and SSML messages that start a turn.
func (c *Client) sendHandshake(conn *websocket.Conn, connectionID, text, voice string) error {
	configMsg := "X-Timestamp:" + wireTimestamp() + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":` +
		`{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},` +
		`"outputFormat":"` + wireOutputFmt + `"}}}}`

	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	err := conn.WriteMessage(websocket.TextMessage, []byte(configMsg))
	if err != nil {
		return fmt.Errorf("send speech.config: %w", err)
	}

	ssmlMsg := "Path: ssml\r\n" +
		"X-RequestId: " + connectionID + "\r\n" +
		"X-Timestamp: " + wireTimestamp() + "\r\n" +
		"Content-Type: application/ssml+xml\r\n\r\n" +
		buildSSML(text, voice)

	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	err = conn.WriteMessage(websocket.TextMessage, []byte(ssmlMsg))
	if err != nil {
		return fmt.Errorf("send ssml: %w", err)
	}

	return nil
}

// session consumes one synthesis turn from an open websocket connection.
// It is owned by a single request goroutine; Next is never called
// concurrently.
type session struct {
	conn *websocket.Conn
	done bool
}

// Next returns the next chunk of the turn. Binary frames whose Path header is
// "audio" yield audio chunks; text frames yield metadata chunks tagged by
// their Path; the turn.end marker ends the stream with io.EOF.
func (s *session) Next(ctx context.Context) (core.Chunk, error) {
	if s.done {
		return core.Chunk{}, io.EOF
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	}

	messageType, payload, err := s.conn.ReadMessage()
	if err != nil {
		return core.Chunk{}, fmt.Errorf("read speech frame: %w", err)
	}

	if messageType == websocket.BinaryMessage {
		return parseBinaryFrame(payload)
	}

	return s.parseTextFrame(payload)
}

// Close releases the underlying connection. Safe to call after EOF.
func (s *session) Close() error {
	err := s.conn.Close()
	if err != nil {
		return fmt.Errorf("close speech session: %w", err)
	}

	return nil
}

// parseBinaryFrame splits a binary frame into its textual header block and
// payload. The first two bytes carry the big-endian header length.
func parseBinaryFrame(payload []byte) (core.Chunk, error) {
	if len(payload) < headerSizeBytes {
		return core.Chunk{}, ErrShortBinaryFrame
	}

	headerLen := int(binary.BigEndian.Uint16(payload[:headerSizeBytes]))
	if len(payload) < headerSizeBytes+headerLen {
		return core.Chunk{}, ErrShortBinaryFrame
	}

	headers := parseWireHeaders(string(payload[headerSizeBytes : headerSizeBytes+headerLen]))
	data := payload[headerSizeBytes+headerLen:]

	path := headers[wireHeaderPath]
	if path == pathAudio {
		return core.Chunk{Type: core.ChunkTypeAudio, Data: data}, nil
	}

	return core.Chunk{Type: path, Data: nil}, nil
}

func (s *session) parseTextFrame(payload []byte) (core.Chunk, error) {
	headerBlock, _, _ := strings.Cut(string(payload), "\r\n\r\n")
	path := parseWireHeaders(headerBlock)[wireHeaderPath]

	if path == pathTurnEnd {
		s.done = true

		return core.Chunk{}, io.EOF
	}

	return core.Chunk{Type: path, Data: nil}, nil
}

// parseWireHeaders parses the "Name:Value" header lines used by the speech
// wire protocol.
func parseWireHeaders(block string) map[string]string {
	headers := make(map[string]string)

	for _, line := range strings.Split(block, "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	return headers
}

func buildSSML(text, voice string) string {
	return fmt.Sprintf(ssmlTemplate, voice, xmlEscaper.Replace(text))
}

func wireTimestamp() string {
	return time.Now().UTC().Format(wireTimeFormat) + "Z"
}
