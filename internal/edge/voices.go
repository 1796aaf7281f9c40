package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/book-expert/edge-tts-api/internal/core"
)

const maxVoiceListBody = 4 << 20

// ListVoices fetches the upstream voice directory. Records are decoded into
// the normalized Voice projection; fields beyond the projection are dropped.
func (c *Client) ListVoices(ctx context.Context) ([]core.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.voiceListURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create voice list request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch voice list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrVoiceListStatus, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceListBody))
	if err != nil {
		return nil, fmt.Errorf("read voice list: %w", err)
	}

	var voices []core.Voice

	err = json.Unmarshal(body, &voices)
	if err != nil {
		return nil, fmt.Errorf("decode voice list: %w", err)
	}

	return voices, nil
}
