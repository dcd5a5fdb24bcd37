package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"meshroom/native/internal/domain"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

// Client fetches ICE server configuration over HTTP.
type Client struct {
	HTTP *http.Client
}

// NewClient creates an API client with a bounded request timeout.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: defaultTimeout}}
}

// FetchICEServers reads the STUN/TURN servers published at url. The body is
// either {"iceServers": [...]} or a bare array of servers; a server's
// "urls" may be a string or a list.
func (c *Client) FetchICEServers(ctx context.Context, url string) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}

	servers, err := decodeServers(body)
	if err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	log.Info().Str("module", "api").Int("servers", len(servers)).Msg("ICE servers fetched")
	return servers, nil
}

func decodeServers(body []byte) ([]domain.ICEServer, error) {
	body = bytes.TrimSpace(body)

	var raw []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			ICEServers []json.RawMessage `json:"iceServers"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		raw = wrapped.ICEServers
	}

	servers := make([]domain.ICEServer, 0, len(raw))
	for _, r := range raw {
		var s struct {
			URLs       json.RawMessage `json:"urls"`
			Username   string          `json:"username"`
			Credential string          `json:"credential"`
		}
		if err := json.Unmarshal(r, &s); err != nil {
			return nil, err
		}

		var urls []string
		if len(s.URLs) > 0 && s.URLs[0] == '"' {
			var one string
			if err := json.Unmarshal(s.URLs, &one); err != nil {
				return nil, err
			}
			urls = []string{one}
		} else if len(s.URLs) > 0 {
			if err := json.Unmarshal(s.URLs, &urls); err != nil {
				return nil, err
			}
		}
		if len(urls) == 0 {
			continue
		}
		servers = append(servers, domain.ICEServer{URLs: urls, Username: s.Username, Credential: s.Credential})
	}
	return servers, nil
}
