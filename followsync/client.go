// Package followsync keeps the stored follow graph aligned with the public
// AppView. The scheduled refresh only adds edges; the nightly resync also
// removes the ones a subscriber dropped.
package followsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultAppView = "https://public.api.bsky.app"

// Client fetches follow lists from an AppView instance.
type Client struct {
	baseURL    string
	pageSize   int
	httpClient *http.Client
}

// NewClient creates an AppView client. An empty baseURL falls back to the
// public Bluesky AppView; pageSize is clamped to the endpoint's maximum.
func NewClient(baseURL string, pageSize int) *Client {
	if baseURL == "" {
		baseURL = defaultAppView
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &Client{
		baseURL:  baseURL,
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type followsResponse struct {
	Follows []struct {
		DID string `json:"did"`
	} `json:"follows"`
	Cursor string `json:"cursor"`
}

// Follows returns the complete list of DIDs the actor follows, walking
// app.bsky.graph.getFollows until the cursor runs out.
func (c *Client) Follows(ctx context.Context, actor string) ([]string, error) {
	var dids []string
	cursor := ""

	for {
		page, err := c.followsPage(ctx, actor, cursor)
		if err != nil {
			return nil, err
		}
		for _, f := range page.Follows {
			dids = append(dids, f.DID)
		}
		if page.Cursor == "" || len(page.Follows) == 0 {
			return dids, nil
		}
		cursor = page.Cursor
	}
}

func (c *Client) followsPage(ctx context.Context, actor, cursor string) (*followsResponse, error) {
	params := url.Values{}
	params.Set("actor", actor)
	params.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/xrpc/app.bsky.graph.getFollows?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("appview error (status %d): %s", resp.StatusCode, string(body))
	}

	var page followsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &page, nil
}
