package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HubClient publishes feed updates to WebSub (PubSubHubbub) hubs.
type HubClient struct {
	client  *http.Client
	timeout time.Duration
}

func NewHubClient(client *http.Client, timeout time.Duration) *HubClient {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HubClient{client: client, timeout: timeout}
}

// Publish tells hub that the feed at feedURL changed. Any non-2xx answer
// is an error.
func (h *HubClient) Publish(ctx context.Context, hub, feedURL string) error {
	if !validHubURL(hub) {
		return fmt.Errorf("invalid hub url %q", hub)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("hub.mode", "publish")
	form.Set("hub.url", feedURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hub, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to hub: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("hub responded %s", resp.Status)
	}
	return nil
}
