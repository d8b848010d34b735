package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// maxContentLength is the longest message Discord accepts.
const maxContentLength = 2000

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// DiscordNotifier posts messages to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	// Username overrides the webhook's default name when set.
	Username string
	Client   *http.Client
}

type discordMessage struct {
	Content         string                 `json:"content"`
	Username        string                 `json:"username,omitempty"`
	AllowedMentions discordAllowedMentions `json:"allowed_mentions"`
}

type discordAllowedMentions struct {
	Parse []string `json:"parse"`
}

// Notify sends content as is. Media titles are untrusted, so mentions are never resolved.
func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(discordMessage{
		Content:         truncate(content, maxContentLength),
		Username:        d.Username,
		AllowedMentions: discordAllowedMentions{Parse: []string{}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("webhook rate limited, retry after %s seconds", resp.Header.Get("Retry-After"))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n-1]) + "…"
}
