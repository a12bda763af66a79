package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BotClient talks to the messaging-platform bot's internal API: live
// admin checks, publication and post-existence probes. Admin rights are
// always re-checked live where money is at stake; cached role flags go
// stale the moment rights are revoked.
type BotClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewBotClient(baseURL string, log *zap.Logger) *BotClient {
	return &BotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type CheckAdminResult struct {
	IsAdmin         bool `json:"is_admin"`
	CanPostMessages bool `json:"can_post_messages"`
}

// CheckAdmin asks the platform whether the user currently administers
// the channel with posting rights.
func (c *BotClient) CheckAdmin(ctx context.Context, channelID, userID int64) (*CheckAdminResult, error) {
	url := fmt.Sprintf("%s/internal/channels/%d/check_admin?user_id=%d", c.baseURL, channelID, userID)

	var result CheckAdminResult
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type PublishRequest struct {
	DealID    string   `json:"deal_id"`
	ChannelID int64    `json:"channel_id"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

type PublishResult struct {
	MessageRef string `json:"message_ref"`
	PostURL    string `json:"post_url"`
}

// Publish posts the approved creative into the channel and returns the
// platform reference for the resulting message.
func (c *BotClient) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/internal/channels/%d/publish", c.baseURL, req.ChannelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bot service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bot service returned %d: %s", resp.StatusCode, string(b))
	}

	var result PublishResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

type PostExistsResult struct {
	Exists    bool `json:"exists"`
	HasAccess bool `json:"has_access"`
}

// PostExists asks the platform whether the published message still
// exists in the channel.
func (c *BotClient) PostExists(ctx context.Context, channelID int64, messageRef string) (*PostExistsResult, error) {
	url := fmt.Sprintf("%s/internal/channels/%d/posts/%s/exists", c.baseURL, channelID, messageRef)

	var result PostExistsResult
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendNotification delivers a user notification through the bot.
// Fire-and-forget: failures are logged, never block a transition.
func (c *BotClient) SendNotification(ctx context.Context, userID int64, eventType string, payload map[string]any) error {
	body, _ := json.Marshal(map[string]any{
		"user_id":    userID,
		"event_type": eventType,
		"payload":    payload,
	})

	url := fmt.Sprintf("%s/internal/notify", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("failed to send bot notification", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("bot notification failed", zap.Int("status", resp.StatusCode))
	}
	return nil
}

func (c *BotClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bot service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bot service returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
