package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// DiscordSink 通过 webhook 向 Discord 频道投递；只实现 publish/限速契约，
// 不碰网关与会话
type DiscordSink struct {
	client *resty.Client
}

func NewDiscordSink(timeout time.Duration) *DiscordSink {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "NotifyHubBot/1.0").
		SetHeader("Content-Type", "application/json")
	return &DiscordSink{client: client}
}

type discordEmbed struct {
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

// discord 429 响应体里的 retry_after 单位是秒（可能带小数）
type discordRateLimit struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func (d *DiscordSink) Publish(ctx context.Context, target Target, msg Message) error {
	payload := discordPayload{Content: msg.Content}
	if msg.Title != "" || msg.URL != "" {
		embed := discordEmbed{Title: msg.Title, URL: msg.URL}
		if !msg.Timestamp.IsZero() {
			embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
		}
		payload.Embeds = []discordEmbed{embed}
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(target.WebhookURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}

	code := resp.StatusCode()
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp)}
	case code >= http.StatusInternalServerError:
		return &TransientError{Err: fmt.Errorf("discord status %d", code)}
	default:
		return &PermanentError{Status: code, Err: fmt.Errorf("discord status %d: %s", code, resp.String())}
	}
}

func parseRetryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var rl discordRateLimit
	if err := json.Unmarshal(resp.Body(), &rl); err == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	// 对端没给窗口时的保守兜底
	return time.Second
}
