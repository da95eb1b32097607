package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JTang/NotifyHub/internal/collector"
	"github.com/JTang/NotifyHub/internal/config"
)

// Target 一个投递目标；核心只依赖 publish 契约，不关心底层传输
type Target struct {
	SourceID   string
	WebhookURL string
}

type Message struct {
	Content   string
	Title     string
	URL       string
	Timestamp time.Time
}

// Sink 外部消息系统的发布契约
type Sink interface {
	Publish(ctx context.Context, target Target, msg Message) error
}

// RateLimitedError 对端明确给出冷却窗口，条目不丢，等窗口过后原样重发
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError 网络错误或 5xx，按退避在本轮内有限次重试
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError 限速以外的 4xx 等不可恢复失败，放弃该条目但不失败整轮
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// RenderMessage 按源配置渲染一条通知
func RenderMessage(src config.Source, it collector.Item) Message {
	body := strings.NewReplacer(
		"{{name}}", src.Name,
		"{{source}}", src.ID,
		"{{title}}", it.Title,
		"{{url}}", it.URL,
	).Replace(src.Message)

	content := body
	if src.Mention != "" {
		content = fmt.Sprintf("<@&%s> %s", src.Mention, body)
	}

	return Message{
		Content:   content,
		Title:     it.Title,
		URL:       it.URL,
		Timestamp: it.FirstSeen,
	}
}
