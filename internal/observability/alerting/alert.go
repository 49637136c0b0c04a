package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/pkg/logger"
)

// Channel 标识一条告警走的渠道。
type Channel string

// 内置渠道
const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelLog     Channel = "log"
)

// Event 是一条待发送的告警。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	TaskID     string
	Question   string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 把事件投递到单个渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是处理器看到的告警出口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把同一事件复制给每个已注册渠道。
type FanoutDispatcher struct {
	byChannel map[Channel]Notifier
}

// NewFanout 按渠道注册通知器，后注册的同渠道实现会覆盖先注册的。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	byChannel := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			byChannel[n.Channel()] = n
		}
	}
	return &FanoutDispatcher{byChannel: byChannel}
}

// Notify 逐个渠道投递，单渠道失败不阻断其余渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for channel, notifier := range d.byChannel {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("渠道 %s 投递失败: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

// EmailSender 抽象底层邮件投递，方便在测试里替换。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 以邮件形式发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 渲染并发送告警邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("邮件告警缺少收件人或发送器，跳过", slog.String("task_id", event.TaskID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)

	var body strings.Builder
	fmt.Fprintf(&body, "告警时间: %s\n", event.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&body, "任务: %s\n问题: %s\n", event.TaskID, event.Question)
	fmt.Fprintf(&body, "重试: %d/%d\n错误码: %s\n描述: %s", event.Attempts, event.MaxRetries, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		body.WriteString("\n详情:\n")
		for k, v := range event.Metadata {
			fmt.Fprintf(&body, "- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, body.String(), n.To)
}

// WebhookNotifier 将事件以 JSON 形式 POST 到外部地址，
// 适配钉钉、Slack incoming webhook 等通用接收端。
type WebhookNotifier struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"code":        string(event.Code),
		"message":     event.Message,
		"severity":    string(event.Severity),
		"task_id":     event.TaskID,
		"question":    event.Question,
		"attempts":    event.Attempts,
		"max_retries": event.MaxRetries,
		"metadata":    event.Metadata,
		"occurred_at": event.OccurredAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("编码告警事件失败: %w", err)
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("推送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警接收端返回 %s", resp.Status)
	}
	return nil
}

// LogNotifier 把告警写入结构化日志，作为兜底渠道。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := n.Logger
	if log == nil {
		log = logger.L()
	}
	log.Warn("任务告警",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("task_id", event.TaskID),
		slog.String("message", event.Message),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	)
	return nil
}
