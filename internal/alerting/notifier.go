package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Kind 标识告警类型。
type Kind string

const (
	KindEndpointSwitched Kind = "endpoint_switched"
	KindCircuitOpen      Kind = "circuit_open"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind      Kind
	At        time.Time
	Publisher string
	Network   string
	// From 与 To 仅用于节点切换。
	From          string
	To            string
	Failures      int
	Threshold     int
	Err           error
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("network", note.Network).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}

	builder := strings.Builder{}
	switch note.Kind {
	case KindEndpointSwitched:
		builder.WriteString("[Price Pusher] RPC endpoint switched\n")
		builder.WriteString(fmt.Sprintf("Network: %s\n", note.Network))
		builder.WriteString(fmt.Sprintf("From: %s\n", redactEndpoint(note.From)))
		builder.WriteString(fmt.Sprintf("To: %s\n", redactEndpoint(note.To)))
	case KindCircuitOpen:
		builder.WriteString("[Price Pusher] Push circuit breaker open\n")
		builder.WriteString(fmt.Sprintf("Consecutive failures: %d (limit %d)\n", note.Failures, note.Threshold))
	default:
		builder.WriteString(fmt.Sprintf("[Price Pusher] %s\n", note.Kind))
	}
	if note.Publisher != "" {
		builder.WriteString(fmt.Sprintf("Publisher: %s\n", note.Publisher))
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", at.UTC().Format(time.RFC3339)))
	if note.Err != nil {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Err))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// redactEndpoint 去掉 URL 中可能携带的 API key 路径与查询参数。
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Scheme + "://" + u.Host
}

var _ Notifier = (*TelegramNotifier)(nil)
