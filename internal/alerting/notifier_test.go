package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Kind:    KindEndpointSwitched,
		At:      time.Now(),
		Network: "sepolia",
		From:    "https://rpc-a.example/v3/secret-key",
		To:      "https://rpc-b.example",
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] == "" {
		t.Fatalf("text 应非空")
	}
	if strings.Contains(received["text"], "secret-key") {
		t.Fatalf("节点 URL 中的密钥应被隐藏: %s", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Kind: KindCircuitOpen, Failures: 10, Threshold: 10}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderCircuitOpen(t *testing.T) {
	msg := renderMessage(Notification{
		Kind:      KindCircuitOpen,
		Publisher: "PRAGMA",
		Failures:  10,
		Threshold: 10,
		Err:       errors.New("nonce too low"),
	})
	for _, want := range []string{"circuit breaker", "10 (limit 10)", "PRAGMA", "nonce too low"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息缺少 %q: %s", want, msg)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(ctx context.Context, note Notification) error {
	c.calls++
	return c.err
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	inner := &countingNotifier{}
	n := Throttle(inner, time.Minute).(*Throttled)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	note := Notification{Kind: KindEndpointSwitched, Network: "sepolia", From: "a", To: "b"}
	_ = n.Notify(context.Background(), note)
	_ = n.Notify(context.Background(), note)
	if inner.calls != 1 {
		t.Fatalf("冷却期内不应重复发送, 实际 %d 次", inner.calls)
	}

	other := note
	other.To = "c"
	_ = n.Notify(context.Background(), other)
	if inner.calls != 2 {
		t.Fatal("不同告警应立即发送")
	}

	now = now.Add(2 * time.Minute)
	_ = n.Notify(context.Background(), note)
	if inner.calls != 3 {
		t.Fatal("冷却期结束后应再次发送")
	}
}

func TestThrottleRetriesAfterFailure(t *testing.T) {
	inner := &countingNotifier{err: errors.New("boom")}
	n := Throttle(inner, time.Minute)
	note := Notification{Kind: KindCircuitOpen}
	_ = n.Notify(context.Background(), note)
	_ = n.Notify(context.Background(), note)
	if inner.calls != 2 {
		t.Fatalf("发送失败后不应进入冷却, 实际 %d 次", inner.calls)
	}
	if Throttle(inner, 0) != Notifier(inner) {
		t.Fatal("cooldown 为 0 时应直接返回原通知器")
	}
}
