package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TelegramNotifier delivers alerts through the Telegram Bot API sendMessage
// endpoint.
type TelegramNotifier struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier. botToken comes from
// @BotFather; chatID is the target chat, group or channel.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		endpoint: "https://api.telegram.org/bot" + botToken + "/sendMessage",
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// levelMarks prefix the title so severity is visible in the chat list.
var levelMarks = map[AlertLevel]string{
	AlertWarning:  "⚠️ ",
	AlertCritical: "🚨 ",
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	var text strings.Builder
	text.WriteString(levelMarks[alert.Level])
	text.WriteString("*")
	text.WriteString(escapeMarkdownV2(alert.Title))
	text.WriteString("*\n\n")
	text.WriteString(escapeMarkdownV2(alert.Message))

	form := url.Values{
		"chat_id":    {t.chatID},
		"text":       {text.String()},
		"parse_mode": {"MarkdownV2"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	// The API explains rejections in the body; surface that over the bare
	// status code.
	var apiErr struct {
		Description string `json:"description"`
	}
	if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Description != "" {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, apiErr.Description)
	}
	return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
}

// escapeMarkdownV2 backslash-escapes every character MarkdownV2 reserves.
func escapeMarkdownV2(s string) string {
	const reserved = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(reserved, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
