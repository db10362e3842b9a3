package alert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TelegramSink pushes alerts to a Telegram chat via the bot API.
type TelegramSink struct {
	token  string
	chatID string
	client *http.Client
}

func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSink) Notify(ctx context.Context, e Event) error {
	if t.token == "" || t.chatID == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", e.Type, e.Message)
	for k, v := range e.Fields {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	fmt.Fprintf(&b, "at: %s", e.At.Format(time.RFC3339))

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {b.String()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
