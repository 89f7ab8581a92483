package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sender — канал доставки уведомлений.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Telegram — Bot API sendMessage.
type Telegram struct {
	client *http.Client
	base   string
	token  string
}

func NewTelegram(apiBase, token string, timeout time.Duration) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		client: &http.Client{Timeout: timeout},
		base:   strings.TrimRight(apiBase, "/"),
		token:  token,
	}
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendMessage{ChatID: chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		// url содержит токен, наружу его не отдаём
		return fmt.Errorf("telegram send: %w", redact(err, t.token))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "***"))
}
