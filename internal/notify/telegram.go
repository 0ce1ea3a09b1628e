package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSender delivers messages through the Telegram Bot API. The
// default chat id is used unless the message carries an owner binding.
type TelegramSender struct {
	token         string
	defaultChatID string
	apiBase       string
	client        *http.Client
}

func NewTelegramSender(token, defaultChatID string, timeout time.Duration) *TelegramSender {
	return &TelegramSender{
		token:         token,
		defaultChatID: defaultChatID,
		apiBase:       telegramAPIBase,
		client:        &http.Client{Timeout: timeout},
	}
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = s.defaultChatID
	}
	if s.token == "" || chatID == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       msg.FullText(),
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}
