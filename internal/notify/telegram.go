package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TelegramSender posts close-engine alerts to one chat via the Bot API.
// Messages go out as plain text with a subject badge; failure messages carry
// raw terminal output, so no parse mode is used and nothing needs escaping.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// badge maps the close-pipeline subjects to a prefix so alerts scan in a busy
// chat.
func badge(subject string) string {
	switch subject {
	case SubjectClosed:
		return "[CLOSED]"
	case SubjectFailed:
		return "[FAIL]"
	case SubjectBatchDone:
		return "[BATCH]"
	case SubjectProposals:
		return "[PROPOSE]"
	default:
		return "[CLOSEBOT]"
	}
}

// Send posts one alert through the sendMessage endpoint.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)

	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {badge(title) + " " + title + "\n" + message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
