package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "leadpulse/pkg/logx"
)

// LogTransport writes envelopes to the log. Used in development and tests.
type LogTransport struct {
	Log logx.Logger
}

func (LogTransport) Name() string { return "log" }

func (t LogTransport) Deliver(_ context.Context, env Envelope) error {
	t.Log.Info("delivery",
		logx.String("kind", string(env.Kind)),
		logx.String("to", recipientLabel(env.To)),
		logx.String("subject", env.Subject),
		logx.String("text", env.Text),
	)
	return nil
}

// Webhook POSTs each envelope as JSON to a URL. A 4xx response is permanent.
type Webhook struct {
	URL     string
	Secret  string
	Client  *http.Client
	Headers map[string]string
}

func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Webhook{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

func (*Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return Permanent(fmt.Errorf("encode envelope: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.Secret)
	}
	if env.DedupID != "" {
		req.Header.Set("Idempotency-Key", env.DedupID)
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// Telegram sends envelopes to the recipient's Telegram chat. It never polls
// for updates.
type Telegram struct {
	bot       *tele.Bot
	alertChat int64
}

func NewTelegram(token string, alertChat int64) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, alertChat: alertChat}, nil
}

func (*Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(_ context.Context, env Envelope) error {
	if env.To.ChatID == 0 {
		return fmt.Errorf("%w: %s has no telegram chat", ErrNoRoute, recipientLabel(env.To))
	}
	text := env.Text
	if env.Subject != "" {
		text = env.Subject + "\n\n" + text
	}
	_, err := t.bot.Send(&tele.Chat{ID: env.To.ChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// Alert sends an operational alert to the configured admin chat.
func (t *Telegram) Alert(_ context.Context, text string) error {
	if t.alertChat == 0 {
		return ErrNoRoute
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.alertChat}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
