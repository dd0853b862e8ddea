package message

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"IMProject/logger"
	"IMProject/module/chat/model"
)

// WebhookReplier forwards a landed message to an external reply generator.
// The generator is a black box: it decides whether to answer and injects
// any reply through the normal send path on its own. Only direct chats
// are forwarded.
type WebhookReplier struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookReplier(url, secret string) *WebhookReplier {
	return &WebhookReplier{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookReplier) Trigger(ctx context.Context, msg *model.Message, ch *model.Chat) {
	if w.URL == "" || ch.Type != model.ChatDirect {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"chatId":    msg.ChatID,
		"messageId": msg.ID,
		"senderId":  msg.SenderID,
		"type":      msg.Type,
		"content":   msg.Content,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		logger.Warnf("auto-reply request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.Secret)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		logger.Warnf("auto-reply webhook: %v", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warnf("auto-reply webhook status %d", resp.StatusCode)
	}
}
