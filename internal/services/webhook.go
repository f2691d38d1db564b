package services

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookNotifier delivers app event notifications. Delivery is strictly
// fire-and-forget: failures are logged and swallowed, and the request path
// never waits on the outbound call.
type WebhookNotifier struct {
	client *http.Client
}

func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify posts the event asynchronously. A missing webhook URL is a no-op.
func (n *WebhookNotifier) Notify(webhookURL, event string, data map[string]any) {
	if webhookURL == "" {
		return
	}
	go n.send(webhookURL, event, data)
}

func (n *WebhookNotifier) send(webhookURL, event string, data map[string]any) {
	payload, err := json.Marshal(map[string]any{
		"id":        uuid.NewString(),
		"event":     event,
		"data":      data,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return
	}

	resp, err := n.client.Post(webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("[WEBHOOK] Delivery of %s failed: %v", event, err)
		return
	}
	resp.Body.Close()
}
