package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SignatureHeader carries "sha256=<hex hmac of body>" when the subscription
// has a secret.
const SignatureHeader = "X-GnssBus-Signature"

// WebhookPayload is the JSON body POSTed to the webhook URL.
type WebhookPayload struct {
	ID             string          `json:"id"` // unique per push, for receiver-side dedup
	SubscriptionID string          `json:"subscriptionId"`
	Topic          string          `json:"topic"`
	Tm             int64           `json:"tm"`
	Data           json.RawMessage `json:"data"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver POSTs payload to the subscription URL.
// Returns nil only when the endpoint responds with a 2xx status.
func deliver(ctx context.Context, client *http.Client, sub *Subscription, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("consumer: marshal event: %w", err)
	}
	body, err := json.Marshal(WebhookPayload{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Topic:          sub.Topic,
		Tm:             time.Now().UnixMilli(),
		Data:           data,
	})
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
