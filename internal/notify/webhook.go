package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/walletgate/internal/retry"
)

// WebhookNotifier POSTs notifications as JSON to an HTTP endpoint, typically
// a mail relay or chat integration. Payloads are HMAC-SHA256 signed when a
// secret is configured.
type WebhookNotifier struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return retry.Do(ctx, w.attempts, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Walletgate-Event", string(n.Kind))
		req.Header.Set("X-Walletgate-Timestamp", strconv.FormatInt(n.Timestamp.Unix(), 10))
		if w.secret != "" {
			req.Header.Set("X-Walletgate-Signature", Sign(payload, w.secret))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
		if !retry.IsRetryableStatus(resp.StatusCode) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
