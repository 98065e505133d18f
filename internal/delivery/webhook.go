package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "pushsched/pkg/logx"
)

// webhookDeliverer POSTs {destination, payload} to a fire endpoint. The
// receiving side owns payload encryption/signing and the actual push
// transport; a 2xx response means "delivered" from our point of view.
type webhookDeliverer struct {
	url    string
	secret string
	http   *http.Client
	log    logx.Logger
}

type webhookBody struct {
	Destination json.RawMessage `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func newWebhook(cfg WebhookConfig, log logx.Logger) (Deliverer, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &webhookDeliverer{
		url:    url,
		secret: strings.TrimSpace(cfg.Secret),
		http:   &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

func (d *webhookDeliverer) Deliver(ctx context.Context, destination, payload json.RawMessage) error {
	b, err := json.Marshal(webhookBody{Destination: destination, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set("Authorization", "Bearer "+d.secret)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s: %s", resp.Status, snippet(resp.Body))
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// snippet reads a short prefix of an error response body for the errorMessage.
func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "<empty body>"
	}
	return s
}
