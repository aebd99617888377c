package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via the Brevo transactional API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	sender   brevoContact
	apiKey   string
	endpoint string
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact      `json:"sender"`
	Headers map[string]string `json:"headers,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"htmlContent"`
	To      []brevoContact    `json:"to"`
	Tags    []string          `json:"tags,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// brevoError is the body Brevo returns with non-2xx responses.
type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send sends msg via the Brevo API. Rejections other than rate limiting are
// not retried.
func (b *BrevoProvider) Send(ctx context.Context, msg *Message) error {
	payload := brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: headerValue(msg.To)}},
		Subject: headerValue(msg.Subject),
		HTML:    msg.HTMLBody,
		Tags:    []string{"ytcomment-notifier"},
	}
	if msg.ManageURL != "" {
		payload.Headers = map[string]string{"List-Unsubscribe": "<" + headerValue(msg.ManageURL) + ">"}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return deliver(ctx, b.logger, "brevo", msg, func() error {
		return b.post(ctx, data)
	})
}

func (b *BrevoProvider) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(data))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var apiErr brevoError
	if body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<10)); readErr == nil {
		_ = json.Unmarshal(body, &apiErr) // detail only
	}
	err = fmt.Errorf("brevo HTTP %d: %s %s", resp.StatusCode, apiErr.Code, apiErr.Message)
	if permanentStatus(resp.StatusCode) {
		return retry.Unrecoverable(err)
	}
	return err
}
