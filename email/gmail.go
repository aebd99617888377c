package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails through the Gmail API as the authenticated account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// Send sends msg via users.messages.send.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	raw := base64.URLEncoding.EncodeToString(buildMIME(msg))

	return deliver(ctx, g.logger, "gmail", msg, func() error {
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		if err == nil {
			return nil
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && permanentStatus(apiErr.Code) {
			return retry.Unrecoverable(fmt.Errorf("gmail send: %w", err))
		}
		return fmt.Errorf("gmail send: %w", err)
	})
}

// buildMIME renders msg as an RFC 5322 message. The From address is filled in
// by Gmail. Video titles are often non-ASCII, so the subject is Q-encoded.
func buildMIME(msg *Message) []byte {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(msg.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)))
	if msg.ManageURL != "" {
		fmt.Fprintf(&b, "List-Unsubscribe: <%s>\r\n", headerValue(msg.ManageURL))
	}
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTMLBody)
	return []byte(b.String())
}
