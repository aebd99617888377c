package email

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Message is one outgoing email.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	// ManageURL, when set, is advertised in a List-Unsubscribe header so mail
	// clients can offer a one-click way out.
	ManageURL string
}

// headerValue strips CR, LF and other control characters so a value cannot
// start a new header line.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// deliver runs send with the retry policy shared by every provider.
// send marks permanent failures with retry.Unrecoverable.
func deliver(ctx context.Context, logger *slog.Logger, provider string, msg *Message, send func() error) error {
	return retry.Do(
		func() error {
			start := time.Now()
			err := send()
			if err != nil {
				logger.Warn("Email send attempt failed",
					"provider", provider,
					"to", msg.To,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			logger.Info("Email sent",
				"provider", provider,
				"to", msg.To,
				"subject", msg.Subject,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send", "provider", provider, "attempt", n, "error", err)
		}),
	)
}

// permanentStatus reports whether an HTTP status will not improve on retry.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != 429
}
