package email

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// MockProvider records emails instead of sending them. Used in local
// development and tests.
type MockProvider struct {
	logger *slog.Logger
	err    error
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs and records msg, or fails with the error set by SetError.
func (m *MockProvider) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, *msg)
	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"manage_url", msg.ManageURL,
		"body_length", len(msg.HTMLBody))
	return nil
}

// SetError makes subsequent sends fail with err; nil restores success.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sent returns the messages accepted so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}
