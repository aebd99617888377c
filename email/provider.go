// Package email handles sending notification emails via multiple providers.
package email

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"ytcomment-notifier/pkg/notifier"
)

const maxDetailedComments = 10 // Comments beyond this are listed in compact form

// Provider defines the interface for email sending implementations.
type Provider interface {
	Send(ctx context.Context, msg *Message) error
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendNotification sends one email covering every new comment found across a
// subscription's videos in one cycle. Updates without comments are ignored; if
// none remain an error is returned. Transport failures are returned as
// *notifier.DispatchError.
func (s *Sender) SendNotification(ctx context.Context, sub *notifier.Subscription, updates []*notifier.VideoUpdate) error {
	updates = slices.DeleteFunc(slices.Clone(updates), func(u *notifier.VideoUpdate) bool {
		return u == nil || u.Video == nil || len(u.Comments) == 0
	})
	if len(updates) == 0 {
		return errors.New("no comments to send")
	}
	slices.SortFunc(updates, func(a, b *notifier.VideoUpdate) int {
		return cmp.Compare(a.Video.VideoID, b.Video.VideoID)
	})

	var total int
	for _, u := range updates {
		total += len(u.Comments)
	}
	if total > maxDetailedComments {
		s.logger.Info("Many new comments, listing overflow compactly",
			"to", sub.Email,
			"total", total,
			"detailed", maxDetailedComments)
	}

	subject := "New YouTube comments: " + plainText(updates[0].Video.Title)
	if len(updates) > 1 {
		subject = fmt.Sprintf("New YouTube comments on %d videos", len(updates))
	}
	body := s.formatNotificationBody(sub, updates)

	s.logger.Info("Sending notification email",
		"to", sub.Email,
		"videos", len(updates),
		"subject", subject,
		"comment_count", total)

	return s.send(ctx, &Message{To: sub.Email, Subject: subject, HTMLBody: body, ManageURL: s.manageURL(sub)})
}

// SendWelcome confirms that a video is now tracked for a subscription.
func (s *Sender) SendWelcome(ctx context.Context, sub *notifier.Subscription, video *notifier.Video) error {
	subject := "Now tracking comments: " + plainText(video.Title)
	body := s.formatWelcomeBody(sub, video)

	s.logger.Info("Sending welcome email",
		"to", sub.Email,
		"video_id", video.VideoID,
		"subject", subject)

	return s.send(ctx, &Message{To: sub.Email, Subject: subject, HTMLBody: body, ManageURL: s.manageURL(sub)})
}

func (s *Sender) send(ctx context.Context, msg *Message) error {
	if err := s.provider.Send(ctx, msg); err != nil {
		return &notifier.DispatchError{To: msg.To, Err: err}
	}
	return nil
}

// newestFirst returns comments ordered by PublishedAt, most recent first.
func newestFirst(comments []*notifier.Comment) []*notifier.Comment {
	sorted := slices.Clone(comments)
	slices.SortStableFunc(sorted, func(a, b *notifier.Comment) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
	return sorted
}
