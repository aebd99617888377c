// Package youtube retrieves video metadata and complete comment sets from the YouTube Data API.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	ytapi "google.golang.org/api/youtube/v3"

	"ytcomment-notifier/pkg/notifier"
)

// pageSize is the maximum commentThreads.list page size the API accepts.
const pageSize = 100

// Metadata is the video-level information captured alongside the comments.
type Metadata struct {
	Title       string
	Description string
	Thumbnail   string
}

// Page is one page of comment threads.
type Page struct {
	Comments      []*notifier.Comment
	NextPageToken string // Empty on the last page
}

// API is the paginated query capability the Fetcher needs.
type API interface {
	Metadata(ctx context.Context, videoID string) (*Metadata, error)
	CommentPage(ctx context.Context, videoID, pageToken string) (*Page, error)
}

// Client talks to the YouTube Data API v3.
type Client struct {
	service *ytapi.Service
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a new API client. A nil limiter disables request pacing.
func NewClient(service *ytapi.Service, limiter *rate.Limiter, logger *slog.Logger) *Client {
	return &Client{
		service: service,
		limiter: limiter,
		logger:  logger,
	}
}

// Metadata fetches the title, description and thumbnail of a video.
func (c *Client) Metadata(ctx context.Context, videoID string) (*Metadata, error) {
	var resp *ytapi.VideoListResponse
	err := c.do(ctx, "videos.list", videoID, func() error {
		var err error
		resp, err = c.service.Videos.List([]string{"snippet"}).Id(videoID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return nil, fmt.Errorf("video %s: %w", videoID, notifier.ErrNotFound)
	}

	snippet := resp.Items[0].Snippet
	meta := &Metadata{
		Title:       snippet.Title,
		Description: snippet.Description,
	}
	if meta.Title == "" {
		meta.Title = "Unknown Title"
	}
	if meta.Description == "" {
		meta.Description = "No description available"
	}
	if snippet.Thumbnails != nil && snippet.Thumbnails.High != nil {
		meta.Thumbnail = snippet.Thumbnails.High.Url
	}
	return meta, nil
}

// CommentPage fetches one page of comment threads with their inline replies.
func (c *Client) CommentPage(ctx context.Context, videoID, pageToken string) (*Page, error) {
	var resp *ytapi.CommentThreadListResponse
	err := c.do(ctx, "commentThreads.list", videoID, func() error {
		call := c.service.CommentThreads.List([]string{"snippet", "replies"}).
			VideoId(videoID).
			MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &Page{
		Comments:      make([]*notifier.Comment, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
	}
	for _, item := range resp.Items {
		if comment := toComment(item); comment != nil {
			page.Comments = append(page.Comments, comment)
		}
	}
	return page, nil
}

// do runs one API call with pacing and retries. Client errors other than 429
// are not retried; a 404 is reported as notifier.ErrNotFound.
func (c *Client) do(ctx context.Context, endpoint, videoID string, call func() error) error {
	var lastErr error
	err := retry.Do(
		func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}

			c.logger.Debug("YouTube API request starting", "endpoint", endpoint, "video_id", videoID)

			startTime := time.Now()
			err := call()
			duration := time.Since(startTime)

			if err != nil {
				lastErr = err
				if !retryable(err) {
					c.logger.Warn("YouTube API request failed",
						"endpoint", endpoint,
						"video_id", videoID,
						"duration_ms", duration.Milliseconds(),
						"error", err)
					return retry.Unrecoverable(err)
				}
				c.logger.Warn("YouTube API request failed, will retry",
					"endpoint", endpoint,
					"video_id", videoID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			c.logger.Debug("YouTube API request completed",
				"endpoint", endpoint,
				"video_id", videoID,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(4),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying YouTube API request after error", "endpoint", endpoint, "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(lastErr, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", endpoint, videoID, notifier.ErrNotFound)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", endpoint, ctxErr)
	}
	if lastErr != nil {
		return fmt.Errorf("%s after retries: %w", endpoint, lastErr)
	}
	return fmt.Errorf("%s after retries: %w", endpoint, err)
}

func retryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func toComment(item *ytapi.CommentThread) *notifier.Comment {
	if item == nil || item.Snippet == nil || item.Snippet.TopLevelComment == nil || item.Snippet.TopLevelComment.Snippet == nil {
		return nil
	}
	top := item.Snippet.TopLevelComment.Snippet

	comment := &notifier.Comment{
		ID:              item.Id,
		Author:          top.AuthorDisplayName,
		AuthorChannelID: channelID(top.AuthorChannelId),
		Text:            top.TextDisplay,
		LikeCount:       top.LikeCount,
		PublishedAt:     parseTime(top.PublishedAt),
		TotalReplyCount: item.Snippet.TotalReplyCount,
		Replies:         []*notifier.Reply{},
	}

	if item.Replies != nil {
		for _, r := range item.Replies.Comments {
			if r == nil || r.Snippet == nil {
				continue
			}
			comment.Replies = append(comment.Replies, &notifier.Reply{
				ID:              r.Id,
				Author:          r.Snippet.AuthorDisplayName,
				AuthorChannelID: channelID(r.Snippet.AuthorChannelId),
				Text:            r.Snippet.TextDisplay,
				LikeCount:       r.Snippet.LikeCount,
				PublishedAt:     parseTime(r.Snippet.PublishedAt),
			})
		}
	}
	return comment
}

func channelID(id *ytapi.CommentSnippetAuthorChannelId) string {
	if id == nil {
		return ""
	}
	return id.Value
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
