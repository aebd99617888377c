package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ytcomment-notifier/pkg/notifier"
)

// Fetcher retrieves a complete video snapshot: metadata plus every comment page.
type Fetcher struct {
	api     API
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewFetcher creates a new fetcher. A zero timeout leaves the caller's deadline in charge.
func NewFetcher(api API, timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		api:     api,
		logger:  logger,
		now:     time.Now,
		timeout: timeout,
	}
}

// FetchAll fetches metadata and then all comment pages for a video.
// Metadata failure aborts before any page is requested. Any page failure
// discards what was collected. Errors are returned as *notifier.FetchError.
func (f *Fetcher) FetchAll(ctx context.Context, videoID string) (*notifier.Video, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	startTime := time.Now()
	f.logger.Info("Starting full comment fetch", "video_id", videoID)

	meta, err := f.api.Metadata(ctx, videoID)
	if err != nil {
		return nil, &notifier.FetchError{VideoID: videoID, Err: fmt.Errorf("metadata: %w", err)}
	}

	comments, pages, err := f.allComments(ctx, videoID)
	if err != nil {
		return nil, &notifier.FetchError{VideoID: videoID, Err: err}
	}

	var truncated int
	for _, c := range comments {
		if c.RepliesTruncated() {
			truncated++
		}
	}
	if truncated > 0 {
		f.logger.Warn("Inline replies truncated by API",
			"video_id", videoID,
			"comments_affected", truncated)
	}

	f.logger.Info("Full comment fetch completed",
		"video_id", videoID,
		"title", meta.Title,
		"pages", pages,
		"comments", len(comments),
		"duration_ms", time.Since(startTime).Milliseconds())

	return &notifier.Video{
		VideoID:     videoID,
		URL:         notifier.VideoURL(videoID),
		Title:       meta.Title,
		Description: meta.Description,
		Thumbnail:   meta.Thumbnail,
		Comments:    comments,
		CapturedAt:  f.now().UTC(),
	}, nil
}

// allComments follows continuation tokens until the API stops returning one.
// A comment that shifts across a page boundary while paging is kept once, at
// its first position.
func (f *Fetcher) allComments(ctx context.Context, videoID string) ([]*notifier.Comment, int, error) {
	comments := []*notifier.Comment{}
	seenIDs := make(map[string]bool)
	seenTokens := make(map[string]bool)
	var token string
	var pages, dupes int

	for {
		if err := ctx.Err(); err != nil {
			return nil, pages, fmt.Errorf("before page %d: %w", pages+1, err)
		}

		page, err := f.api.CommentPage(ctx, videoID, token)
		if err != nil {
			return nil, pages, fmt.Errorf("comment page %d: %w", pages+1, err)
		}
		pages++

		for _, c := range page.Comments {
			if seenIDs[c.ID] {
				dupes++
				continue
			}
			seenIDs[c.ID] = true
			comments = append(comments, c)
		}

		f.logger.Debug("Comment page fetched",
			"video_id", videoID,
			"page", pages,
			"items", len(page.Comments),
			"has_next", page.NextPageToken != "")

		token = page.NextPageToken
		if token == "" {
			break
		}
		if seenTokens[token] {
			return nil, pages, errors.New("pagination loop: continuation token repeated")
		}
		seenTokens[token] = true
	}

	if dupes > 0 {
		f.logger.Info("Dropped duplicate comments across pages", "video_id", videoID, "duplicates", dupes)
	}
	return comments, pages, nil
}
