// Package notifier contains the core domain types for the YouTube comment notification service.
package notifier

import "time"

// Reply is a response nested under a top-level comment.
type Reply struct {
	PublishedAt     time.Time `json:"published_at"`
	ID              string    `json:"reply_id"`
	Author          string    `json:"author"`
	AuthorChannelID string    `json:"author_channel_id,omitempty"`
	Text            string    `json:"text"`
	LikeCount       int64     `json:"likes"`
}

// Comment is a top-level comment on a video.
type Comment struct {
	PublishedAt     time.Time `json:"published_at"`
	ID              string    `json:"comment_id"` // Unique within a video
	Author          string    `json:"author"`     // Display name
	AuthorChannelID string    `json:"author_channel_id,omitempty"`
	Text            string    `json:"text"`
	Replies         []*Reply  `json:"replies"`
	LikeCount       int64     `json:"likes"`
	TotalReplyCount int64     `json:"total_reply_count"` // Reply count reported by the API
}

// RepliesTruncated reports whether the API returned fewer inline replies than it counts.
func (c *Comment) RepliesTruncated() bool {
	return int64(len(c.Replies)) < c.TotalReplyCount
}

// Video is a tracked video with the comment baseline captured at the last refresh.
type Video struct {
	CapturedAt     time.Time  `json:"captured_at"`      // When Comments was fetched
	CreatedAt      time.Time  `json:"created_at"`       // When tracking started
	LastPolledAt   time.Time  `json:"last_polled_at"`   // Last cycle that reached the API
	LastNotifiedAt time.Time  `json:"last_notified_at"` // Last successful dispatch
	VideoID        string     `json:"video_id"`
	URL            string     `json:"video_url"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Thumbnail      string     `json:"thumbnail"`
	Comments       []*Comment `json:"comments"`
}

// VideoUpdate pairs a fresh snapshot of a video with the target author's
// comments that are new since the stored baseline.
type VideoUpdate struct {
	Video    *Video
	Comments []*Comment
}

// VideoRef links a subscription to a tracked video record.
type VideoRef struct {
	AddedAt time.Time `json:"added_at"`
	URL     string    `json:"video_url"`
}

// Subscription is a user's set of tracked videos and the author they watch for.
type Subscription struct {
	CreatedAt    time.Time            `json:"created_at"`
	Videos       map[string]*VideoRef `json:"videos"` // Map of videoID -> VideoRef
	Email        string               `json:"email"`
	Token        string               `json:"token"`         // Secure token for manage links
	TargetAuthor string               `json:"target_author"` // Author display name to watch for
}

// VideoURL returns the canonical watch URL for a video id.
func VideoURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}
