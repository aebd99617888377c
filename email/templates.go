package email

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"ytcomment-notifier/pkg/notifier"
)

const styleBase = "body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n"

func (s *Sender) formatNotificationBody(sub *notifier.Subscription, updates []*notifier.VideoUpdate) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(styleBase)
	b.WriteString(".video { display: flex; gap: 12px; align-items: center; margin: 30px 0 20px; }\n")
	b.WriteString(".video img { width: 160px; height: auto; border-radius: 4px; }\n")
	b.WriteString(".comment { margin-bottom: 24px; padding-bottom: 24px; border-bottom: 2px solid #c4302b; }\n")
	b.WriteString(".comment:last-of-type { border-bottom: none; }\n")
	b.WriteString(".author { color: #c4302b; font-weight: 600; font-size: 1.1em; }\n")
	b.WriteString(".timestamp, .likes { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".reply { margin: 8px 0 0 20px; padding-left: 12px; border-left: 3px solid #ddd; color: #555; }\n")
	b.WriteString(".compact li { margin-bottom: 6px; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #c4302b; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".reply { border-left-color: #444; color: #b0b0b0; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("a, .author { color: #ff6b5e; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	// Detailed rendering is budgeted across the whole email; the rest is listed compactly.
	budget := maxDetailedComments
	for _, u := range updates {
		video := u.Video
		b.WriteString("<div class=\"video\">\n")
		if isSafeURL(video.Thumbnail) {
			b.WriteString(fmt.Sprintf("<img src=\"%s\" alt=\"\">\n", escapeHTML(video.Thumbnail)))
		}
		b.WriteString(fmt.Sprintf("<div><a href=\"%s\"><strong>%s</strong></a><br>\n", escapeHTML(video.URL), clean(video.Title)))
		b.WriteString(fmt.Sprintf("<span class=\"timestamp\">%d new comment(s) from %s</span></div>\n", len(u.Comments), clean(sub.TargetAuthor)))
		b.WriteString("</div>\n")

		var compact []*notifier.Comment
		for _, c := range newestFirst(u.Comments) {
			if budget == 0 {
				compact = append(compact, c)
				continue
			}
			budget--
			writeComment(&b, video.VideoID, c)
		}

		if len(compact) > 0 {
			b.WriteString("<ul class=\"compact\">\n")
			for _, c := range compact {
				b.WriteString(fmt.Sprintf("<li><a href=\"%s\" class=\"author\">%s</a>: %s</li>\n",
					escapeHTML(commentURL(video.VideoID, c.ID)), clean(c.Author), escapeHTML(excerpt(plainText(c.Text), excerptRunes))))
			}
			b.WriteString("</ul>\n")
		}
	}

	b.WriteString("<div class=\"footer\">\n")
	if len(updates) == 1 {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Watch video</a> &bull; \n", escapeHTML(updates[0].Video.URL)))
	}
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Manage</a>\n", escapeHTML(s.manageURL(sub))))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func writeComment(b *strings.Builder, videoID string, c *notifier.Comment) {
	b.WriteString("<div class=\"comment\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"author\">%s</a>\n", escapeHTML(commentURL(videoID, c.ID)), clean(c.Author)))
	if !c.PublishedAt.IsZero() {
		b.WriteString(fmt.Sprintf("<span class=\"timestamp\"> &bull; %s UTC</span>\n", c.PublishedAt.UTC().Format("Jan 2, 2006 at 3:04 PM")))
	}
	if c.LikeCount > 0 {
		b.WriteString(fmt.Sprintf("<span class=\"likes\"> &bull; %d likes</span>\n", c.LikeCount))
	}
	b.WriteString(fmt.Sprintf("<p>%s</p>\n", cleanMultiline(c.Text)))

	for _, r := range c.Replies {
		b.WriteString(fmt.Sprintf("<div class=\"reply\"><strong>%s</strong>: %s</div>\n", clean(r.Author), cleanMultiline(r.Text)))
	}
	if c.RepliesTruncated() {
		more := c.TotalReplyCount - int64(len(c.Replies))
		b.WriteString(fmt.Sprintf("<div class=\"reply\"><a href=\"%s\">%d more replies on YouTube</a></div>\n", escapeHTML(commentURL(videoID, c.ID)), more))
	}
	b.WriteString("</div>\n")
}

func (s *Sender) formatWelcomeBody(sub *notifier.Subscription, video *notifier.Video) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(styleBase)
	b.WriteString(".header { border-bottom: 2px solid #c4302b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #c4302b; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".content { background: #2a2a2a; }\n")
	b.WriteString("a { color: #ff6b5e; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString("<h2>YouTube Comment Tracking Confirmed</h2>\n")
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(fmt.Sprintf("<p>You are now tracking <strong>%s</strong>.</p>\n", clean(video.Title)))
	b.WriteString(fmt.Sprintf("<p>You'll receive an email whenever <strong>%s</strong> posts a new comment on it. The %d existing comment(s) will not be reported.</p>\n",
		clean(sub.TargetAuthor), len(video.Comments)))
	b.WriteString("</div>\n")

	if len(sub.Videos) > 0 {
		b.WriteString("<p><strong>Tracked videos:</strong></p>\n<ul>\n")
		for _, id := range slices.Sorted(maps.Keys(sub.Videos)) {
			link := sub.Videos[id].URL
			if link == "" {
				link = notifier.VideoURL(id)
			}
			b.WriteString(fmt.Sprintf("<li><a href=\"%s\">%s</a></li>\n", escapeHTML(link), escapeHTML(id)))
		}
		b.WriteString("</ul>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Watch video</a>\n", escapeHTML(video.URL)))
	b.WriteString(" &bull; \n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Manage</a>\n", escapeHTML(s.manageURL(sub))))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

const excerptRunes = 280

// excerpt shortens s to at most n runes on a single line.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}

func (s *Sender) manageURL(sub *notifier.Subscription) string {
	return fmt.Sprintf("%s/api/subscriptions/%s", s.baseURL, url.PathEscape(sub.Token))
}

func commentURL(videoID, commentID string) string {
	return notifier.VideoURL(videoID) + "&lc=" + url.QueryEscape(commentID)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// plainText parses s as an HTML fragment and returns only its text nodes.
// Script and style contents are dropped; <br> becomes a newline.
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		// Never fall back to the raw input.
		return strings.NewReplacer("<", "", ">", "").Replace(s)
	}
	doc.Find("script, style, noscript, template").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	return strings.TrimSpace(doc.Find("body").Text())
}

// clean strips markup from untrusted text and escapes what remains.
func clean(s string) string {
	return escapeHTML(plainText(s))
}

func cleanMultiline(s string) string {
	return strings.ReplaceAll(clean(s), "\n", "<br>\n")
}

// isSafeURL reports whether u is an absolute http(s) URL.
func isSafeURL(u string) bool {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != ""
}
