package youtube

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"ytcomment-notifier/pkg/notifier"
)

var videoIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var youtubeHosts = map[string]bool{
	"youtube.com":              true,
	"www.youtube.com":          true,
	"m.youtube.com":            true,
	"music.youtube.com":        true,
	"youtube-nocookie.com":     true,
	"www.youtube-nocookie.com": true,
}

// ParseVideoID extracts the 11 character video id from a YouTube URL or a bare id.
// Accepted forms: watch?v=, youtu.be/, /shorts/, /embed/, /live/ and /v/.
// Anything else returns notifier.ErrInvalidVideoRef.
func ParseVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty reference: %w", notifier.ErrInvalidVideoRef)
	}
	if videoIDRegex.MatchString(raw) {
		return raw, nil
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, notifier.ErrInvalidVideoRef)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme %q: %w", u.Scheme, notifier.ErrInvalidVideoRef)
	}

	host := strings.ToLower(u.Hostname())
	var id string
	switch {
	case host == "youtu.be" || host == "www.youtu.be":
		id = strings.Trim(u.Path, "/")
	case youtubeHosts[host]:
		if u.Path == "/watch" {
			id = u.Query().Get("v")
			break
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 2 {
			switch parts[0] {
			case "shorts", "embed", "live", "v":
				id = parts[1]
			}
		}
	default:
		return "", fmt.Errorf("host %q: %w", host, notifier.ErrInvalidVideoRef)
	}

	if !videoIDRegex.MatchString(id) {
		return "", fmt.Errorf("no video id in %q: %w", raw, notifier.ErrInvalidVideoRef)
	}
	return id, nil
}
