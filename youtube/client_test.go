package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"ytcomment-notifier/pkg/notifier"
)

const commentThreadsJSON = `{
  "nextPageToken": "NEXT",
  "items": [
    {
      "id": "Ugx1",
      "snippet": {
        "videoId": "dQw4w9WgXcQ",
        "totalReplyCount": 7,
        "topLevelComment": {
          "id": "Ugx1",
          "snippet": {
            "authorDisplayName": "Bob",
            "authorChannelId": {"value": "UCbob"},
            "textDisplay": "first <b>comment</b>",
            "likeCount": 4,
            "publishedAt": "2024-05-01T10:00:00Z"
          }
        }
      },
      "replies": {
        "comments": [
          {
            "id": "Ugx1.r1",
            "snippet": {
              "authorDisplayName": "Alice",
              "textDisplay": "reply",
              "likeCount": 1,
              "publishedAt": "2024-05-01T11:00:00Z"
            }
          }
        ]
      }
    },
    {"id": "broken", "snippet": {}}
  ]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := ytapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return NewClient(svc, nil, testLogger())
}

func TestClientCommentPage(t *testing.T) {
	var gotQuery url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/commentThreads") {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, commentThreadsJSON)
	})

	page, err := c.CommentPage(context.Background(), "dQw4w9WgXcQ", "TOKEN1")
	if err != nil {
		t.Fatalf("CommentPage() error = %v", err)
	}

	for key, want := range map[string]string{"videoId": "dQw4w9WgXcQ", "maxResults": "100", "pageToken": "TOKEN1"} {
		if got := gotQuery.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
	// The client library sends each part as its own parameter
	if diff := cmp.Diff([]string{"snippet", "replies"}, gotQuery["part"]); diff != "" {
		t.Errorf("part mismatch (-want +got):\n%s", diff)
	}

	if page.NextPageToken != "NEXT" {
		t.Errorf("NextPageToken = %q, want NEXT", page.NextPageToken)
	}
	if len(page.Comments) != 1 {
		t.Fatalf("got %d comments, want 1 (malformed item skipped)", len(page.Comments))
	}

	c0 := page.Comments[0]
	if c0.ID != "Ugx1" || c0.Author != "Bob" || c0.AuthorChannelID != "UCbob" || c0.LikeCount != 4 {
		t.Errorf("comment = %+v", c0)
	}
	if c0.Text != "first <b>comment</b>" {
		t.Errorf("Text = %q", c0.Text)
	}
	if c0.PublishedAt.IsZero() {
		t.Error("PublishedAt should be parsed")
	}
	if c0.TotalReplyCount != 7 || len(c0.Replies) != 1 || !c0.RepliesTruncated() {
		t.Errorf("replies = %d of %d, want 1 of 7", len(c0.Replies), c0.TotalReplyCount)
	}
	if r := c0.Replies[0]; r.ID != "Ugx1.r1" || r.Author != "Alice" || r.LikeCount != 1 {
		t.Errorf("reply = %+v", r)
	}
}

func TestClientMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("id") {
		case "dQw4w9WgXcQ":
			fmt.Fprint(w, `{"items":[{"id":"dQw4w9WgXcQ","snippet":{"title":"A Title","thumbnails":{"high":{"url":"https://i.ytimg.com/hq.jpg"}}}}]}`)
		default:
			fmt.Fprint(w, `{"items":[]}`)
		}
	})

	meta, err := c.Metadata(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if meta.Title != "A Title" || meta.Thumbnail != "https://i.ytimg.com/hq.jpg" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Description != "No description available" {
		t.Errorf("Description = %q, want default", meta.Description)
	}

	_, err = c.Metadata(context.Background(), "missing0000")
	if !errors.Is(err, notifier.ErrNotFound) {
		t.Errorf("Metadata(missing) error = %v, want ErrNotFound", err)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"commentsDisabled"}}`)
	})

	if _, err := c.CommentPage(context.Background(), "dQw4w9WgXcQ", ""); err == nil {
		t.Fatal("CommentPage() should fail on 403")
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1", calls)
	}
}

func TestClientNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"videoNotFound"}}`)
	})

	_, err := c.CommentPage(context.Background(), "dQw4w9WgXcQ", "")
	if !errors.Is(err, notifier.ErrNotFound) {
		t.Errorf("CommentPage() error = %v, want ErrNotFound", err)
	}
}
