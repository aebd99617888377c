// Package storage handles persistence of subscriptions and tracked video baselines.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"ytcomment-notifier/pkg/notifier"
)

var videoIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Store persists documents in Cloud Storage, or in a local directory for development.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte
}

// New creates a new storage handler. A non-empty localPath takes precedence over the bucket.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// TokenFromEmail derives a deterministic, unguessable token from an email address.
// Uses HMAC-SHA256 with a secret salt to ensure tokens cannot be guessed without the salt.
func (s *Store) TokenFromEmail(email string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h.Sum(nil))
}

// validToken reports whether token is exactly 64 lowercase hex characters.
// All characters are checked so timing does not depend on where a bad one is.
func validToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	valid := 1
	for _, c := range token {
		isHexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHexDigit {
			valid = 0
		}
	}
	return valid == 1
}

// SubscriptionKey generates a stable object name from a token, or "" for a malformed token.
func SubscriptionKey(token string) string {
	if !validToken(token) {
		return ""
	}
	return fmt.Sprintf("sub-%s.json", token)
}

// VideoKey generates the object name of a tracked video owned by token, or "" if either part is malformed.
func VideoKey(token, videoID string) string {
	if !validToken(token) || !videoIDRegex.MatchString(videoID) {
		return ""
	}
	return fmt.Sprintf("video-%s-%s.json", token, videoID)
}

// Save saves a subscription.
func (s *Store) Save(ctx context.Context, sub *notifier.Subscription) error {
	key := SubscriptionKey(sub.Token)
	if key == "" {
		return errors.New("invalid token format")
	}
	s.logger.Debug("Saving subscription", "key", key, "email", sub.Email)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := s.write(ctx, key, data); err != nil {
		return err
	}

	s.logger.Info("Subscription saved", "key", key, "email", sub.Email, "video_count", len(sub.Videos))
	return nil
}

// LoadByEmail loads a subscription by email address.
// Uses HMAC to derive the token from the email, allowing O(1) lookup.
func (s *Store) LoadByEmail(ctx context.Context, email string) (*notifier.Subscription, error) {
	return s.LoadByToken(ctx, s.TokenFromEmail(email))
}

// LoadByToken loads a subscription by its token.
// A malformed token returns the same error as a missing one.
func (s *Store) LoadByToken(ctx context.Context, token string) (*notifier.Subscription, error) {
	key := SubscriptionKey(token)
	if key == "" {
		return nil, fmt.Errorf("subscription: %w", notifier.ErrNotFound)
	}
	return s.Load(ctx, key)
}

// Load loads a subscription by key.
func (s *Store) Load(ctx context.Context, key string) (*notifier.Subscription, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	data, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	var sub notifier.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	if sub.Videos == nil {
		sub.Videos = make(map[string]*notifier.VideoRef)
	}
	return &sub, nil
}

// Delete removes a subscription by email. Deleting a missing subscription is not an error.
func (s *Store) Delete(ctx context.Context, email string) error {
	key := SubscriptionKey(s.TokenFromEmail(email))
	if key == "" {
		return errors.New("invalid token format")
	}
	s.logger.Debug("Deleting subscription", "key", key, "email", email)

	if err := s.remove(ctx, key); err != nil {
		return err
	}
	s.logger.Info("Subscription deleted", "key", key, "email", email)
	return nil
}

// List lists all subscriptions. Unreadable documents are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*notifier.Subscription, error) {
	keys, err := s.keys(ctx, "sub-")
	if err != nil {
		return nil, err
	}

	subs := make([]*notifier.Subscription, 0, len(keys))
	for _, key := range keys {
		sub, err := s.Load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load subscription", "key", key, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// SaveVideo replaces the stored record of a tracked video owned by token.
func (s *Store) SaveVideo(ctx context.Context, token string, video *notifier.Video) error {
	key := VideoKey(token, video.VideoID)
	if key == "" {
		return fmt.Errorf("invalid video key (video_id=%q): %w", video.VideoID, notifier.ErrInvalidVideoRef)
	}

	data, err := json.Marshal(video)
	if err != nil {
		return fmt.Errorf("marshal video: %w", err)
	}
	if err := s.write(ctx, key, data); err != nil {
		return err
	}

	s.logger.Info("Video baseline saved", "key", key, "video_id", video.VideoID, "comments", len(video.Comments))
	return nil
}

// LoadVideo loads the stored record of a tracked video owned by token.
func (s *Store) LoadVideo(ctx context.Context, token, videoID string) (*notifier.Video, error) {
	key := VideoKey(token, videoID)
	if key == "" {
		return nil, fmt.Errorf("video %s: %w", videoID, notifier.ErrNotFound)
	}

	data, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	var video notifier.Video
	if err := json.Unmarshal(data, &video); err != nil {
		return nil, fmt.Errorf("unmarshal video: %w", err)
	}
	if video.Comments == nil {
		video.Comments = []*notifier.Comment{}
	}
	return &video, nil
}

// DeleteVideo removes a tracked video record. Deleting a missing record is not an error.
func (s *Store) DeleteVideo(ctx context.Context, token, videoID string) error {
	key := VideoKey(token, videoID)
	if key == "" {
		return fmt.Errorf("invalid video key (video_id=%q): %w", videoID, notifier.ErrInvalidVideoRef)
	}
	if err := s.remove(ctx, key); err != nil {
		return err
	}
	s.logger.Info("Video record deleted", "key", key, "video_id", videoID)
	return nil
}

// IsNotFound checks if an error indicates a document was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, notifier.ErrNotFound)
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	// Local filesystem storage; rename keeps a reader from seeing a half-written file
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage objects become visible only when the writer closes successfully
	err := s.withRetry(ctx, "save", key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", key, notifier.ErrNotFound)
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	var missing bool
	err := s.withRetry(ctx, "load", key, func() error {
		r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if openErr != nil {
			if errors.Is(openErr, storage.ErrObjectNotExist) {
				missing = true
				return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
			}
			return fmt.Errorf("open storage reader: %w", openErr)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()

		var readErr error
		data, readErr = io.ReadAll(r)
		if readErr != nil {
			return fmt.Errorf("read from storage: %w", readErr)
		}
		return nil
	})
	if missing {
		return nil, fmt.Errorf("%s: %w", key, notifier.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := s.withRetry(ctx, "delete", key, func() error {
		deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
		if deleteErr == nil || errors.Is(deleteErr, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete from storage: %w", deleteErr)
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// withRetry runs a Cloud Storage call with backoff. fn returns
// retry.Unrecoverable for errors that will not change on retry.
func (s *Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}

func (s *Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
