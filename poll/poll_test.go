package poll

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ytcomment-notifier/lock"
	"ytcomment-notifier/pkg/notifier"
	"ytcomment-notifier/storage"
)

const (
	videoA = "dQw4w9WgXcQ"
	videoB = "9bZkp7q19f0"
)

type fakeFetcher struct {
	mu       sync.Mutex
	comments map[string][]*notifier.Comment
	errs     map[string]error
	calls    int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{comments: make(map[string][]*notifier.Comment), errs: make(map[string]error)}
}

func (f *fakeFetcher) set(videoID string, comments ...*notifier.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[videoID] = comments
}

func (f *fakeFetcher) fail(videoID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[videoID] = err
}

func (f *fakeFetcher) FetchAll(ctx context.Context, videoID string) (*notifier.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[videoID]; err != nil {
		return nil, &notifier.FetchError{VideoID: videoID, Err: err}
	}
	return &notifier.Video{
		VideoID:    videoID,
		URL:        notifier.VideoURL(videoID),
		Title:      "Video " + videoID,
		Comments:   slices.Clone(f.comments[videoID]),
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// sentNotification records one email: the new comment ids per video.
type sentNotification struct {
	email  string
	videos map[string][]string
}

type fakeEmailer struct {
	mu   sync.Mutex
	err  error
	sent []sentNotification
}

func (e *fakeEmailer) SendNotification(ctx context.Context, sub *notifier.Subscription, updates []*notifier.VideoUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return &notifier.DispatchError{To: sub.Email, Err: e.err}
	}
	n := sentNotification{email: sub.Email, videos: make(map[string][]string)}
	for _, u := range updates {
		for _, c := range u.Comments {
			n.videos[u.Video.VideoID] = append(n.videos[u.Video.VideoID], c.ID)
		}
	}
	e.sent = append(e.sent, n)
	return nil
}

func (e *fakeEmailer) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *fakeEmailer) notifications() []sentNotification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sent)
}

type fixture struct {
	store   *storage.Store
	fetcher *fakeFetcher
	emailer *fakeEmailer
	locker  *lock.Memory
	monitor *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	f := &fixture{
		store:   storage.New(nil, "", t.TempDir(), []byte("test-salt"), logger),
		fetcher: newFakeFetcher(),
		emailer: &fakeEmailer{},
		locker:  lock.NewMemory(),
	}
	f.monitor = New(f.fetcher, f.store, f.emailer, f.locker, 2, logger)
	return f
}

// subscribe stores a subscription with no videos and returns its token.
func (f *fixture) subscribe(t *testing.T, email, author string) string {
	t.Helper()
	sub := &notifier.Subscription{
		Email:        email,
		Token:        f.store.TokenFromEmail(email),
		TargetAuthor: author,
		Videos:       make(map[string]*notifier.VideoRef),
		CreatedAt:    time.Now(),
	}
	if err := f.store.Save(context.Background(), sub); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return sub.Token
}

func (f *fixture) baselineIDs(t *testing.T, token, videoID string) []string {
	t.Helper()
	video, err := f.store.LoadVideo(context.Background(), token, videoID)
	if err != nil {
		t.Fatalf("LoadVideo() error = %v", err)
	}
	var ids []string
	for _, c := range video.Comments {
		ids = append(ids, c.ID)
	}
	return ids
}

func c(id, author string) *notifier.Comment {
	return &notifier.Comment{ID: id, Author: author, Text: "text " + id, Replies: []*notifier.Reply{}}
}

func TestTrackDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"), c("c2", "Bob"))

	video, err := f.monitor.Track(ctx, token, "https://youtu.be/"+videoA)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(video.Comments) != 2 || video.CreatedAt.IsZero() {
		t.Errorf("Track() video = %+v", video)
	}

	report, err := f.monitor.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if got := f.emailer.notifications(); len(got) != 0 {
		t.Errorf("existing comments were notified: %v", got)
	}
	if report.Unchanged != 1 || report.Notified != 0 {
		t.Errorf("report = %+v, want 1 unchanged", report)
	}

	sub, err := f.store.LoadByToken(ctx, token)
	if err != nil {
		t.Fatalf("LoadByToken() error = %v", err)
	}
	if _, ok := sub.Videos[videoA]; !ok {
		t.Error("tracked video not registered on subscription")
	}
}

func TestTrackRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"))

	if _, err := f.monitor.Track(ctx, token, "https://vimeo.com/123"); !errors.Is(err, notifier.ErrInvalidVideoRef) {
		t.Errorf("Track(invalid) error = %v, want ErrInvalidVideoRef", err)
	}
	if f.fetcher.callCount() != 0 {
		t.Error("invalid URL must be rejected before any fetch")
	}

	if _, err := f.monitor.Track(ctx, token, videoA); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if _, err := f.monitor.Track(ctx, token, "https://www.youtube.com/watch?v="+videoA); !errors.Is(err, ErrAlreadyTracked) {
		t.Errorf("Track(duplicate) error = %v, want ErrAlreadyTracked", err)
	}

	if _, err := f.monitor.Track(ctx, f.store.TokenFromEmail("nobody@example.com"), videoA); !errors.Is(err, notifier.ErrNotFound) {
		t.Errorf("Track(unknown token) error = %v, want ErrNotFound", err)
	}

	f.fetcher.fail(videoB, errors.New("HTTP 500"))
	if _, err := f.monitor.Track(ctx, token, videoB); !notifier.IsFetchFailed(err) {
		t.Errorf("Track(fetch failure) error = %v, want FetchError", err)
	}
	if _, err := f.store.LoadVideo(ctx, token, videoB); !storage.IsNotFound(err) {
		t.Error("failed Track must not persist a baseline")
	}
}

func TestCycleNotifiesOnlyNewTargetComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"))
	if _, err := f.monitor.Track(ctx, token, videoA); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	f.fetcher.set(videoA, c("c1", "Bob"), c("c2", "Alice"), c("c3", "Bob"))
	report, err := f.monitor.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if report.Notified != 1 {
		t.Fatalf("report = %+v, want 1 notified", report)
	}

	want := []sentNotification{{email: "user@example.com", videos: map[string][]string{videoA: {"c3"}}}}
	if diff := cmp.Diff(want, f.emailer.notifications(), cmp.AllowUnexported(sentNotification{})); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c1", "c2", "c3"}, f.baselineIDs(t, token, videoA)); diff != "" {
		t.Errorf("baseline not advanced (-want +got):\n%s", diff)
	}

	// Same snapshot again: nothing new.
	if _, err := f.monitor.CheckAll(ctx); err != nil {
		t.Fatalf("second CheckAll() error = %v", err)
	}
	if got := len(f.emailer.notifications()); got != 1 {
		t.Errorf("sent %d notifications after re-poll, want 1", got)
	}

	video, err := f.store.LoadVideo(ctx, token, videoA)
	if err != nil {
		t.Fatalf("LoadVideo() error = %v", err)
	}
	if video.LastNotifiedAt.IsZero() || video.CreatedAt.IsZero() {
		t.Errorf("timestamps not carried: created=%v notified=%v", video.CreatedAt, video.LastNotifiedAt)
	}
}

func TestDispatchFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"))
	if _, err := f.monitor.Track(ctx, token, videoA); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	f.fetcher.set(videoA, c("c1", "Bob"), c("c2", "Bob"))
	f.emailer.setErr(errors.New("smtp down"))

	report, err := f.monitor.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}
	if !notifier.IsDispatchFailed(report.Results[0].Err) {
		t.Errorf("result error = %v, want DispatchError", report.Results[0].Err)
	}
	if diff := cmp.Diff([]string{"c1"}, f.baselineIDs(t, token, videoA)); diff != "" {
		t.Errorf("baseline changed after failed dispatch (-want +got):\n%s", diff)
	}

	f.emailer.setErr(nil)
	if _, err := f.monitor.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	sent := f.emailer.notifications()
	if len(sent) != 1 || !slices.Equal(sent[0].videos[videoA], []string{"c2"}) {
		t.Errorf("notifications after recovery = %v, want [c2]", sent)
	}
}

func TestCycleSendsOneNotificationPerSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("a1", "Bob"))
	f.fetcher.set(videoB, c("b1", "Bob"))
	for _, id := range []string{videoA, videoB} {
		if _, err := f.monitor.Track(ctx, token, id); err != nil {
			t.Fatalf("Track(%s) error = %v", id, err)
		}
	}

	f.fetcher.set(videoA, c("a1", "Bob"), c("a2", "Bob"))
	f.fetcher.set(videoB, c("b1", "Bob"), c("b2", "Bob"))
	report, err := f.monitor.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if report.Notified != 2 {
		t.Errorf("report = %+v, want both videos persisted", report)
	}

	want := []sentNotification{{
		email:  "user@example.com",
		videos: map[string][]string{videoA: {"a2"}, videoB: {"b2"}},
	}}
	if diff := cmp.Diff(want, f.emailer.notifications(), cmp.AllowUnexported(sentNotification{})); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b1", "b2"}, f.baselineIDs(t, token, videoB)); diff != "" {
		t.Errorf("baseline not advanced (-want +got):\n%s", diff)
	}
}

func TestFailedAggregateKeepsEveryBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("a1", "Bob"))
	f.fetcher.set(videoB, c("b1", "Bob"))
	for _, id := range []string{videoA, videoB} {
		if _, err := f.monitor.Track(ctx, token, id); err != nil {
			t.Fatalf("Track(%s) error = %v", id, err)
		}
	}

	f.fetcher.set(videoA, c("a1", "Bob"), c("a2", "Bob"))
	f.fetcher.set(videoB, c("b1", "Bob"), c("b2", "Bob"))
	f.emailer.setErr(errors.New("smtp down"))

	report, err := f.monitor.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if report.Failed != 2 {
		t.Errorf("report = %+v, want 2 failed", report)
	}
	if diff := cmp.Diff([]string{"a1"}, f.baselineIDs(t, token, videoA)); diff != "" {
		t.Errorf("videoA baseline changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b1"}, f.baselineIDs(t, token, videoB)); diff != "" {
		t.Errorf("videoB baseline changed (-want +got):\n%s", diff)
	}
}

func TestTickDurationIgnoresClock(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	f.monitor.now = func() time.Time { return fixed }
	f.subscribe(t, "user@example.com", "Bob")

	report, err := f.monitor.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if !report.StartedAt.Equal(fixed) {
		t.Errorf("StartedAt = %v, want %v", report.StartedAt, fixed)
	}
	if report.Duration < 0 || report.Duration > time.Minute {
		t.Errorf("Duration = %v, want wall-clock time of the tick", report.Duration)
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokenA := f.subscribe(t, "a@example.com", "Bob")
	tokenB := f.subscribe(t, "b@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"))
	f.fetcher.set(videoB, c("c1", "Bob"))
	if _, err := f.monitor.Track(ctx, tokenA, videoA); err != nil {
		t.Fatalf("Track(A) error = %v", err)
	}
	if _, err := f.monitor.Track(ctx, tokenB, videoB); err != nil {
		t.Fatalf("Track(B) error = %v", err)
	}

	f.fetcher.fail(videoA, context.DeadlineExceeded)
	f.fetcher.set(videoB, c("c1", "Bob"), c("c9", "Bob"))

	report, err := f.monitor.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if report.Failed != 1 || report.Notified != 1 {
		t.Errorf("report = %+v, want 1 failed and 1 notified", report)
	}
	if diff := cmp.Diff([]string{"c1"}, f.baselineIDs(t, tokenA, videoA)); diff != "" {
		t.Errorf("failed video baseline changed (-want +got):\n%s", diff)
	}
	sent := f.emailer.notifications()
	if len(sent) != 1 || sent[0].email != "b@example.com" {
		t.Errorf("notifications = %v, want one for b@example.com", sent)
	}
}

func TestMissingBaselineIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")

	sub, err := f.store.LoadByToken(ctx, token)
	if err != nil {
		t.Fatalf("LoadByToken() error = %v", err)
	}
	sub.Videos[videoA] = &notifier.VideoRef{URL: notifier.VideoURL(videoA)}
	if err := f.store.Save(ctx, sub); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	results := f.monitor.RunCycle(ctx, sub)
	if len(results) != 1 || results[0].Phase != PhaseDropped {
		t.Fatalf("RunCycle() = %+v, want one dropped result", results)
	}
	if f.fetcher.callCount() != 0 {
		t.Error("dropped video should not be fetched")
	}

	sub, err = f.store.LoadByToken(ctx, token)
	if err != nil {
		t.Fatalf("LoadByToken() error = %v", err)
	}
	if _, ok := sub.Videos[videoA]; ok {
		t.Error("dropped video should be unregistered")
	}
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"))
	if _, err := f.monitor.Track(ctx, token, videoA); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	calls := f.fetcher.callCount()

	unlock, ok, _ := f.locker.TryLock(ctx, token)
	if !ok {
		t.Fatal("TryLock() failed")
	}
	defer unlock()

	report, err := f.monitor.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("report = %+v, want 1 skipped", report)
	}
	if f.fetcher.callCount() != calls {
		t.Error("skipped cycle should not fetch")
	}
	if _, err := f.monitor.Track(ctx, token, videoB); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("Track() during cycle error = %v, want ErrCycleInProgress", err)
	}
}

func TestUntrack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"))
	if _, err := f.monitor.Track(ctx, token, videoA); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	if err := f.monitor.Untrack(ctx, token, videoA); err != nil {
		t.Fatalf("Untrack() error = %v", err)
	}
	if _, err := f.store.LoadVideo(ctx, token, videoA); !storage.IsNotFound(err) {
		t.Errorf("baseline still present: %v", err)
	}
	if err := f.monitor.Untrack(ctx, token, videoA); !errors.Is(err, notifier.ErrNotFound) {
		t.Errorf("second Untrack() error = %v, want ErrNotFound", err)
	}
}

func TestRunTicks(t *testing.T) {
	f := newFixture(t)
	token := f.subscribe(t, "user@example.com", "Bob")
	f.fetcher.set(videoA, c("c1", "Bob"))
	if _, err := f.monitor.Track(context.Background(), token, videoA); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	calls := f.fetcher.callCount()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for f.fetcher.callCount() < calls+2 {
		select {
		case <-deadline:
			t.Fatal("Run() did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
