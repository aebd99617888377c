// Package poll runs comment check cycles for tracked videos.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ytcomment-notifier/detect"
	"ytcomment-notifier/lock"
	"ytcomment-notifier/pkg/notifier"
	"ytcomment-notifier/youtube"
)

// ErrAlreadyTracked is returned when a subscription already tracks a video.
var ErrAlreadyTracked = errors.New("video already tracked")

// ErrCycleInProgress is returned when another cycle holds the subscription.
var ErrCycleInProgress = errors.New("cycle in progress for subscription")

// Fetcher retrieves a complete snapshot of a video.
type Fetcher interface {
	FetchAll(ctx context.Context, videoID string) (*notifier.Video, error)
}

// Store interface for subscription and baseline persistence.
type Store interface {
	List(ctx context.Context) ([]*notifier.Subscription, error)
	LoadByToken(ctx context.Context, token string) (*notifier.Subscription, error)
	Save(ctx context.Context, sub *notifier.Subscription) error
	LoadVideo(ctx context.Context, token, videoID string) (*notifier.Video, error)
	SaveVideo(ctx context.Context, token string, video *notifier.Video) error
	DeleteVideo(ctx context.Context, token, videoID string) error
}

// Emailer interface for sending notifications.
type Emailer interface {
	SendNotification(ctx context.Context, sub *notifier.Subscription, updates []*notifier.VideoUpdate) error
}

// Monitor handles video polling logic.
type Monitor struct {
	fetcher     Fetcher
	store       Store
	emailer     Emailer
	locker      lock.Locker
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
}

// New creates a new poll monitor. concurrency bounds how many subscriptions are checked at once.
func New(fetcher Fetcher, store Store, emailer Emailer, locker lock.Locker, concurrency int, logger *slog.Logger) *Monitor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Monitor{
		fetcher:     fetcher,
		store:       store,
		emailer:     emailer,
		locker:      locker,
		logger:      logger,
		now:         time.Now,
		concurrency: concurrency,
	}
}

// CheckAll runs one tick: every subscription in storage gets one cycle.
// Per-subscription failures are recorded in the report, never returned.
func (m *Monitor) CheckAll(ctx context.Context) (*TickReport, error) {
	subs, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	start := time.Now()
	report := &TickReport{StartedAt: m.now().UTC(), Subscriptions: len(subs)}
	m.logger.Info("Checking subscriptions", "count", len(subs), "timestamp", report.StartedAt.Format(time.RFC3339))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, sub := range subs {
		if ctx.Err() != nil {
			m.logger.Info("Context cancelled, stopping poll check", "error", ctx.Err())
			break
		}
		g.Go(func() error {
			results := m.RunCycle(ctx, sub)
			mu.Lock()
			report.add(results)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)

	m.logger.Info("Subscription check completed",
		"subscriptions", report.Subscriptions,
		"videos", len(report.Results),
		"notified", report.Notified,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"dropped", report.Dropped,
		"duration_ms", report.Duration.Milliseconds())

	return report, ctx.Err()
}

// RunCycle checks every video of one subscription and sends at most one
// notification covering all of them. It returns a single PhaseSkipped result
// if another cycle already holds the subscription.
func (m *Monitor) RunCycle(ctx context.Context, sub *notifier.Subscription) []CycleResult {
	cycleID := uuid.NewString()

	unlock, ok, err := m.locker.TryLock(ctx, sub.Token)
	if err != nil || !ok {
		if err != nil {
			m.logger.Warn("Failed to acquire cycle lock", "email", sub.Email, "cycle_id", cycleID, "error", err)
		} else {
			m.logger.Info("Skipping subscription, cycle already in flight", "email", sub.Email, "cycle_id", cycleID)
		}
		skipped := CycleResult{CycleID: cycleID, Email: sub.Email, At: m.now().UTC()}
		return []CycleResult{skipped.finish(PhaseSkipped, err)}
	}
	defer unlock()

	videoIDs := slices.Sorted(maps.Keys(sub.Videos))
	results := make([]CycleResult, 0, len(videoIDs))
	var pending []pendingUpdate
	var dropped []string

	for _, videoID := range videoIDs {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		res, update := m.checkVideo(ctx, sub, videoID, cycleID)
		res.Duration = time.Since(start)
		if update != nil {
			pending = append(pending, pendingUpdate{index: len(results), update: update})
		}
		if res.Phase == PhaseDropped {
			dropped = append(dropped, videoID)
		}
		results = append(results, res)
	}

	if len(pending) > 0 {
		m.notify(ctx, sub, results, pending)
	}

	for _, res := range results {
		if res.Err == nil {
			continue
		}
		m.logger.Warn("Video check failed",
			"email", sub.Email,
			"video_id", res.VideoID,
			"cycle_id", cycleID,
			"phase", res.Phase,
			"timestamp", res.At.Format(time.RFC3339),
			"error", res.Err)
	}

	// A missing baseline is not retried until the video is tracked again.
	if len(dropped) > 0 {
		if err := m.unregister(ctx, sub.Token, dropped...); err != nil {
			m.logger.Error("Failed to unregister dropped videos", "email", sub.Email, "cycle_id", cycleID, "error", err)
		}
	}

	return results
}

// pendingUpdate is a video whose new comments await the cycle's notification.
type pendingUpdate struct {
	update *notifier.VideoUpdate
	index  int // into the cycle's results
}

// notify sends one email for every pending video, then advances each baseline.
// If the send fails every baseline stays put so the comments are found again.
func (m *Monitor) notify(ctx context.Context, sub *notifier.Subscription, results []CycleResult, pending []pendingUpdate) {
	updates := make([]*notifier.VideoUpdate, len(pending))
	var total int
	for i, p := range pending {
		updates[i] = p.update
		total += len(p.update.Comments)
	}

	m.logger.Info("New comments detected",
		"email", sub.Email,
		"cycle_id", results[pending[0].index].CycleID,
		"target_author", sub.TargetAuthor,
		"videos", len(updates),
		"count", total)

	if err := m.emailer.SendNotification(ctx, sub, updates); err != nil {
		for _, p := range pending {
			results[p.index] = results[p.index].finish(PhaseFailed, err)
		}
		return
	}

	now := m.now().UTC()
	for _, p := range pending {
		video := p.update.Video
		video.LastNotifiedAt = now
		if err := m.store.SaveVideo(ctx, sub.Token, video); err != nil {
			results[p.index] = results[p.index].finish(PhaseFailed, fmt.Errorf("advance baseline after notify: %w", err))
			continue
		}
		results[p.index] = results[p.index].finish(PhasePersisted, nil)
	}
}

// checkVideo fetches and diffs one video. When the target author has new
// comments it returns the update to notify, leaving the result in
// PhaseNotifying and the baseline untouched.
func (m *Monitor) checkVideo(ctx context.Context, sub *notifier.Subscription, videoID, cycleID string) (CycleResult, *notifier.VideoUpdate) {
	now := m.now().UTC()
	res := CycleResult{CycleID: cycleID, Email: sub.Email, VideoID: videoID, At: now, Phase: PhaseIdle}

	baseline, err := m.store.LoadVideo(ctx, sub.Token, videoID)
	if err != nil {
		if errors.Is(err, notifier.ErrNotFound) {
			return res.finish(PhaseDropped, err), nil
		}
		return res.finish(PhaseFailed, fmt.Errorf("load baseline: %w", err)), nil
	}

	res.Phase = PhaseFetching
	current, err := m.fetcher.FetchAll(ctx, videoID)
	if err != nil {
		return res.finish(PhaseFailed, err), nil
	}
	current.CreatedAt = baseline.CreatedAt
	current.LastNotifiedAt = baseline.LastNotifiedAt
	current.LastPolledAt = now

	res.Phase = PhaseDiffing
	newComments := detect.Collect(baseline.Comments, current.Comments, sub.TargetAuthor)
	res.NewComments = len(newComments)

	if len(newComments) == 0 {
		if err := m.store.SaveVideo(ctx, sub.Token, current); err != nil {
			return res.finish(PhaseFailed, fmt.Errorf("save baseline: %w", err)), nil
		}
		m.logger.Debug("No new comments", "email", sub.Email, "video_id", videoID, "cycle_id", cycleID, "comments", len(current.Comments))
		return res.finish(PhaseNoChange, nil), nil
	}

	res.Phase = PhaseNotifying
	return res, &notifier.VideoUpdate{Video: current, Comments: newComments}
}

// Track starts tracking a video for a subscription. The first full fetch
// becomes the baseline, so comments that already exist are never reported.
func (m *Monitor) Track(ctx context.Context, token, rawURL string) (*notifier.Video, error) {
	videoID, err := youtube.ParseVideoID(rawURL)
	if err != nil {
		return nil, err
	}

	unlock, err := m.hold(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := m.store.LoadByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if _, exists := sub.Videos[videoID]; exists {
		return nil, ErrAlreadyTracked
	}

	video, err := m.fetcher.FetchAll(ctx, videoID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	video.CreatedAt = now
	video.LastPolledAt = now

	if err := m.store.SaveVideo(ctx, sub.Token, video); err != nil {
		return nil, fmt.Errorf("save baseline: %w", err)
	}

	if sub.Videos == nil {
		sub.Videos = make(map[string]*notifier.VideoRef)
	}
	sub.Videos[videoID] = &notifier.VideoRef{URL: video.URL, AddedAt: now}
	if err := m.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	m.logger.Info("Video tracked",
		"email", sub.Email,
		"video_id", videoID,
		"title", video.Title,
		"baseline_comments", len(video.Comments))
	return video, nil
}

// Untrack stops tracking a video and removes its baseline.
func (m *Monitor) Untrack(ctx context.Context, token, videoID string) error {
	unlock, err := m.hold(ctx, token)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.unregister(ctx, token, videoID); err != nil {
		return err
	}
	if err := m.store.DeleteVideo(ctx, token, videoID); err != nil {
		return fmt.Errorf("delete baseline: %w", err)
	}
	m.logger.Info("Video untracked", "video_id", videoID)
	return nil
}

// unregister removes video references from the stored subscription.
// Callers hold the subscription's lock.
func (m *Monitor) unregister(ctx context.Context, token string, videoIDs ...string) error {
	sub, err := m.store.LoadByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	var removed int
	for _, id := range videoIDs {
		if _, ok := sub.Videos[id]; ok {
			delete(sub.Videos, id)
			removed++
		}
	}
	if removed == 0 {
		return fmt.Errorf("video %s: %w", videoIDs[0], notifier.ErrNotFound)
	}
	if err := m.store.Save(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// hold takes the subscription's cycle lock or reports that it is busy.
func (m *Monitor) hold(ctx context.Context, token string) (func(), error) {
	unlock, ok, err := m.locker.TryLock(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return nil, ErrCycleInProgress
	}
	return unlock, nil
}

// Run calls CheckAll every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Poll loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Poll loop stopped", "error", ctx.Err())
			return
		case <-ticker.C:
			if _, err := m.CheckAll(ctx); err != nil {
				m.logger.Error("Poll tick failed", "error", err)
			}
		}
	}
}
