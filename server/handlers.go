package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"ytcomment-notifier/pkg/notifier"
	"ytcomment-notifier/poll"
	"ytcomment-notifier/storage"
	"ytcomment-notifier/youtube"
)

const maxBodyBytes = 64 << 10

type subscribeRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	TargetAuthor string `json:"target_author" validate:"required,max=200"`
	VideoURL     string `json:"video_url" validate:"required,max=2048"`
}

type trackRequest struct {
	Token    string `json:"token" validate:"required,len=64,hexadecimal"`
	VideoURL string `json:"video_url" validate:"required,max=2048"`
}

type videoRefResponse struct {
	AddedAt time.Time `json:"added_at"`
	VideoID string    `json:"video_id"`
	URL     string    `json:"url"`
}

type subscriptionResponse struct {
	CreatedAt    time.Time          `json:"created_at"`
	Email        string             `json:"email"`
	Token        string             `json:"token"`
	TargetAuthor string             `json:"target_author"`
	Videos       []videoRefResponse `json:"videos"`
}

type videoResponse struct {
	CapturedAt     time.Time `json:"captured_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastPolledAt   time.Time `json:"last_polled_at"`
	LastNotifiedAt time.Time `json:"last_notified_at,omitzero"`
	VideoID        string    `json:"video_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Thumbnail      string    `json:"thumbnail"`
	CommentCount   int       `json:"comment_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	report, err := s.poller.CheckAll(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	author := strings.TrimSpace(req.TargetAuthor)

	// Reject a bad link before creating anything
	if _, err := youtube.ParseVideoID(req.VideoURL); err != nil {
		s.writeErr(w, err)
		return
	}

	ctx := r.Context()
	sub, err := s.store.LoadByEmail(ctx, email)
	created := false
	switch {
	case storage.IsNotFound(err):
		sub = &notifier.Subscription{
			Email:        email,
			Token:        s.store.TokenFromEmail(email),
			TargetAuthor: author,
			Videos:       make(map[string]*notifier.VideoRef),
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.store.Save(ctx, sub); err != nil {
			s.logger.Error("Failed to save subscription", "email", email, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to save subscription")
			return
		}
		created = true
		s.logger.Info("Created new subscription", "email", email)
	case err != nil:
		s.logger.Error("Failed to load subscription", "email", email, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	case sub.TargetAuthor != author:
		// Only the manage link can change an existing subscription's author.
		s.logger.Info("Ignoring target author for existing subscription", "email", email)
	}

	video, err := s.tracker.Track(ctx, sub.Token, req.VideoURL)
	if err != nil {
		s.logger.Warn("Failed to track video", "email", email, "url", req.VideoURL, "error", err)
		if created {
			if delErr := s.store.Delete(ctx, email); delErr != nil {
				s.logger.Error("Failed to remove empty subscription", "email", email, "error", delErr)
			}
		}
		s.writeErr(w, err)
		return
	}

	// Reload to list the video just registered
	if fresh, err := s.store.LoadByToken(ctx, sub.Token); err == nil {
		sub = fresh
	}
	// The manage token is delivered only by email, to the address's owner.
	if err := s.emailer.SendWelcome(ctx, sub, video); err != nil {
		s.logger.Error("Failed to send welcome email", "email", email, "error", err)
	}

	s.logger.Info("Video subscribed",
		"email", email,
		"new_subscription", created,
		"video_id", video.VideoID,
		"ip", clientIP(r))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "Check your email for the link to manage your subscription",
		"video":   toVideoResponse(video),
	})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !s.decode(w, r, &req) {
		return
	}

	video, err := s.tracker.Track(r.Context(), req.Token, req.VideoURL)
	if err != nil {
		s.logger.Warn("Failed to track video", "url", req.VideoURL, "error", err)
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVideoResponse(video))
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.LoadByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	resp := subscriptionResponse{
		CreatedAt:    sub.CreatedAt,
		Email:        sub.Email,
		Token:        sub.Token,
		TargetAuthor: sub.TargetAuthor,
		Videos:       make([]videoRefResponse, 0, len(sub.Videos)),
	}
	for id, ref := range sub.Videos {
		resp.Videos = append(resp.Videos, videoRefResponse{VideoID: id, URL: ref.URL, AddedAt: ref.AddedAt})
	}
	slices.SortFunc(resp.Videos, func(a, b videoRefResponse) int { return a.AddedAt.Compare(b.AddedAt) })

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub, err := s.store.LoadByToken(ctx, chi.URLParam(r, "token"))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	for id := range sub.Videos {
		if err := s.store.DeleteVideo(ctx, sub.Token, id); err != nil {
			s.logger.Error("Failed to delete video record", "email", sub.Email, "video_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to unsubscribe")
			return
		}
	}
	if err := s.store.Delete(ctx, sub.Email); err != nil {
		s.logger.Error("Failed to delete subscription", "email", sub.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to unsubscribe")
		return
	}

	s.logger.Info("All subscriptions removed", "email", sub.Email)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	video, err := s.store.LoadVideo(r.Context(), chi.URLParam(r, "token"), chi.URLParam(r, "videoID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVideoResponse(video))
}

func (s *Server) handleGetComments(w http.ResponseWriter, r *http.Request) {
	video, err := s.store.LoadVideo(r.Context(), chi.URLParam(r, "token"), chi.URLParam(r, "videoID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id":    video.VideoID,
		"captured_at": video.CapturedAt,
		"comments":    video.Comments,
	})
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	token, videoID := chi.URLParam(r, "token"), chi.URLParam(r, "videoID")
	if storage.VideoKey(token, videoID) == "" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err := s.tracker.Untrack(r.Context(), token, videoID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into dst and validates it, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "Invalid field: "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request")
		return false
	}
	return true
}

// writeErr maps domain errors to HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notifier.ErrInvalidVideoRef):
		writeError(w, http.StatusBadRequest, "Invalid YouTube video URL")
	case errors.Is(err, notifier.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, poll.ErrAlreadyTracked):
		writeError(w, http.StatusConflict, "Video already tracked")
	case errors.Is(err, poll.ErrCycleInProgress):
		writeError(w, http.StatusConflict, "A check is running for this subscription, try again shortly")
	case notifier.IsFetchFailed(err):
		writeError(w, http.StatusBadGateway, "Could not fetch video from YouTube")
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func toVideoResponse(v *notifier.Video) videoResponse {
	return videoResponse{
		CapturedAt:     v.CapturedAt,
		CreatedAt:      v.CreatedAt,
		LastPolledAt:   v.LastPolledAt,
		LastNotifiedAt: v.LastNotifiedAt,
		VideoID:        v.VideoID,
		URL:            v.URL,
		Title:          v.Title,
		Description:    v.Description,
		Thumbnail:      v.Thumbnail,
		CommentCount:   len(v.Comments),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // headers already sent
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
