package poll

import "time"

// Phase is where a video's cycle ended.
type Phase string

// Cycle phases. A cycle moves Idle → Fetching → Diffing, then either
// NoChange, or Notifying followed by Persisted or Failed.
const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseDiffing   Phase = "diffing"
	PhaseNoChange  Phase = "no_change"
	PhaseNotifying Phase = "notifying"
	PhasePersisted Phase = "persisted"
	PhaseFailed    Phase = "failed"
	PhaseSkipped   Phase = "skipped" // another cycle held the subscription
	PhaseDropped   Phase = "dropped" // baseline missing from storage
)

// CycleResult describes the outcome of checking one video.
type CycleResult struct {
	At          time.Time     `json:"at"`
	Err         error         `json:"-"`
	CycleID     string        `json:"cycle_id"`
	Email       string        `json:"email"`
	VideoID     string        `json:"video_id,omitempty"`
	Phase       Phase         `json:"phase"`
	Error       string        `json:"error,omitempty"`
	NewComments int           `json:"new_comments"`
	Duration    time.Duration `json:"duration_ns"`
}

func (r CycleResult) finish(phase Phase, err error) CycleResult {
	r.Phase = phase
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// TickReport summarizes one CheckAll run.
type TickReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Results       []CycleResult `json:"results"`
	Duration      time.Duration `json:"duration_ns"`
	Subscriptions int           `json:"subscriptions"`
	Notified      int           `json:"notified"`
	Unchanged     int           `json:"unchanged"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Dropped       int           `json:"dropped"`
}

func (t *TickReport) add(results []CycleResult) {
	for _, r := range results {
		switch r.Phase {
		case PhasePersisted:
			t.Notified++
		case PhaseNoChange:
			t.Unchanged++
		case PhaseFailed:
			t.Failed++
		case PhaseSkipped:
			t.Skipped++
		case PhaseDropped:
			t.Dropped++
		}
	}
	t.Results = append(t.Results, results...)
}
