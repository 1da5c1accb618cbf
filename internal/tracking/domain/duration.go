package domain

import "time"

// TransitionDuration is the dwell time between entering a stage and leaving
// it at. Durations under one second are rejected.
func TransitionDuration(enteredAt, at time.Time) (time.Duration, bool) {
	d := at.Sub(enteredAt)
	if d < time.Second {
		return 0, false
	}
	return d.Truncate(time.Second), true
}

// Ongoing is the transient dwell time of a lead in its current stage.
type Ongoing struct {
	LeadID    int64     `json:"leadId"`
	Stage     string    `json:"stage"`
	EnteredAt time.Time `json:"enteredAt"`
	Seconds   int64     `json:"durationSeconds"`
	AsOf      time.Time `json:"asOf"`
}

// OngoingDuration computes now minus the current stage's first-entered
// timestamp. It is reported, never persisted.
func OngoingDuration(s Snapshot, now time.Time) (Ongoing, bool) {
	entered, ok := s.EnteredAt[s.CurrentStage]
	if !ok {
		return Ongoing{}, false
	}
	d, ok := TransitionDuration(entered, now)
	if !ok {
		return Ongoing{}, false
	}
	return Ongoing{
		LeadID:    s.LeadID,
		Stage:     s.CurrentStage,
		EnteredAt: entered,
		Seconds:   int64(d / time.Second),
		AsOf:      now,
	}, true
}

// MergeEarliest folds incoming first-entered timestamps into existing ones,
// keeping the earlier value per stage.
func MergeEarliest(existing, incoming map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if cur, ok := out[k]; !ok || v.Before(cur) {
			out[k] = v
		}
	}
	return out
}
