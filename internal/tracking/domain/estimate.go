package domain

import "time"

// Rand is the random source used for heuristic estimates.
type Rand interface {
	Int64N(n int64) int64
}

// RangeFunc returns the plausible age range of a lead found in stage.
type RangeFunc func(stage string) (lo, hi time.Duration)

// EstimateEntry guesses when a lead entered its current stage by drawing an
// offset from the stage's age range. The result is tagged estimated and is
// never earlier than the lead's creation time.
func EstimateEntry(lead Lead, ranges RangeFunc, slots SlotPolicy, rng Rand, now time.Time) Reconstruction {
	lo, hi := ranges(lead.Stage)
	if hi < lo {
		lo, hi = hi, lo
	}

	offset := lo
	if span := int64((hi - lo) / time.Second); span > 0 {
		offset += time.Duration(rng.Int64N(span+1)) * time.Second
	}

	entered := now.Add(-offset)
	if !lead.CreatedAt.IsZero() && entered.Before(lead.CreatedAt) && !lead.CreatedAt.After(now) {
		entered = lead.CreatedAt
	}

	rec := Reconstruction{
		Lead:      lead,
		Source:    SourceEstimated,
		EnteredAt: map[string]time.Time{},
		History:   []HistoryEntry{*openEntry(lead, entered, SourceEstimated)},
	}
	if slots.HasSlot(lead.Stage) {
		rec.EnteredAt[lead.Stage] = entered
	}
	if dwell, ok := TransitionDuration(entered, now); ok {
		rec.Durations = []DurationRecord{{LeadID: lead.ID, Stage: lead.Stage, Seconds: int64(dwell / time.Second), Source: SourceEstimated, ComputedAt: now}}
	}
	return rec
}
