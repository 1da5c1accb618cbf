package domain

import (
	"sort"
	"time"
)

// StatusEvent is one status change from the CRM event log.
type StatusEvent struct {
	At           time.Time
	BeforeStatus int64
	AfterStatus  int64
}

// Reconstruction is the rebuilt history of one lead produced by backfill.
type Reconstruction struct {
	Lead      Lead
	Source    Source
	EnteredAt map[string]time.Time
	History   []HistoryEntry
	Durations []DurationRecord
	Anomalies []Anomaly

	// Force rebuilds the lead even if a transition was tracked for it.
	Force bool
}

// ReplayEvents rebuilds a lead's stage history from its status change events.
//
// Each event opens an interval in its "after" status that lasts until the
// next event, or until now for the last one. Intervals whose status cannot be
// resolved are skipped. A revisited stage keeps only its latest duration.
// A lead without events is assumed to have been in its current stage since
// it was created.
func ReplayEvents(lead Lead, events []StatusEvent, names StageNamer, slots SlotPolicy, now time.Time) Reconstruction {
	rec := Reconstruction{
		Lead:      lead,
		Source:    SourceEventLog,
		EnteredAt: map[string]time.Time{},
	}

	if len(events) == 0 {
		replayCreation(&rec, slots, now)
		return rec
	}

	ordered := append([]StatusEvent(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	durations := newDurationSet()
	for i, ev := range ordered {
		last := i == len(ordered)-1
		end := now
		if !last {
			end = ordered[i+1].At
		}

		stage, ok := names.StageName(ev.AfterStatus)
		if !ok {
			rec.Anomalies = append(rec.Anomalies, Anomaly{LeadID: lead.ID, Kind: AnomalyUnresolvedStatus, Detail: "status change interval skipped"})
			continue
		}

		if slots.HasSlot(stage) {
			rec.EnteredAt = MergeEarliest(rec.EnteredAt, map[string]time.Time{stage: ev.At})
		}

		if dwell, ok := TransitionDuration(ev.At, end); ok {
			durations.put(DurationRecord{LeadID: lead.ID, Stage: stage, Seconds: int64(dwell / time.Second), Source: SourceEventLog, ComputedAt: now})
		} else {
			rec.Anomalies = append(rec.Anomalies, Anomaly{LeadID: lead.ID, Stage: stage, Kind: AnomalyNonPositive, Detail: "replayed interval shorter than one second"})
		}

		if !last {
			exited := end
			rec.History = append(rec.History, HistoryEntry{
				LeadID:     lead.ID,
				PipelineID: lead.PipelineID,
				Stage:      stage,
				EnteredAt:  ev.At,
				ExitedAt:   &exited,
				Source:     SourceEventLog,
			})
		}
	}

	// The last status change is when the lead entered the stage it is in now.
	enteredCurrent := ordered[len(ordered)-1].At
	rec.History = append(rec.History, *openEntry(lead, enteredCurrent, SourceEventLog))
	if slots.HasSlot(lead.Stage) {
		rec.EnteredAt = MergeEarliest(rec.EnteredAt, map[string]time.Time{lead.Stage: enteredCurrent})
	}

	rec.Durations = durations.list()
	return rec
}

func replayCreation(rec *Reconstruction, slots SlotPolicy, now time.Time) {
	lead := rec.Lead
	entered := lead.CreatedAt
	if entered.IsZero() || entered.After(now) {
		rec.Anomalies = append(rec.Anomalies, Anomaly{LeadID: lead.ID, Stage: lead.Stage, Kind: AnomalyMissingEntry, Detail: "lead has no usable creation time"})
		entered = now
	}

	rec.History = []HistoryEntry{*openEntry(lead, entered, SourceEventLog)}
	if slots.HasSlot(lead.Stage) {
		rec.EnteredAt[lead.Stage] = entered
	}
	if dwell, ok := TransitionDuration(entered, now); ok {
		rec.Durations = []DurationRecord{{LeadID: lead.ID, Stage: lead.Stage, Seconds: int64(dwell / time.Second), Source: SourceEventLog, ComputedAt: now}}
	}
}

// durationSet keeps one record per stage, later puts replacing earlier ones,
// in first-seen order.
type durationSet struct {
	index map[string]int
	items []DurationRecord
}

func newDurationSet() *durationSet {
	return &durationSet{index: map[string]int{}}
}

func (s *durationSet) put(r DurationRecord) {
	if i, ok := s.index[r.Stage]; ok {
		s.items[i] = r
		return
	}
	s.index[r.Stage] = len(s.items)
	s.items = append(s.items, r)
}

func (s *durationSet) list() []DurationRecord { return s.items }
