package domain

import (
	"fmt"
	"sort"
	"time"
)

// ChangeKind classifies a polled lead against its snapshot.
type ChangeKind string

const (
	ChangeNew          ChangeKind = "new"
	ChangeUnchanged    ChangeKind = "unchanged"
	ChangeTransitioned ChangeKind = "transitioned"
)

// Change is the planned side effect for one lead. Snapshot is always the
// row to upsert; the other fields are set only when they apply.
type Change struct {
	Kind          ChangeKind
	Lead          Lead
	PreviousStage string
	Snapshot      Snapshot
	// CloseAt closes the lead's open history entry.
	CloseAt *time.Time
	// Open is the history entry to append.
	Open *HistoryEntry
	// Duration is the dwell time in PreviousStage.
	Duration *DurationRecord
}

// AnomalyKind names a non-fatal data problem found while planning.
type AnomalyKind string

const (
	AnomalyMissingEntry     AnomalyKind = "missing_entry_timestamp"
	AnomalyNonPositive      AnomalyKind = "non_positive_duration"
	AnomalyUnresolvedStatus AnomalyKind = "unresolved_status"
	AnomalyDuplicateLead    AnomalyKind = "duplicate_lead"
)

// Anomaly is logged and the affected record is omitted.
type Anomaly struct {
	LeadID int64
	Stage  string
	Kind   AnomalyKind
	Detail string
}

// Plan is the outcome of classifying one poll.
type Plan struct {
	Changes   []Change
	Anomalies []Anomaly
}

// Count returns how many changes have the given kind.
func (p Plan) Count(kind ChangeKind) int {
	n := 0
	for _, c := range p.Changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Durations collects the duration records of the plan.
func Durations(changes []Change) []DurationRecord {
	var out []DurationRecord
	for _, c := range changes {
		if c.Duration != nil {
			out = append(out, *c.Duration)
		}
	}
	return out
}

// Chunks splits the changes into consecutive slices of at most size.
func (p Plan) Chunks(size int) [][]Change {
	return chunk(p.Changes, size)
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// Detector classifies polled leads against stored snapshots.
type Detector struct {
	slots SlotPolicy
}

// NewDetector creates a detector using the given slot policy.
func NewDetector(slots SlotPolicy) *Detector {
	return &Detector{slots: slots}
}

// Plan classifies every polled lead as new, unchanged or transitioned at
// time now. Leads missing from the poll are not part of the plan. Changes
// are ordered by lead id.
func (d *Detector) Plan(leads []Lead, snapshots map[int64]Snapshot, now time.Time) Plan {
	var plan Plan
	seen := make(map[int64]struct{}, len(leads))

	for _, lead := range leads {
		if _, dup := seen[lead.ID]; dup {
			plan.Anomalies = append(plan.Anomalies, Anomaly{LeadID: lead.ID, Stage: lead.Stage, Kind: AnomalyDuplicateLead, Detail: "lead listed more than once, first occurrence kept"})
			continue
		}
		seen[lead.ID] = struct{}{}

		snap, ok := snapshots[lead.ID]
		switch {
		case !ok:
			plan.Changes = append(plan.Changes, d.newLead(lead, now))
		case snap.CurrentStage == lead.Stage:
			next := snap.Clone()
			next.PipelineID = lead.PipelineID
			next.UpdatedAt = now
			plan.Changes = append(plan.Changes, Change{Kind: ChangeUnchanged, Lead: lead, PreviousStage: snap.CurrentStage, Snapshot: next})
		default:
			change, anomaly := d.transition(lead, snap, now)
			plan.Changes = append(plan.Changes, change)
			if anomaly != nil {
				plan.Anomalies = append(plan.Anomalies, *anomaly)
			}
		}
	}

	sort.Slice(plan.Changes, func(i, j int) bool {
		return plan.Changes[i].Lead.ID < plan.Changes[j].Lead.ID
	})
	return plan
}

func (d *Detector) newLead(lead Lead, now time.Time) Change {
	snap := Snapshot{
		LeadID:       lead.ID,
		PipelineID:   lead.PipelineID,
		CurrentStage: lead.Stage,
		EnteredAt:    map[string]time.Time{},
		UpdatedAt:    now,
	}
	if d.slots.HasSlot(lead.Stage) {
		snap.EnteredAt[lead.Stage] = now
	}
	return Change{
		Kind:     ChangeNew,
		Lead:     lead,
		Snapshot: snap,
		Open:     openEntry(lead, now, SourceTracked),
	}
}

func (d *Detector) transition(lead Lead, prev Snapshot, now time.Time) (Change, *Anomaly) {
	change := Change{
		Kind:          ChangeTransitioned,
		Lead:          lead,
		PreviousStage: prev.CurrentStage,
		CloseAt:       &now,
		Open:          openEntry(lead, now, SourceTracked),
	}

	var anomaly *Anomaly
	if entered, ok := prev.EnteredAt[prev.CurrentStage]; !ok {
		anomaly = &Anomaly{LeadID: lead.ID, Stage: prev.CurrentStage, Kind: AnomalyMissingEntry, Detail: "no first-entered timestamp for exited stage"}
	} else if dwell, ok := TransitionDuration(entered, now); !ok {
		anomaly = &Anomaly{LeadID: lead.ID, Stage: prev.CurrentStage, Kind: AnomalyNonPositive, Detail: fmt.Sprintf("entered %s, exited %s", entered.Format(time.RFC3339), now.Format(time.RFC3339))}
	} else {
		change.Duration = &DurationRecord{
			LeadID:     lead.ID,
			Stage:      prev.CurrentStage,
			Seconds:    int64(dwell / time.Second),
			Source:     SourceTracked,
			ComputedAt: now,
		}
	}

	next := prev.Clone()
	next.PipelineID = lead.PipelineID
	next.CurrentStage = lead.Stage
	next.UpdatedAt = now
	if _, set := next.EnteredAt[lead.Stage]; !set && d.slots.HasSlot(lead.Stage) {
		next.EnteredAt[lead.Stage] = now
	}
	change.Snapshot = next

	return change, anomaly
}

func openEntry(lead Lead, at time.Time, source Source) *HistoryEntry {
	return &HistoryEntry{
		LeadID:     lead.ID,
		PipelineID: lead.PipelineID,
		Stage:      lead.Stage,
		EnteredAt:  at,
		Source:     source,
	}
}
