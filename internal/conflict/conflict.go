// Package conflict reports scheduling overlaps between a candidate event and
// the occurrences already on a set of calendars. Results are advisory.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"teamcal/internal/access"
	"teamcal/internal/model"
	"teamcal/internal/occurrence"
	"teamcal/internal/recurrence"
)

// Conflict is one overlapping pair.
type Conflict struct {
	CalendarID string `json:"calendar_id"`
	// AttendeeID is set by FindAttendeeConflicts.
	AttendeeID   string           `json:"attendee_id,omitempty"`
	Existing     model.Occurrence `json:"existing"`
	Candidate    model.Occurrence `json:"candidate"`
	OverlapStart time.Time        `json:"overlap_start"`
	OverlapEnd   time.Time        `json:"overlap_end"`
	// Busy marks a conflict reduced to free/busy: Existing carries only its
	// span because the viewer cannot read its calendar.
	Busy bool `json:"busy,omitempty"`
}

// VisibleTo redacts the conflicts on calendars viewer cannot read down to
// free/busy spans. The input slice is not modified.
func VisibleTo(snap *access.Snapshot, viewer string, conflicts []Conflict) []Conflict {
	out := make([]Conflict, len(conflicts))
	for i, cf := range conflicts {
		if !access.Resolve(snap, viewer, access.CalendarRef{ID: cf.CalendarID}).AtLeast(model.PermissionRead) {
			cf.CalendarID = ""
			cf.Existing = model.Occurrence{
				Status: cf.Existing.Status,
				AllDay: cf.Existing.AllDay,
				Start:  cf.Existing.Start,
				End:    cf.Existing.End,
			}
			cf.Busy = true
		}
		out[i] = cf
	}
	return out
}

// Occurrences supplies the materialized occurrences of calendars.
type Occurrences interface {
	CalendarOccurrences(ctx context.Context, calendarIDs []string, w recurrence.Window) ([]model.Occurrence, error)
}

type Checker struct {
	occ  Occurrences
	opts occurrence.Options
}

func NewChecker(occ Occurrences) *Checker {
	return &Checker{occ: occ}
}

// FindConflicts compares candidate against existing occurrences on its own
// calendar, when that calendar is among calendarIDs. Cancelled occurrences
// and the candidate's own event are ignored.
func (c *Checker) FindConflicts(ctx context.Context, calendarIDs []string, w recurrence.Window, candidate model.Event) ([]Conflict, error) {
	if !contains(calendarIDs, candidate.CalendarID) {
		return nil, nil
	}
	cands, err := c.candidateOccurrences(candidate, w)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	existing, err := c.occ.CalendarOccurrences(ctx, []string{candidate.CalendarID}, w)
	if err != nil {
		return nil, fmt.Errorf("conflict: load occurrences: %w", err)
	}
	out := overlaps(cands, existing, candidate.ID, "")
	sortConflicts(out)
	return out, nil
}

// FindAttendeeConflicts compares candidate against every calendar each
// attendee owns or can write, across calendars.
func (c *Checker) FindAttendeeConflicts(ctx context.Context, snap *access.Snapshot, attendees []string, w recurrence.Window, candidate model.Event) ([]Conflict, error) {
	cands, err := c.candidateOccurrences(candidate, w)
	if err != nil || len(cands) == 0 {
		return nil, err
	}

	var out []Conflict
	for _, attendee := range attendees {
		var cals []string
		for _, id := range snap.CalendarIDs() {
			if access.Resolve(snap, attendee, access.CalendarRef{ID: id}).AtLeast(model.PermissionWrite) {
				cals = append(cals, id)
			}
		}
		if len(cals) == 0 {
			continue
		}
		existing, err := c.occ.CalendarOccurrences(ctx, cals, w)
		if err != nil {
			return nil, fmt.Errorf("conflict: load occurrences for %s: %w", attendee, err)
		}
		out = append(out, overlaps(cands, existing, candidate.ID, attendee)...)
	}
	sortConflicts(out)
	return out, nil
}

func (c *Checker) candidateOccurrences(candidate model.Event, w recurrence.Window) ([]model.Occurrence, error) {
	if candidate.Status == model.EventCancelled {
		return nil, nil
	}
	res, err := occurrence.Materialize(candidate, nil, w, c.opts)
	if err != nil {
		return nil, err
	}
	return res.Occurrences, nil
}

func overlaps(cands, existing []model.Occurrence, candidateID, attendee string) []Conflict {
	var out []Conflict
	for _, e := range existing {
		if e.EventID == candidateID || e.Status == model.EventCancelled {
			continue
		}
		for _, cand := range cands {
			if cand.Status == model.EventCancelled {
				continue
			}
			start := later(e.Start, cand.Start)
			end := earlier(e.End, cand.End)
			if !start.Before(end) {
				continue
			}
			out = append(out, Conflict{
				CalendarID:   e.CalendarID,
				AttendeeID:   attendee,
				Existing:     e,
				Candidate:    cand,
				OverlapStart: start,
				OverlapEnd:   end,
			})
		}
	}
	return out
}

func sortConflicts(cs []Conflict) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if !a.OverlapStart.Equal(b.OverlapStart) {
			return a.OverlapStart.Before(b.OverlapStart)
		}
		if a.AttendeeID != b.AttendeeID {
			return a.AttendeeID < b.AttendeeID
		}
		return a.Existing.EventID < b.Existing.EventID
	})
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
