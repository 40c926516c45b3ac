// Package occurrence turns stored events and their overrides into the
// concrete occurrences that fall in a time window.
package occurrence

import (
	"errors"
	"sort"
	"time"

	"teamcal/internal/apperr"
	appLog "teamcal/internal/log"
	"teamcal/internal/model"
	"teamcal/internal/recurrence"
)

// Options tunes Materialize.
type Options struct {
	// MaxPerEvent caps the occurrences of one recurring event per call.
	// Zero uses recurrence.DefaultMaxInstances.
	MaxPerEvent int
}

// Result wraps the occurrences of one event and whether the cap truncated
// them.
type Result struct {
	Occurrences []model.Occurrence
	Truncated   bool
}

// Materialize returns the occurrences of ev whose [start, end) intersects w.
// overrides are the stored exception events of ev; entries whose parent is
// not ev are ignored. Non-recurring events yield at most one occurrence.
func Materialize(ev model.Event, overrides []model.Event, w recurrence.Window, opts Options) (Result, error) {
	var res Result
	if err := w.Validate(); err != nil {
		return res, err
	}
	if err := validateEvent(ev); err != nil {
		return res, err
	}

	if !ev.IsRecurring() {
		start, end := normalizeSpan(ev.Start, ev.End, ev.AllDay, ev.Loc())
		if w.Overlaps(start, end) {
			res.Occurrences = append(res.Occurrences, makeOccurrence(ev, ev, start, end, start, false))
		}
		return res, nil
	}
	return expandRecurring(ev, overrides, w, opts)
}

func validateEvent(ev model.Event) error {
	const op = "occurrence.Materialize"
	if ev.End.Before(ev.Start) {
		return apperr.Validation(op, "event %q ends before it starts", ev.ID)
	}
	if ev.IsOverride() && ev.IsRecurring() {
		return apperr.Validation(op, "override %q cannot carry a recurrence rule", ev.ID)
	}
	return nil
}

func expandRecurring(ev model.Event, overrides []model.Event, w recurrence.Window, opts Options) (Result, error) {
	var res Result
	loc := ev.Loc()

	rule, err := recurrence.Parse(ev.RecurrenceRule, loc)
	if err != nil {
		return res, err
	}

	exceptions := make(recurrence.Exceptions, len(overrides))
	byOriginal := make(map[int64]model.Event, len(overrides))
	for _, o := range overrides {
		if o.ParentEventID == nil || *o.ParentEventID != ev.ID || o.RecurrenceID == nil {
			continue
		}
		start, end := normalizeSpan(o.Start, o.End, o.AllDay, loc)
		exceptions[*o.RecurrenceID] = recurrence.Exception{Override: &recurrence.Override{
			Start:  start,
			End:    end,
			Title:  o.Title,
			Status: o.Status,
		}}
		byOriginal[o.RecurrenceID.Unix()] = o
	}

	series, err := recurrence.NewSeries(rule, ev.Start, recurrence.Config{
		Location:     loc,
		Duration:     ev.Duration(),
		AllDay:       ev.AllDay,
		End:          ev.RecurrenceEnd,
		Exceptions:   exceptions,
		MaxInstances: opts.MaxPerEvent,
	})
	if err != nil {
		return res, err
	}

	exp, err := series.ExpandOverlapping(w)
	if err != nil {
		return res, err
	}
	if exp.Truncated {
		res.Truncated = true
		appLog.Error("occurrence: truncated occurrences for event due to cap",
			errors.New("max occurrences reached"),
			"event_id", ev.ID,
			"cap", opts.MaxPerEvent,
		)
	}

	res.Occurrences = make([]model.Occurrence, 0, len(exp.Instances))
	for _, inst := range exp.Instances {
		if inst.Override != nil {
			src := byOriginal[inst.OriginalStart.Unix()]
			res.Occurrences = append(res.Occurrences, makeOccurrence(ev, src, inst.Start, inst.End, inst.OriginalStart, true))
			continue
		}
		res.Occurrences = append(res.Occurrences, makeOccurrence(ev, ev, inst.Start, inst.End, inst.OriginalStart, false))
	}
	return res, nil
}

// normalizeSpan maps all-day spans onto whole local days in loc.
func normalizeSpan(start, end time.Time, allDay bool, loc *time.Location) (time.Time, time.Time) {
	if !allDay {
		return start.UTC(), end.UTC()
	}
	ls := start.In(loc)
	day := time.Date(ls.Year(), ls.Month(), ls.Day(), 0, 0, 0, 0, loc)
	days := int((end.Sub(start) + 12*time.Hour) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return day.UTC(), day.AddDate(0, 0, days).UTC()
}

// makeOccurrence converts a (possibly overridden) event plus a concrete span
// into a model.Occurrence.
func makeOccurrence(base, src model.Event, start, end, original time.Time, override bool) model.Occurrence {
	status := src.Status
	if status == "" {
		status = model.EventConfirmed
	}
	return model.Occurrence{
		EventID:       base.ID,
		CalendarID:    base.CalendarID,
		SourceEventID: src.ID,
		IsOverride:    override,
		InstanceKey:   base.ID + "/" + original.UTC().Format(time.RFC3339),
		Title:         src.Title,
		Status:        status,
		AllDay:        base.AllDay,
		Start:         start.UTC(),
		End:           end.UTC(),
		OriginalStart: original.UTC(),
	}
}

// SortOccurrences orders by (start, event id, original start).
func SortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		a, b := occ[i], occ[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		return a.OriginalStart.Before(b.OriginalStart)
	})
}
