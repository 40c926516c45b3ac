package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"teamcal/internal/apperr"
	appLog "teamcal/internal/log"
	"teamcal/internal/model"
	"teamcal/internal/recurrence"
)

// importNS namespaces imported event ids so that re-importing the same
// feed into the same calendar yields the same ids.
var importNS = uuid.MustParse("5b0c9a3e-6f57-4c1e-9d7a-3f0e4b2a8c61")

// vevent is the normalized form of one VEVENT before it is mapped onto
// model.Event.
type vevent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	Cancelled   bool

	Start  time.Time
	End    time.Time
	AllDay bool
	TZ     string

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, if this VEVENT overrides one instance
	Reminders  []int
}

// Parse converts the VEVENTs of an iCalendar body into events on
// calendarID:
//
//   - a VEVENT without RECURRENCE-ID becomes a base event, its RRULE
//     validated and kept;
//   - every EXDATE of a base event becomes a cancelled override;
//   - a VEVENT with RECURRENCE-ID becomes an override of its series.
//
// VEVENTs that cannot be mapped are logged and skipped. Ids are derived
// from calendarID and the UID, so importing the same body twice produces
// the same events.
func Parse(calendarID, createdBy string, body []byte) ([]model.Event, error) {
	const op = "ics.Parse"
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperr.Validation(op, "empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Validation(op, "invalid ICS: %v", err)
	}

	var bases, overrides []vevent
	for _, comp := range cal.Events() {
		ve, perr := parseVEvent(comp)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "calendar", calendarID)
			continue
		}
		if ve.Recurrence != nil {
			overrides = append(overrides, ve)
		} else {
			bases = append(bases, ve)
		}
	}

	out := make([]model.Event, 0, len(bases)+len(overrides))
	known := make(map[string]model.Event, len(bases))
	for _, ve := range bases {
		ev, err := baseEvent(calendarID, createdBy, ve)
		if err != nil {
			appLog.Error("ics vevent skipped", err, "calendar", calendarID, "uid", ve.UID)
			continue
		}
		known[ve.UID] = ev
		out = append(out, ev)
		for _, ex := range ve.ExDates {
			out = append(out, exception(ev, ex))
		}
	}

	for _, ve := range overrides {
		parent, ok := known[ve.UID]
		if !ok {
			appLog.Info("ics override without series skipped", "calendar", calendarID, "uid", ve.UID)
			continue
		}
		out = append(out, overrideEvent(parent, ve))
	}

	out = lastByID(out)
	appLog.Info("ics parse completed", "calendar", calendarID, "event_count", len(out))
	return out, nil
}

// lastByID drops earlier events sharing an id, so a RECURRENCE-ID override
// replaces an EXDATE for the same instance.
func lastByID(events []model.Event) []model.Event {
	pos := make(map[string]int, len(events))
	out := events[:0]
	for _, ev := range events {
		if i, ok := pos[ev.ID]; ok {
			out[i] = ev
			continue
		}
		pos[ev.ID] = len(out)
		out = append(out, ev)
	}
	return out
}

func eventID(calendarID, uid string, recurrenceID *time.Time) string {
	name := calendarID + "|" + uid
	if recurrenceID != nil {
		name += "|" + strconv.FormatInt(recurrenceID.Unix(), 10)
	}
	return uuid.NewSHA1(importNS, []byte(name)).String()
}

func baseEvent(calendarID, createdBy string, ve vevent) (model.Event, error) {
	ev := model.Event{
		ID:              eventID(calendarID, ve.UID, nil),
		CalendarID:      calendarID,
		CreatedBy:       createdBy,
		Title:           ve.Summary,
		Description:     ve.Description,
		Location:        ve.Location,
		Start:           ve.Start.UTC(),
		End:             ve.End.UTC(),
		TimeZone:        ve.TZ,
		AllDay:          ve.AllDay,
		Status:          model.EventConfirmed,
		ReminderMinutes: ve.Reminders,
	}
	if ve.Cancelled {
		ev.Status = model.EventCancelled
	}
	if ev.Title == "" {
		ev.Title = "(untitled)"
	}
	if ve.RawRRule != "" {
		if _, err := recurrence.Parse(ve.RawRRule, ev.Loc()); err != nil {
			return ev, err
		}
		ev.RecurrenceRule = ve.RawRRule
	}
	return ev, nil
}

// exception turns an EXDATE into a cancelled override of parent.
func exception(parent model.Event, at time.Time) model.Event {
	rid := at.UTC()
	pid := parent.ID
	return model.Event{
		ID:            eventID(parent.CalendarID, parent.ID, &rid),
		CalendarID:    parent.CalendarID,
		CreatedBy:     parent.CreatedBy,
		Title:         parent.Title,
		Start:         rid,
		End:           rid.Add(parent.Duration()),
		TimeZone:      parent.TimeZone,
		AllDay:        parent.AllDay,
		Status:        model.EventCancelled,
		ParentEventID: &pid,
		RecurrenceID:  &rid,
	}
}

func overrideEvent(parent model.Event, ve vevent) model.Event {
	rid := ve.Recurrence.UTC()
	pid := parent.ID
	ev := model.Event{
		ID:              eventID(parent.CalendarID, parent.ID, &rid),
		CalendarID:      parent.CalendarID,
		CreatedBy:       parent.CreatedBy,
		Title:           ve.Summary,
		Description:     ve.Description,
		Location:        ve.Location,
		Start:           ve.Start.UTC(),
		End:             ve.End.UTC(),
		TimeZone:        parent.TimeZone,
		AllDay:          parent.AllDay,
		Status:          model.EventConfirmed,
		ParentEventID:   &pid,
		RecurrenceID:    &rid,
		ReminderMinutes: ve.Reminders,
	}
	if ev.Title == "" {
		ev.Title = parent.Title
	}
	if ve.Cancelled {
		ev.Status = model.EventCancelled
	}
	return ev
}

func parseVEvent(ve *ical.VEvent) (vevent, error) {
	var out vevent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("%s: missing DTSTART", out.UID)
	}
	out.AllDay = isDateValue(dtStart)
	loc := time.UTC
	if tz := param(dtStart, "TZID"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			out.TZ = tz
			loc = l
		}
	}

	start, err := propTime(dtStart, loc)
	if err != nil {
		return out, fmt.Errorf("%s: DTSTART: %w", out.UID, err)
	}
	out.Start = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		endLoc := loc
		if tz := param(dtEnd, "TZID"); tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				endLoc = l
			}
		}
		if out.End, err = propTime(dtEnd, endLoc); err != nil {
			return out, fmt.Errorf("%s: DTEND: %w", out.UID, err)
		}
	}
	if out.End.IsZero() {
		out.End = out.Start
		if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		}
	}
	if out.End.Before(out.Start) {
		return out, fmt.Errorf("%s: DTEND before DTSTART", out.UID)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := loc
		if tz := param(p, "TZID"); tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				exLoc = l
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); rid != nil {
		ridLoc := loc
		if tz := param(rid, "TZID"); tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				ridLoc = l
			}
		}
		t, err := parseICSTime(rid.Value, ridLoc)
		if err != nil {
			return out, fmt.Errorf("%s: RECURRENCE-ID: %w", out.UID, err)
		}
		out.Recurrence = &t
	}

	for _, alarm := range ve.Alarms() {
		trig := alarm.GetProperty(ical.ComponentPropertyTrigger)
		if trig == nil || strings.EqualFold(param(trig, "VALUE"), "DATE-TIME") {
			continue
		}
		if strings.EqualFold(param(trig, "RELATED"), "END") {
			continue
		}
		if d, err := parseDuration(trig.Value); err == nil && d <= 0 {
			out.Reminders = append(out.Reminders, int(-d/time.Minute))
		}
	}
	sort.Ints(out.Reminders)

	return out, nil
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// isDateValue reports VALUE=DATE or a bare YYYYMMDD value.
func isDateValue(p *ical.IANAProperty) bool {
	return strings.EqualFold(param(p, "VALUE"), "DATE") || !strings.Contains(p.Value, "T")
}

func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	return parseICSTime(p.Value, loc)
}

// parseICSTime parses the DATE, floating DATE-TIME and UTC DATE-TIME forms.
// Floating and date values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

// parseDuration reads an RFC 5545 dur-value such as -PT15M or P1DT2H.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(strings.ToUpper(v))
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(v, "-"):
		sign = -1
		v = v[1:]
	case strings.HasPrefix(v, "+"):
		v = v[1:]
	}
	if !strings.HasPrefix(v, "P") || len(v) < 3 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	v = v[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range v {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			num = ""
			var unit time.Duration
			switch {
			case r == 'W' && !inTime:
				unit = 7 * 24 * time.Hour
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("invalid duration unit %q", r)
			}
			total += time.Duration(n) * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * total, nil
}
