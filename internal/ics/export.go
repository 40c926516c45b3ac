package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"teamcal/internal/model"
)

const productID = "-//teamcal//calendar engine//EN"

// Export renders occurrences as a VCALENDAR with one VEVENT per occurrence.
// Recurring series are emitted already expanded, so consumers never see an
// RRULE. stamp is written as DTSTAMP.
func Export(cal model.Calendar, occurrences []model.Occurrence, stamp time.Time) string {
	out := ical.NewCalendar()
	out.SetProductId(productID)
	out.SetMethod(ical.MethodPublish)
	if cal.Name != "" {
		out.SetXWRCalName(cal.Name)
	}

	for _, o := range occurrences {
		ve := out.AddEvent(occurrenceUID(o))
		ve.SetDtStampTime(stamp.UTC())
		if o.AllDay {
			ve.SetAllDayStartAt(o.Start)
			ve.SetAllDayEndAt(o.End)
		} else {
			ve.SetStartAt(o.Start.UTC())
			ve.SetEndAt(o.End.UTC())
		}
		ve.SetSummary(o.Title)
		status := "CONFIRMED"
		switch o.Status {
		case model.EventCancelled:
			status = "CANCELLED"
		case model.EventTentative:
			status = "TENTATIVE"
		}
		ve.SetProperty(ical.ComponentPropertyStatus, status)
	}
	return out.Serialize()
}

// occurrenceUID is stable across exports of the same occurrence.
func occurrenceUID(o model.Occurrence) string {
	key := o.InstanceKey
	if key == "" {
		key = o.EventID
	}
	r := strings.NewReplacer("/", "-", ":", "")
	return r.Replace(key) + "@teamcal"
}
