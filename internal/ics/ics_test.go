package ics

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcal/internal/apperr"
	"teamcal/internal/model"
)

func icsBody(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

var sample = icsBody(
	"BEGIN:VEVENT",
	"UID:standup-1",
	"DTSTAMP:20260301T000000Z",
	"SUMMARY:Standup",
	"DTSTART;TZID=Asia/Seoul:20260302T090000",
	"DTEND;TZID=Asia/Seoul:20260302T093000",
	"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4",
	"EXDATE;TZID=Asia/Seoul:20260304T090000",
	"BEGIN:VALARM",
	"ACTION:DISPLAY",
	"TRIGGER:-PT15M",
	"END:VALARM",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:standup-1",
	"DTSTAMP:20260301T000000Z",
	"RECURRENCE-ID;TZID=Asia/Seoul:20260309T090000",
	"SUMMARY:Standup (moved)",
	"DTSTART;TZID=Asia/Seoul:20260309T140000",
	"DTEND;TZID=Asia/Seoul:20260309T143000",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:offsite",
	"DTSTAMP:20260301T000000Z",
	"SUMMARY:Offsite",
	"DTSTART;VALUE=DATE:20260320",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"DTSTAMP:20260301T000000Z",
	"SUMMARY:no uid",
	"DTSTART:20260320T100000Z",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:hourly",
	"DTSTAMP:20260301T000000Z",
	"SUMMARY:too often",
	"DTSTART:20260320T100000Z",
	"RRULE:FREQ=HOURLY",
	"END:VEVENT",
)

func byTitle(events []model.Event) map[string]model.Event {
	out := map[string]model.Event{}
	for _, ev := range events {
		key := ev.Title
		if ev.Status == model.EventCancelled {
			key = "cancelled:" + key
		}
		out[key] = ev
	}
	return out
}

func TestParseSeriesWithExceptions(t *testing.T) {
	events, err := Parse("team-cal", "alice", sample)
	require.NoError(t, err)
	require.Len(t, events, 4)

	got := byTitle(events)
	series := got["Standup"]
	assert.Equal(t, "team-cal", series.CalendarID)
	assert.Equal(t, "alice", series.CreatedBy)
	assert.Equal(t, "Asia/Seoul", series.TimeZone)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4", series.RecurrenceRule)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), series.Start)
	assert.Equal(t, 30*time.Minute, series.Duration())
	assert.Equal(t, []int{15}, series.ReminderMinutes)

	exdate := got["cancelled:Standup"]
	require.NotNil(t, exdate.ParentEventID)
	assert.Equal(t, series.ID, *exdate.ParentEventID)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), *exdate.RecurrenceID)

	moved := got["Standup (moved)"]
	require.NotNil(t, moved.ParentEventID)
	assert.Equal(t, series.ID, *moved.ParentEventID)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), *moved.RecurrenceID)
	assert.Equal(t, time.Date(2026, 3, 9, 5, 0, 0, 0, time.UTC), moved.Start)
	assert.Empty(t, moved.RecurrenceRule)

	offsite := got["Offsite"]
	assert.True(t, offsite.AllDay)
	assert.Equal(t, 24*time.Hour, offsite.Duration())
}

func TestParseIDsAreStable(t *testing.T) {
	a, err := Parse("team-cal", "alice", sample)
	require.NoError(t, err)
	b, err := Parse("team-cal", "bob", sample)
	require.NoError(t, err)
	other, err := Parse("other-cal", "alice", sample)
	require.NoError(t, err)

	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.NotEqual(t, a[i].ID, other[i].ID)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("team-cal", "alice", nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	events, err := Parse("team-cal", "alice", []byte("not a calendar"))
	if err == nil {
		assert.Empty(t, events)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"-PT15M":   -15 * time.Minute,
		"PT0S":     0,
		"-P1D":     -24 * time.Hour,
		"-P1DT2H":  -26 * time.Hour,
		"+PT1H30M": 90 * time.Minute,
		"-P1W":     -7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "15M", "-PT", "P1H", "PT5"} {
		_, err := parseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestExport(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	occs := []model.Occurrence{
		{EventID: "ev1", InstanceKey: "ev1/2026-03-02T00:00:00Z", Title: "Standup", Status: model.EventConfirmed, Start: start, End: start.Add(30 * time.Minute)},
		{EventID: "ev1", InstanceKey: "ev1/2026-03-04T00:00:00Z", Title: "Standup", Status: model.EventCancelled, Start: start.Add(48 * time.Hour), End: start.Add(48*time.Hour + 30*time.Minute)},
	}
	out := Export(model.Calendar{ID: "team-cal", Name: "Team"}, occs, start)

	assert.Equal(t, 2, strings.Count(out, "BEGIN:VEVENT"))
	assert.Contains(t, out, "X-WR-CALNAME:Team")
	assert.Contains(t, out, "UID:ev1-2026-03-02T000000Z@teamcal")
	assert.Contains(t, out, "STATUS:CANCELLED")
	assert.NotContains(t, out, "RRULE")

	back, err := Parse("copy", "alice", []byte(out))
	require.NoError(t, err)
	require.Len(t, back, 2)
	for _, ev := range back {
		assert.Equal(t, "Standup", ev.Title)
		assert.Equal(t, 30*time.Minute, ev.Duration())
	}
}
