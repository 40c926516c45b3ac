package recurrence

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcal/internal/apperr"
	"teamcal/internal/model"
)

var kst = time.FixedZone("UTC+9", 9*60*60)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func starts(insts []Instance) []time.Time {
	out := make([]time.Time, 0, len(insts))
	for _, i := range insts {
		out = append(out, i.Start)
	}
	return out
}

func TestWeeklyByDayInDisplayZone(t *testing.T) {
	rule, err := Parse("FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4", kst)
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 9, 0, 0, 0, kst)
	s, err := NewSeries(rule, start, Config{Location: kst, Duration: time.Hour})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 2, 1, 0, 0)})
	require.NoError(t, err)
	require.Len(t, res.Instances, 4)
	assert.False(t, res.Truncated)

	wantDays := []int{1, 3, 8, 10}
	for i, inst := range res.Instances {
		local := inst.Start.In(kst)
		assert.Equal(t, wantDays[i], local.Day())
		assert.Equal(t, 9, local.Hour())
		assert.Equal(t, time.UTC, inst.Start.Location())
		assert.Equal(t, time.Hour, inst.End.Sub(inst.Start))
	}
}

func TestExpandIsDeterministicAndOrdered(t *testing.T) {
	rule := MustParse("FREQ=DAILY;INTERVAL=2", time.UTC)
	s, err := NewSeries(rule, utc(2024, 1, 1, 8, 0), Config{Duration: 30 * time.Minute})
	require.NoError(t, err)

	w := Window{Start: utc(2024, 1, 10, 0, 0), End: utc(2024, 3, 1, 0, 0)}
	a, err := s.Expand(w)
	require.NoError(t, err)
	b, err := s.Expand(w)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	for i := 1; i < len(a.Instances); i++ {
		assert.True(t, a.Instances[i-1].Start.Before(a.Instances[i].Start))
	}
	for _, inst := range a.Instances {
		assert.True(t, w.Contains(inst.Start))
	}
}

func TestCountZeroIsEmpty(t *testing.T) {
	rule := MustParse("FREQ=DAILY;COUNT=0", time.UTC)
	s, err := NewSeries(rule, utc(2024, 1, 1, 9, 0), Config{})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2025, 1, 1, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, res.Instances)

	_, ok := s.Iterator().Next()
	assert.False(t, ok)
}

func TestUntilBeforeStartIsEmpty(t *testing.T) {
	rule := MustParse("FREQ=DAILY;UNTIL=20231231T000000Z", time.UTC)
	s, err := NewSeries(rule, utc(2024, 1, 1, 9, 0), Config{})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2023, 1, 1, 0, 0), End: utc(2025, 1, 1, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, res.Instances)
}

func TestDateOnlyUntilIsInclusive(t *testing.T) {
	rule := MustParse("FREQ=DAILY;UNTIL=20240103", kst)
	start := time.Date(2024, 1, 1, 21, 0, 0, 0, kst)
	s, err := NewSeries(rule, start, Config{Location: kst})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2023, 12, 1, 0, 0), End: utc(2024, 2, 1, 0, 0)})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 3)
}

func TestCountAndUntilFirstBoundWins(t *testing.T) {
	w := Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 12, 31, 0, 0)}

	byCount := MustParse("FREQ=DAILY;COUNT=3;UNTIL=20240110T000000Z", time.UTC)
	s, err := NewSeries(byCount, utc(2024, 1, 1, 9, 0), Config{})
	require.NoError(t, err)
	res, err := s.Expand(w)
	require.NoError(t, err)
	assert.Len(t, res.Instances, 3)

	byUntil := MustParse("FREQ=DAILY;COUNT=30;UNTIL=20240105T090000Z", time.UTC)
	s, err = NewSeries(byUntil, utc(2024, 1, 1, 9, 0), Config{})
	require.NoError(t, err)
	res, err = s.Expand(w)
	require.NoError(t, err)
	assert.Len(t, res.Instances, 5)
}

func TestRecurrenceEndAtMidnightCoversDay(t *testing.T) {
	rule := MustParse("FREQ=DAILY", time.UTC)
	end := utc(2024, 1, 3, 0, 0)
	s, err := NewSeries(rule, utc(2024, 1, 1, 15, 0), Config{End: &end})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 2, 1, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 15, 0),
		utc(2024, 1, 2, 15, 0),
		utc(2024, 1, 3, 15, 0),
	}, starts(res.Instances))
}

func TestMonthlyOnThirtyFirstSkipsShortMonths(t *testing.T) {
	rule := MustParse("FREQ=MONTHLY;BYMONTHDAY=31;COUNT=4", time.UTC)
	s, err := NewSeries(rule, utc(2024, 1, 31, 10, 0), Config{})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2025, 1, 1, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 31, 10, 0),
		utc(2024, 3, 31, 10, 0),
		utc(2024, 5, 31, 10, 0),
		utc(2024, 7, 31, 10, 0),
	}, starts(res.Instances))
}

func TestWallClockKeptAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	rule := MustParse("FREQ=DAILY;COUNT=3", ny)
	s, err := NewSeries(rule, time.Date(2024, 3, 9, 9, 0, 0, 0, ny), Config{Location: ny})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2024, 3, 1, 0, 0), End: utc(2024, 4, 1, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2024, 3, 9, 14, 0),
		utc(2024, 3, 10, 13, 0),
		utc(2024, 3, 11, 13, 0),
	}, starts(res.Instances))
}

func TestExceptions(t *testing.T) {
	rule := MustParse("FREQ=DAILY;COUNT=10", time.UTC)
	ex := Exceptions{
		utc(2024, 1, 2, 9, 0): {Suppressed: true},
		// moved into the window from outside
		utc(2024, 1, 7, 9, 0): {Override: &Override{
			Start: utc(2024, 1, 3, 12, 0), End: utc(2024, 1, 3, 13, 0), Title: "moved in",
		}},
		// moved out of the window
		utc(2024, 1, 1, 9, 0): {Override: &Override{
			Start: utc(2024, 1, 20, 9, 0), End: utc(2024, 1, 20, 10, 0),
		}},
		// cancelled override behaves as suppressed
		utc(2024, 1, 4, 9, 0): {Override: &Override{
			Start: utc(2024, 1, 4, 9, 0), End: utc(2024, 1, 4, 10, 0), Status: model.EventCancelled,
		}},
	}
	s, err := NewSeries(rule, utc(2024, 1, 1, 9, 0), Config{Duration: time.Hour, Exceptions: ex})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 5, 0, 0)})
	require.NoError(t, err)
	require.Equal(t, []time.Time{
		utc(2024, 1, 3, 9, 0),
		utc(2024, 1, 3, 12, 0),
	}, starts(res.Instances))
	assert.Equal(t, "moved in", res.Instances[1].Override.Title)
	assert.Equal(t, utc(2024, 1, 7, 9, 0), res.Instances[1].OriginalStart)
}

func TestOverridesMovedOntoOneStart(t *testing.T) {
	rule := MustParse("FREQ=DAILY;COUNT=3", time.UTC)
	target := utc(2024, 1, 5, 9, 0)
	ex := Exceptions{
		utc(2024, 1, 2, 9, 0): {Override: &Override{Start: target, End: target.Add(time.Hour)}},
		utc(2024, 1, 3, 9, 0): {Override: &Override{Start: target, End: target.Add(time.Hour)}},
	}
	w := Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 10, 0, 0)}

	got, err := Expand(rule, utc(2024, 1, 1, 9, 0), ex, time.UTC, w)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{utc(2024, 1, 1, 9, 0), target}, got)

	s, err := NewSeries(rule, utc(2024, 1, 1, 9, 0), Config{Duration: time.Hour, Exceptions: ex})
	require.NoError(t, err)
	res, err := s.Expand(w)
	require.NoError(t, err)
	require.Len(t, res.Instances, 3)
	assert.Equal(t, utc(2024, 1, 2, 9, 0), res.Instances[1].OriginalStart)
	assert.Equal(t, utc(2024, 1, 3, 9, 0), res.Instances[2].OriginalStart)
	assert.NotEqual(t, res.Instances[1].Key(), res.Instances[2].Key())
}

func TestIteratorIsLazyAndRestartable(t *testing.T) {
	rule := MustParse("FREQ=WEEKLY", time.UTC)
	s, err := NewSeries(rule, utc(2024, 1, 1, 9, 0), Config{})
	require.NoError(t, err)

	first := s.Iterator()
	a, ok := first.Next()
	require.True(t, ok)
	b, ok := first.Next()
	require.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, b.Start.Sub(a.Start))

	again, ok := s.Iterator().Next()
	require.True(t, ok)
	assert.Equal(t, a, again)
}

func TestExpandTruncatesAtCap(t *testing.T) {
	rule := MustParse("FREQ=DAILY", time.UTC)
	s, err := NewSeries(rule, utc(2024, 1, 1, 0, 0), Config{MaxInstances: 10})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2024, 1, 1, 0, 0), End: utc(2025, 1, 1, 0, 0)})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 10)
	assert.True(t, res.Truncated)
}

func TestAllDayNormalizedToLocalDays(t *testing.T) {
	rule := MustParse("FREQ=DAILY;COUNT=2", kst)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, kst)
	s, err := NewSeries(rule, start, Config{Location: kst, AllDay: true, Duration: 24 * time.Hour})
	require.NoError(t, err)

	res, err := s.Expand(Window{Start: utc(2023, 12, 31, 0, 0), End: utc(2024, 1, 3, 0, 0)})
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)
	for _, inst := range res.Instances {
		local := inst.Start.In(kst)
		assert.Equal(t, 0, local.Hour())
		assert.Equal(t, 24*time.Hour, inst.End.Sub(inst.Start))
	}
}

func TestParseRejectsInvalidRules(t *testing.T) {
	bad := []string{
		"",
		"FREQ=HOURLY",
		"FREQ=DAILY;INTERVAL=0",
		"FREQ=DAILY;COUNT=-1",
		"FREQ=MONTHLY;BYMONTHDAY=32",
		"FREQ=DAILY;FREQ=WEEKLY",
		"FREQ=DAILY;BYHOUR=9",
		"FREQ=WEEKLY;BYDAY=XX",
		"FREQ=WEEKLY;BYDAY=2MO",
		"INTERVAL=2",
		"FREQ=DAILY;UNTIL=tomorrow",
	}
	for _, s := range bad {
		_, err := Parse(s, time.UTC)
		require.Error(t, err, s)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), s)
	}
}

func TestParseAndString(t *testing.T) {
	r, err := Parse("RRULE:freq=monthly;interval=2;byday=-1FR;wkst=SU", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, Monthly, r.Freq)
	assert.Equal(t, 2, r.Interval)
	assert.Equal(t, []WeekdayNum{{Day: time.Friday, N: -1}}, r.ByWeekday)
	assert.Equal(t, time.Sunday, r.WeekStart)
	assert.Equal(t, "FREQ=MONTHLY;INTERVAL=2;BYDAY=-1FR;WKST=SU", r.String())

	again, err := Parse(r.String(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, r, again)
}

func TestWindowValidate(t *testing.T) {
	err := Window{Start: utc(2024, 1, 2, 0, 0), End: utc(2024, 1, 1, 0, 0)}.Validate()
	assert.True(t, apperr.KindOf(err) == apperr.KindValidation)
}
