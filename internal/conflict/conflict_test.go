package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcal/internal/access"
	"teamcal/internal/model"
	"teamcal/internal/occurrence"
	"teamcal/internal/recurrence"
)

func at(d, h int) time.Time {
	return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
}

type staticOccurrences struct {
	events []model.Event
}

func (s staticOccurrences) CalendarOccurrences(_ context.Context, ids []string, w recurrence.Window) ([]model.Occurrence, error) {
	var out []model.Occurrence
	for _, ev := range s.events {
		for _, id := range ids {
			if ev.CalendarID != id {
				continue
			}
			res, err := occurrence.Materialize(ev, nil, w, occurrence.Options{})
			if err != nil {
				return nil, err
			}
			out = append(out, res.Occurrences...)
		}
	}
	return out, nil
}

var window = recurrence.Window{Start: at(1, 0), End: at(31, 0)}

func TestFindConflicts(t *testing.T) {
	src := staticOccurrences{events: []model.Event{
		{ID: "standup", CalendarID: "cal", Start: at(2, 9), End: at(2, 10), RecurrenceRule: "FREQ=DAILY;COUNT=3"},
		{ID: "adjacent", CalendarID: "cal", Start: at(5, 10), End: at(5, 11)},
		{ID: "dropped", CalendarID: "cal", Start: at(5, 9), End: at(5, 11), Status: model.EventCancelled},
		{ID: "other-cal", CalendarID: "other", Start: at(3, 9), End: at(3, 10)},
	}}
	c := NewChecker(src)

	candidate := model.Event{ID: "new", CalendarID: "cal", Start: at(3, 9).Add(30 * time.Minute), End: at(3, 11)}
	got, err := c.FindConflicts(context.Background(), []string{"cal", "other"}, window, candidate)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "standup", got[0].Existing.EventID)
	assert.Equal(t, at(3, 9).Add(30*time.Minute), got[0].OverlapStart)
	assert.Equal(t, at(3, 10), got[0].OverlapEnd)

	// half-open: touching intervals do not overlap, cancelled ones are skipped
	touching := model.Event{ID: "touch", CalendarID: "cal", Start: at(5, 9), End: at(5, 10)}
	got, err = c.FindConflicts(context.Background(), []string{"cal"}, window, touching)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindConflictsIgnoresOwnEvent(t *testing.T) {
	ev := model.Event{ID: "standup", CalendarID: "cal", Start: at(2, 9), End: at(2, 10)}
	c := NewChecker(staticOccurrences{events: []model.Event{ev}})

	moved := ev
	moved.Start, moved.End = at(2, 9).Add(15*time.Minute), at(2, 10).Add(15*time.Minute)
	got, err := c.FindConflicts(context.Background(), []string{"cal"}, window, moved)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindAttendeeConflicts(t *testing.T) {
	team := "t1"
	snap := access.NewBuilder().
		Membership(model.Membership{TeamID: team, UserID: "alice", Role: model.RoleMember}).
		Membership(model.Membership{TeamID: team, UserID: "bob", Role: model.RoleMember}).
		Calendar(model.Calendar{ID: "alice-cal", OwnerID: "alice", Visibility: model.VisibilityPrivate}).
		Calendar(model.Calendar{ID: "bob-cal", OwnerID: "bob", Visibility: model.VisibilityPrivate}).
		Calendar(model.Calendar{ID: "team-cal", TeamID: &team, OwnerID: "carol", Visibility: model.VisibilityTeam}).
		Build(time.Now())

	src := staticOccurrences{events: []model.Event{
		{ID: "alice-busy", CalendarID: "alice-cal", Start: at(4, 9), End: at(4, 12)},
		{ID: "bob-busy", CalendarID: "bob-cal", Start: at(6, 9), End: at(6, 12)},
		{ID: "team-busy", CalendarID: "team-cal", Start: at(4, 9), End: at(4, 12)},
	}}
	c := NewChecker(src)

	candidate := model.Event{ID: "meeting", CalendarID: "team-cal", Start: at(4, 10), End: at(4, 11)}
	got, err := c.FindAttendeeConflicts(context.Background(), snap, []string{"alice", "bob"}, window, candidate)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].AttendeeID)
	assert.Equal(t, "alice-busy", got[0].Existing.EventID)
}

func TestVisibleToRedactsUnreadableCalendars(t *testing.T) {
	snap := access.NewBuilder().
		Calendar(model.Calendar{ID: "alice-cal", OwnerID: "alice", Visibility: model.VisibilityPrivate}).
		Calendar(model.Calendar{ID: "open-cal", OwnerID: "alice", Visibility: model.VisibilityPublic}).
		Build(time.Now())

	in := []Conflict{
		{CalendarID: "alice-cal", AttendeeID: "alice", Existing: model.Occurrence{EventID: "private", CalendarID: "alice-cal", Title: "dentist", Start: at(4, 9), End: at(4, 10)}},
		{CalendarID: "open-cal", AttendeeID: "alice", Existing: model.Occurrence{EventID: "public", CalendarID: "open-cal", Title: "office hours", Start: at(4, 9), End: at(4, 10)}},
	}

	got := VisibleTo(snap, "bob", in)
	require.Len(t, got, 2)
	assert.True(t, got[0].Busy)
	assert.Empty(t, got[0].CalendarID)
	assert.Equal(t, model.Occurrence{Start: at(4, 9), End: at(4, 10)}, got[0].Existing)
	assert.False(t, got[1].Busy)
	assert.Equal(t, "office hours", got[1].Existing.Title)
	assert.Equal(t, "dentist", in[0].Existing.Title)

	mine := VisibleTo(snap, "alice", in)
	assert.False(t, mine[0].Busy)
	assert.Empty(t, VisibleTo(snap, "bob", nil))
}
