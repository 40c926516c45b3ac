package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcal/internal/apperr"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
	"teamcal/internal/recurrence"
)

// setupTestDB creates a migrated in-memory SQLite store for testing
func setupTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := s.DB().DB(); err == nil {
			sqlDB.Close()
		}
	})
	return s
}

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func eventMutation(id, kind string, ev model.Event) *mutation.Mutation {
	m := &mutation.Mutation{ID: id, Kind: mutation.Kind(kind), ActorID: "alice", Event: &ev}
	m.Normalize(t0)
	return m
}

func TestApplyVersionsAndIdempotency(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ev := model.Event{ID: "ev1", CalendarID: "cal1", Title: "standup", Start: t0, End: t0.Add(30 * time.Minute)}
	v, dup, err := s.Apply(ctx, eventMutation("m1", "event_created", ev))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(1), v)

	ev.Title = "standup (moved)"
	v, dup, err = s.Apply(ctx, eventMutation("m2", "event_updated", ev))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(2), v)

	// resubmitting m1 is a no-op and reports the original version
	v, dup, err = s.Apply(ctx, eventMutation("m1", "event_created", ev))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, int64(1), v)

	got, err := s.Event(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, "standup (moved)", got.Title)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, model.EventConfirmed, got.Status)

	cur, err := s.Version(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
}

func TestApplyKeepsCreator(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ev := model.Event{ID: "ev1", CalendarID: "cal1", Title: "x", Start: t0, End: t0.Add(time.Hour)}
	_, _, err := s.Apply(ctx, eventMutation("m1", "event_created", ev))
	require.NoError(t, err)

	m := &mutation.Mutation{ID: "m2", Kind: mutation.EventCancelled, ActorID: "bob", Event: &ev}
	m.Normalize(t0)
	_, _, err = s.Apply(ctx, m)
	require.NoError(t, err)

	got, err := s.Event(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, model.EventCancelled, got.Status)
}

func TestApplySystemMutationDoesNotWritePayload(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ev := model.Event{ID: "ev1", CalendarID: "cal1", Title: "x", Start: t0, End: t0.Add(time.Hour)}
	m := &mutation.Mutation{ID: "reminder:ev1", Kind: mutation.EventReminder, Event: &ev}
	m.Normalize(t0)
	v, _, err := s.Apply(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = s.Event(ctx, "ev1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestTaskPositionAndCompletion(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"t1", "t2", "t3"} {
		m := &mutation.Mutation{ID: "m-" + id, Kind: mutation.TaskUpdated, ActorID: "alice",
			Task: &model.Task{ID: id, TeamID: "team", Title: id}}
		m.Normalize(t0.Add(time.Duration(i) * time.Minute))
		_, _, err := s.Apply(ctx, m)
		require.NoError(t, err)
	}

	tasks, err := s.Tasks(ctx, "team", nil)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{tasks[0].Position, tasks[1].Position, tasks[2].Position})

	done := &mutation.Mutation{ID: "m-done", Kind: mutation.TaskUpdated, ActorID: "bob",
		Task: &model.Task{ID: "t2", TeamID: "team", Title: "t2", Status: model.TaskDone}}
	done.Normalize(t0.Add(time.Hour))
	_, _, err = s.Apply(ctx, done)
	require.NoError(t, err)

	got, err := s.Task(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Position)
	assert.Equal(t, "alice", got.CreatedBy)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(t0.Add(time.Hour)))
}

func TestGrantRevoke(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, s.PutCalendar(ctx, model.Calendar{ID: "cal1", OwnerID: "alice", Visibility: model.VisibilityPrivate}))

	grant := func(id string, p model.Permission) {
		m := &mutation.Mutation{ID: id, Kind: mutation.PermissionChanged, ActorID: "alice",
			Grant: &mutation.Grant{CalendarID: "cal1", UserID: "bob", Permission: p}}
		m.Normalize(t0)
		_, _, err := s.Apply(ctx, m)
		require.NoError(t, err)
	}

	grant("g1", model.PermissionWrite)
	snap, err := s.Snapshot(ctx, Scope{})
	require.NoError(t, err)
	cal, ok := snap.Calendar("cal1")
	require.True(t, ok)
	assert.Equal(t, "alice", cal.OwnerID)

	grant("g2", model.PermissionNone)
	var count int64
	require.NoError(t, s.DB().Model(&calendarGrantRow{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSnapshotScope(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	teamID := "t1"
	require.NoError(t, s.PutUser(ctx, model.User{ID: "alice"}))
	require.NoError(t, s.PutCalendar(ctx, model.Calendar{ID: "cal1", TeamID: &teamID, OwnerID: "alice", Visibility: model.VisibilityTeam}))
	member := &mutation.Mutation{ID: "join", Kind: mutation.MemberJoined, ActorID: "alice",
		Membership: &model.Membership{UserID: "bob", TeamID: teamID, Role: model.RoleGuest}}
	member.Normalize(t0)
	_, _, err := s.Apply(ctx, member)
	require.NoError(t, err)

	ev := model.Event{ID: "ev1", CalendarID: "cal1", Title: "x", Start: t0, End: t0.Add(time.Hour)}
	_, _, err = s.Apply(ctx, eventMutation("m1", "event_created", ev))
	require.NoError(t, err)

	snap, err := s.SnapshotFor(ctx, eventMutation("m2", "event_updated", ev))
	require.NoError(t, err)
	_, ok := snap.Event("ev1")
	assert.True(t, ok)
	role, ok := snap.Role(teamID, "bob")
	require.True(t, ok)
	assert.Equal(t, model.RoleGuest, role)

	snap, err = s.Snapshot(ctx, Scope{})
	require.NoError(t, err)
	_, ok = snap.Event("ev1")
	assert.False(t, ok)
}

func TestBaseEventsAndOverrides(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	series := model.Event{ID: "series", CalendarID: "cal1", Title: "weekly", Start: t0, End: t0.Add(time.Hour),
		RecurrenceRule: "FREQ=WEEKLY;COUNT=10"}
	past := model.Event{ID: "past", CalendarID: "cal1", Title: "old", Start: t0.AddDate(0, -1, 0), End: t0.AddDate(0, -1, 0).Add(time.Hour)}
	inWindow := model.Event{ID: "now", CalendarID: "cal1", Title: "now", Start: t0.AddDate(0, 0, 7), End: t0.AddDate(0, 0, 7).Add(time.Hour)}
	other := model.Event{ID: "other", CalendarID: "cal2", Title: "elsewhere", Start: t0.AddDate(0, 0, 7), End: t0.AddDate(0, 0, 7).Add(time.Hour)}
	parent := "series"
	orig := t0.AddDate(0, 0, 14)
	override := model.Event{ID: "series-o1", CalendarID: "cal1", Title: "moved", Start: orig.Add(2 * time.Hour), End: orig.Add(3 * time.Hour),
		ParentEventID: &parent, RecurrenceID: &orig}
	first := t0
	stray := model.Event{ID: "stray", CalendarID: "cal2", Title: "suppress", Status: model.EventCancelled, Start: t0, End: t0.Add(time.Hour),
		ParentEventID: &parent, RecurrenceID: &first}

	for i, ev := range []model.Event{series, past, inWindow, other, override, stray} {
		_, _, err := s.Apply(ctx, eventMutation("m"+string(rune('a'+i)), "event_created", ev))
		require.NoError(t, err)
	}

	w := recurrence.Window{Start: t0.AddDate(0, 0, 5), End: t0.AddDate(0, 0, 20)}
	events, err := s.BaseEvents(ctx, []string{"cal1"}, w)
	require.NoError(t, err)
	var ids []string
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"series", "now"}, ids)

	overrides, err := s.Overrides(ctx, "series")
	require.NoError(t, err)
	require.Len(t, overrides, 1, "overrides on another calendar never apply to the series")
	assert.Equal(t, "series-o1", overrides[0].ID)
	assert.True(t, overrides[0].RecurrenceID.Equal(orig))
}

func TestNotificationDedup(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	n := model.Notification{
		ID:              "n1",
		RecipientID:     "bob",
		Type:            model.NotifyEventUpdated,
		ResourceType:    model.ResourceEvent,
		ResourceID:      "ev1",
		MutationVersion: 3,
		Title:           "standup",
		Channels:        []model.Channel{model.ChannelInApp, model.ChannelEmail},
		SentAt:          t0,
	}
	stored, created, err := s.InsertNotification(ctx, n)
	require.NoError(t, err)
	assert.True(t, created)

	dup := n
	dup.ID = "n2"
	stored2, created, err := s.InsertNotification(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, stored2.ID)

	require.NoError(t, s.MarkDelivered(ctx, "n1", model.ChannelInApp))
	require.NoError(t, s.MarkDelivered(ctx, "n1", model.ChannelInApp))
	list, err := s.ListNotifications(ctx, "bob", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []model.Channel{model.ChannelInApp}, list[0].Delivered)

	err = s.MarkRead(ctx, "carol", "n1", t0)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	require.NoError(t, s.MarkRead(ctx, "bob", "n1", t0.Add(time.Minute)))

	unread, err := s.ListNotifications(ctx, "bob", true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestAuditAppendOnce(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	actor := "alice"
	entry := model.AuditLog{ID: "m1:audit", UserID: &actor, Action: "event_created", ResourceType: model.ResourceEvent,
		ResourceID: "ev1", Metadata: map[string]any{"version": 1}, CreatedAt: t0}

	require.NoError(t, s.AppendAudit(ctx, entry))
	require.NoError(t, s.AppendAudit(ctx, entry))

	rows, err := s.AuditFor(ctx, "ev1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "event_created", rows[0].Action)
}

func TestScannerQueries(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	due := t0.Add(2 * time.Hour)
	late := t0.Add(48 * time.Hour)
	for _, task := range []model.Task{
		{ID: "soon", TeamID: "team", Title: "soon", DueDate: &due},
		{ID: "later", TeamID: "team", Title: "later", DueDate: &late},
		{ID: "done", TeamID: "team", Title: "done", DueDate: &due, Status: model.TaskDone},
	} {
		task := task
		m := &mutation.Mutation{ID: "m-" + task.ID, Kind: mutation.TaskUpdated, ActorID: "alice", Task: &task}
		m.Normalize(t0)
		_, _, err := s.Apply(ctx, m)
		require.NoError(t, err)
	}
	tasks, err := s.TasksDueBetween(ctx, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "soon", tasks[0].ID)

	deadline := t0.Add(3 * time.Hour)
	file := model.File{ID: "f1", ProjectID: "p1", Name: "brief.pdf", Deadline: &deadline}
	fm := &mutation.Mutation{ID: "m-f1", Kind: mutation.FileUploaded, ActorID: "alice", File: &file}
	fm.Normalize(t0)
	_, _, err = s.Apply(ctx, fm)
	require.NoError(t, err)
	files, err := s.FilesWithDeadlineBetween(ctx, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, files, 1)

	withReminder := model.Event{ID: "ev-r", CalendarID: "cal1", Title: "r", Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour),
		ReminderMinutes: []int{15}}
	plain := model.Event{ID: "ev-p", CalendarID: "cal1", Title: "p", Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)}
	_, _, err = s.Apply(ctx, eventMutation("m-r", "event_created", withReminder))
	require.NoError(t, err)
	_, _, err = s.Apply(ctx, eventMutation("m-p", "event_created", plain))
	require.NoError(t, err)
	events, err := s.EventsWithReminders(ctx, t0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []int{15}, events[0].ReminderMinutes)
}

func TestSeed(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: alice
    email: alice@example.com
  - id: bob
teams:
  - id: t1
    name: Platform
    slug: platform
    members:
      alice: owner
      bob: guest
calendars:
  - id: team-cal
    team_id: t1
    owner_id: alice
    visibility: team
    grants:
      bob: write
projects:
  - id: p1
    team_id: t1
    name: Launch
preferences:
  - user_id: bob
    type: event_updated
    channels: [email]
`), 0o600))

	data, err := LoadSeed(path)
	require.NoError(t, err)
	require.NoError(t, s.Seed(ctx, data))

	snap, err := s.Snapshot(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, snap.TeamMembers("t1"))
	cal, ok := snap.Calendar("team-cal")
	require.True(t, ok)
	require.NotNil(t, cal.TeamID)
	assert.Equal(t, "t1", *cal.TeamID)

	prefs, err := s.Preferences(ctx, "bob", model.NotifyEventUpdated)
	require.NoError(t, err)
	assert.Equal(t, []model.Channel{model.ChannelEmail}, prefs)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", nil))
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(classify("op", errors.New("database is locked"))))
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(classify("op", context.DeadlineExceeded)))
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(classify("op", errors.New("syntax error"))))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(classify("op", apperr.NotFound("x", "event", "1"))))
}
