package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcal/internal/apperr"
	"teamcal/internal/config"
	"teamcal/internal/dispatch"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
	"teamcal/internal/occurrence"
	"teamcal/internal/recurrence"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }

type fakeStore struct {
	events []model.Event
	tasks  []model.Task
	files  []model.File
	err    error
}

func (f *fakeStore) EventsWithReminders(context.Context, time.Time) ([]model.Event, error) {
	return f.events, f.err
}

func (f *fakeStore) TasksDueBetween(_ context.Context, from, to time.Time) ([]model.Task, error) {
	var out []model.Task
	for _, t := range f.tasks {
		if !t.DueDate.Before(from) && t.DueDate.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) FilesWithDeadlineBetween(_ context.Context, from, to time.Time) ([]model.File, error) {
	var out []model.File
	for _, file := range f.files {
		if !file.Deadline.Before(from) && file.Deadline.Before(to) {
			out = append(out, file)
		}
	}
	return out, nil
}

type noOverrides struct{}

func (noOverrides) Overrides(context.Context, string) ([]model.Event, error) { return nil, nil }
func (noOverrides) BaseEvents(context.Context, []string, recurrence.Window) ([]model.Event, error) {
	return nil, nil
}

type recordingSubmitter struct {
	mu   sync.Mutex
	seen map[string]bool
	subs []*mutation.Mutation
}

func (r *recordingSubmitter) Submit(_ context.Context, m *mutation.Mutation, _ dispatch.SubmitOptions) (dispatch.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.Validate(); err != nil {
		return dispatch.Ack{}, err
	}
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if r.seen[m.ID] {
		return dispatch.Ack{MutationID: m.ID, Duplicate: true}, nil
	}
	r.seen[m.ID] = true
	r.subs = append(r.subs, m)
	return dispatch.Ack{MutationID: m.ID, Version: int64(len(r.subs))}, nil
}

func (r *recordingSubmitter) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for _, m := range r.subs {
		out = append(out, m.ID)
	}
	return out
}

func newScheduler(t *testing.T, store Store, sub Submitter, now *time.Time) *Scheduler {
	t.Helper()
	occ, err := occurrence.NewService(noOverrides{}, 16, occurrence.Options{})
	require.NoError(t, err)
	cfg := config.SchedulerConfig{ScanCron: "@every 1m", DueSoonWindow: 24 * time.Hour, DeadlineWindow: 24 * time.Hour}
	s := New(cfg, store, occ, sub, nil)
	s.now = func() time.Time { return *now }
	return s
}

func TestReminderFiresOncePerOccurrence(t *testing.T) {
	daily := model.Event{
		ID: "standup", CalendarID: "team-cal", Title: "standup",
		Start: t0.Add(10 * time.Minute), End: t0.Add(25 * time.Minute),
		TimeZone: "UTC", RecurrenceRule: "FREQ=DAILY;COUNT=3",
		ReminderMinutes: []int{10, 60},
	}
	store := &fakeStore{events: []model.Event{daily}}
	sub := &recordingSubmitter{}
	now := t0.Add(-time.Minute)
	s := newScheduler(t, store, sub, &now)

	_, err := s.Scan(context.Background())
	require.NoError(t, err)
	// The 60-minute reminder for today's occurrence fell before the first scan window.
	assert.Empty(t, sub.ids())

	now = t0
	stats, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reminders)
	want := "reminder:standup:" + itoa(t0.Add(10*time.Minute).Unix()) + ":10"
	assert.Equal(t, []string{want}, sub.ids())

	m := sub.subs[0]
	assert.Equal(t, mutation.EventReminder, m.Kind)
	require.NotNil(t, m.OccurrenceStart)
	assert.True(t, m.OccurrenceStart.Equal(t0.Add(10*time.Minute)))
	assert.Empty(t, m.ActorID)

	now = t0.Add(time.Minute)
	stats, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Reminders)

	// Tomorrow's 60-minute reminder.
	now = t0.Add(24*time.Hour - 50*time.Minute)
	stats, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reminders)
	assert.Len(t, sub.ids(), 2)
}

func TestCancelledOccurrenceHasNoReminder(t *testing.T) {
	ev := model.Event{
		ID: "retro", CalendarID: "team-cal", Title: "retro",
		Start: t0.Add(5 * time.Minute), End: t0.Add(time.Hour),
		Status: model.EventCancelled, ReminderMinutes: []int{5},
	}
	sub := &recordingSubmitter{}
	now := t0
	s := newScheduler(t, &fakeStore{events: []model.Event{ev}}, sub, &now)

	_, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sub.ids())
}

func TestDueSoonAndDeadlinesCollapse(t *testing.T) {
	store := &fakeStore{
		tasks: []model.Task{
			{ID: "task1", TeamID: "t1", Title: "ship", Status: model.TaskTodo, AssigneeID: strPtr("bob"), DueDate: timePtr(t0.Add(3 * time.Hour))},
			{ID: "task2", TeamID: "t1", Title: "later", Status: model.TaskTodo, DueDate: timePtr(t0.Add(72 * time.Hour))},
		},
		files: []model.File{
			{ID: "f1", ProjectID: "p1", Name: "brief.pdf", Deadline: timePtr(t0.Add(time.Hour))},
		},
	}
	sub := &recordingSubmitter{}
	now := t0
	s := newScheduler(t, store, sub, &now)

	stats, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{DueSoon: 1, Deadlines: 1}, stats)
	assert.ElementsMatch(t, []string{
		"due:task1:" + itoa(t0.Add(3*time.Hour).Unix()),
		"deadline:f1:" + itoa(t0.Add(time.Hour).Unix()),
	}, sub.ids())

	now = t0.Add(time.Minute)
	stats, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Len(t, sub.ids(), 2)
}

func TestScanCursorHoldsOnFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("database is locked")}
	now := t0
	s := newScheduler(t, store, &recordingSubmitter{}, &now)

	_, err := s.Scan(context.Background())
	require.Error(t, err)
	assert.True(t, s.last.IsZero())

	store.err = nil
	_, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, s.last)
}

type rejectingSubmitter struct {
	err   error
	calls int
}

func (r *rejectingSubmitter) Submit(context.Context, *mutation.Mutation, dispatch.SubmitOptions) (dispatch.Ack, error) {
	r.calls++
	return dispatch.Ack{}, r.err
}

func TestScanCursorSkipsPermanentRejections(t *testing.T) {
	ev := model.Event{
		ID: "review", CalendarID: "team-cal", Title: "review",
		Start: t0.Add(10 * time.Minute), End: t0.Add(40 * time.Minute),
		ReminderMinutes: []int{10},
	}

	rejected := &rejectingSubmitter{err: apperr.Validation("test", "bad payload")}
	now := t0
	s := newScheduler(t, &fakeStore{events: []model.Event{ev}}, rejected, &now)
	_, err := s.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, rejected.calls)
	assert.Equal(t, t0, s.last, "a rejected record must not pin the cursor")

	busy := &rejectingSubmitter{err: apperr.Transient("test", errors.New("database is locked"))}
	s = newScheduler(t, &fakeStore{events: []model.Event{ev}}, busy, &now)
	_, err = s.Scan(context.Background())
	require.Error(t, err)
	assert.True(t, s.last.IsZero())

	mixed := errors.Join(apperr.Validation("test", "bad"), fmt.Errorf("submit x: %w", apperr.Transient("test", errors.New("timeout"))))
	assert.True(t, retryable(mixed))
	assert.False(t, retryable(errors.Join(apperr.Permanent("test", errors.New("gone")), nil)))
	assert.True(t, retryable(errors.New("unclassified")))
}

func TestStartRejectsBadCron(t *testing.T) {
	now := t0
	s := newScheduler(t, &fakeStore{}, &recordingSubmitter{}, &now)
	s.cfg.ScanCron = "every minute please"
	assert.Error(t, s.Start())

	s.cfg.ScanCron = "@every 1h"
	require.NoError(t, s.Start())
	s.Stop()
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
