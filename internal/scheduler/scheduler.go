// Package scheduler synthesizes time-driven mutations (reminders, due-soon
// tasks, file deadlines) on a cron schedule and submits them through the
// dispatcher like any other change.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"teamcal/internal/apperr"
	"teamcal/internal/config"
	"teamcal/internal/dispatch"
	appLog "teamcal/internal/log"
	"teamcal/internal/metrics"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
	"teamcal/internal/recurrence"
)

// Store lists the records that may be due.
type Store interface {
	EventsWithReminders(ctx context.Context, from time.Time) ([]model.Event, error)
	TasksDueBetween(ctx context.Context, from, to time.Time) ([]model.Task, error)
	FilesWithDeadlineBetween(ctx context.Context, from, to time.Time) ([]model.File, error)
}

type Occurrences interface {
	OccurrencesInWindow(ctx context.Context, ev model.Event, w recurrence.Window) ([]model.Occurrence, error)
}

type Submitter interface {
	Submit(ctx context.Context, m *mutation.Mutation, opts dispatch.SubmitOptions) (dispatch.Ack, error)
}

// Stats counts the mutations a scan submitted, duplicates excluded.
type Stats struct {
	Reminders int
	DueSoon   int
	Deadlines int
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	store   Store
	occ     Occurrences
	sub     Submitter
	metrics *metrics.Metrics
	now     func() time.Time

	cron *cron.Cron

	mu   sync.Mutex
	last time.Time
}

// New builds a scheduler whose first scan looks back one minute.
func New(cfg config.SchedulerConfig, store Store, occ Occurrences, sub Submitter, m *metrics.Metrics) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		occ:     occ,
		sub:     sub,
		metrics: m,
		now:     time.Now,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start registers the scan job and starts the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.cfg.ScanCron, func() {
		stats, err := s.Scan(context.Background())
		if err != nil {
			appLog.Error("scheduled scan failed", err)
			return
		}
		if stats != (Stats{}) {
			appLog.Info("scheduled scan", "reminders", stats.Reminders, "due_soon", stats.DueSoon, "deadlines", stats.Deadlines)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid scan_cron %q: %w", s.cfg.ScanCron, err)
	}
	s.cron.Start()
	appLog.Info("scheduler started", "scan_cron", s.cfg.ScanCron)
	return nil
}

// Stop waits for a running scan to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

// Scan submits every reminder whose fire time fell in (last scan, now] and
// every task or file that is due within its window. Mutation ids are
// derived from the record and its due instant, so overlapping scans
// collapse in the dispatcher. The scan cursor holds while any failure may
// succeed on a later scan; permanent rejections are reported and skipped.
func (s *Scheduler) Scan(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	from := s.last
	if from.IsZero() {
		from = now.Add(-time.Minute)
	}

	var stats Stats
	var errs []error

	n, err := s.scanReminders(ctx, from, now)
	stats.Reminders = n
	errs = append(errs, err)

	n, err = s.scanTasks(ctx, now)
	stats.DueSoon = n
	errs = append(errs, err)

	n, err = s.scanFiles(ctx, now)
	stats.Deadlines = n
	errs = append(errs, err)

	err = errors.Join(errs...)
	if !retryable(err) {
		s.last = now
	}
	return stats, err
}

// retryable reports whether any failure in err's tree is worth another scan.
// Unclassified errors count as retryable.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if retryable(e) {
				return true
			}
		}
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindAuthorization, apperr.KindConflict, apperr.KindNotFound, apperr.KindPermanent:
		return false
	}
	return true
}

func (s *Scheduler) scanReminders(ctx context.Context, from, now time.Time) (int, error) {
	events, err := s.store.EventsWithReminders(ctx, from)
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, ev := range events {
		lead := maxMinutes(ev.ReminderMinutes)
		w := recurrence.Window{Start: from, End: now.Add(time.Duration(lead)*time.Minute + time.Second)}
		occs, err := s.occ.OccurrencesInWindow(ctx, ev, w)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
			continue
		}
		for _, o := range occs {
			if o.Status == model.EventCancelled {
				continue
			}
			for _, minutes := range ev.ReminderMinutes {
				fire := o.Start.Add(-time.Duration(minutes) * time.Minute)
				if !fire.After(from) || fire.After(now) {
					continue
				}
				ok, err := s.submit(ctx, reminderMutation(ev, o, minutes))
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if ok {
					count++
				}
			}
		}
	}
	return count, errors.Join(errs...)
}

func (s *Scheduler) scanTasks(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.store.TasksDueBetween(ctx, now, now.Add(s.cfg.DueSoonWindow))
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, t := range tasks {
		task := t
		ok, err := s.submit(ctx, &mutation.Mutation{
			ID:          fmt.Sprintf("due:%s:%d", t.ID, t.DueDate.Unix()),
			Kind:        mutation.TaskDueSoon,
			SubmittedAt: now,
			Task:        &task,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

func (s *Scheduler) scanFiles(ctx context.Context, now time.Time) (int, error) {
	files, err := s.store.FilesWithDeadlineBetween(ctx, now, now.Add(s.cfg.DeadlineWindow))
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, f := range files {
		file := f
		ok, err := s.submit(ctx, &mutation.Mutation{
			ID:          fmt.Sprintf("deadline:%s:%d", f.ID, f.Deadline.Unix()),
			Kind:        mutation.FileDeadline,
			SubmittedAt: now,
			File:        &file,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// submit reports whether m produced a new version.
func (s *Scheduler) submit(ctx context.Context, m *mutation.Mutation) (bool, error) {
	ack, err := s.sub.Submit(ctx, m, dispatch.SubmitOptions{})
	if err != nil {
		return false, fmt.Errorf("submit %s: %w", m.ID, err)
	}
	if ack.Duplicate {
		return false, nil
	}
	s.metrics.Scanned(string(m.Kind))
	return true, nil
}

func reminderMutation(ev model.Event, o model.Occurrence, minutes int) *mutation.Mutation {
	payload := ev
	payload.Title = o.Title
	payload.Start = o.Start
	payload.End = o.End
	start := o.Start
	return &mutation.Mutation{
		ID:              fmt.Sprintf("reminder:%s:%d:%d", ev.ID, o.Start.Unix(), minutes),
		Kind:            mutation.EventReminder,
		SubmittedAt:     o.Start.Add(-time.Duration(minutes) * time.Minute),
		Event:           &payload,
		OccurrenceStart: &start,
	}
}

func maxMinutes(ms []int) int {
	top := 0
	for _, m := range ms {
		if m > top {
			top = m
		}
	}
	return top
}

// cronLogger routes cron's own logging through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
