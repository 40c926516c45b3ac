// Package dispatch is the change feed: it validates, authorizes and commits
// mutations in per-resource order, then runs derived work (audit, fan-out)
// on a worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"teamcal/internal/access"
	"teamcal/internal/apperr"
	"teamcal/internal/conflict"
	appLog "teamcal/internal/log"
	"teamcal/internal/metrics"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
	"teamcal/internal/notify"
	"teamcal/internal/recurrence"
)

// conflictHorizon bounds how far ahead a recurring candidate is checked.
const conflictHorizon = 90 * 24 * time.Hour

var ErrClosed = apperr.Transient("dispatch.Submit", errors.New("dispatcher is closed"))

// Store is the storage the dispatcher commits through.
type Store interface {
	SnapshotFor(ctx context.Context, m *mutation.Mutation) (*access.Snapshot, error)
	Apply(ctx context.Context, m *mutation.Mutation) (version int64, duplicate bool, err error)
	AppendAudit(ctx context.Context, a model.AuditLog) error
}

// Notifier fans a committed mutation out to its recipients.
type Notifier interface {
	OnMutation(ctx context.Context, m *mutation.Mutation) (notify.Result, error)
}

// ConflictChecker reports overlaps for event mutations.
type ConflictChecker interface {
	FindConflicts(ctx context.Context, calendarIDs []string, w recurrence.Window, candidate model.Event) ([]conflict.Conflict, error)
}

type Deps struct {
	Store     Store
	Notifier  Notifier
	Conflicts ConflictChecker
	Metrics   *metrics.Metrics
}

type Options struct {
	Workers      int
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	Now          func() time.Time
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type SubmitOptions struct {
	// Strict turns detected conflicts into a ConflictDetected error.
	Strict bool
}

// Ack confirms a committed mutation.
type Ack struct {
	MutationID string              `json:"mutation_id"`
	ResourceID string              `json:"resource_id"`
	Version    int64               `json:"version"`
	Duplicate  bool                `json:"duplicate,omitempty"`
	Conflicts  []conflict.Conflict `json:"conflicts,omitempty"`
}

type jobKind string

const (
	jobAudit  jobKind = "audit"
	jobFanout jobKind = "fanout"
)

type job struct {
	kind jobKind
	m    *mutation.Mutation
	ctx  context.Context
	done func()
}

// fanout tracks the in-flight fan-out of a resource so a newer version can
// cancel it.
type fanout struct {
	version int64
	cancel  context.CancelFunc
}

type Dispatcher struct {
	deps  Deps
	opts  Options
	lanes *lanes

	jobs    chan job
	base    context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	fanouts  map[string]*fanout
}

// New starts the worker pool.
func New(deps Deps, opts Options) *Dispatcher {
	opts.normalize()
	base, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		deps:    deps,
		opts:    opts,
		lanes:   newLanes(),
		jobs:    make(chan job, opts.QueueSize),
		base:    base,
		stop:    stop,
		fanouts: make(map[string]*fanout),
	}
	for i := 0; i < opts.Workers; i++ {
		d.workers.Add(1)
		go d.worker(i)
	}
	return d
}

// Submit validates, authorizes and commits m, then queues its derived work.
// Mutations sharing a resource id commit in the order Submit was called.
func (d *Dispatcher) Submit(ctx context.Context, m *mutation.Mutation, opts SubmitOptions) (Ack, error) {
	const op = "dispatch.Submit"

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Ack{}, ErrClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	kind := "unknown"
	if m != nil {
		kind = string(m.Kind)
	}
	if err := m.Validate(); err != nil {
		d.deps.Metrics.Mutation(kind, "invalid")
		return Ack{}, err
	}
	m.Normalize(d.opts.Now())
	ack := Ack{MutationID: m.ID, ResourceID: m.ResourceID()}

	release, err := d.lanes.acquire(ctx, ack.ResourceID)
	if err != nil {
		return Ack{}, apperr.Transient(op, err)
	}
	defer release()

	snap, err := d.deps.Store.SnapshotFor(ctx, m)
	if err != nil {
		d.deps.Metrics.Mutation(kind, "error")
		return Ack{}, err
	}
	checks, err := m.Requirements(snap)
	if err != nil {
		d.deps.Metrics.Mutation(kind, "invalid")
		return Ack{}, err
	}
	for _, c := range checks {
		if err := access.Require(snap, m.ActorID, c.Resource, c.Need); err != nil {
			d.deps.Metrics.Mutation(kind, "denied")
			return Ack{}, err
		}
	}

	if conflicts := d.checkConflicts(ctx, m); len(conflicts) > 0 {
		ack.Conflicts = conflicts
		if opts.Strict {
			d.deps.Metrics.Mutation(kind, "conflict")
			return ack, apperr.Conflict(op, "%d conflicting occurrence(s) on calendar %s", len(conflicts), m.Event.CalendarID)
		}
	}

	version, duplicate, err := d.apply(ctx, m)
	if err != nil {
		d.deps.Metrics.Mutation(kind, "error")
		return Ack{}, err
	}
	ack.Version = version
	ack.Duplicate = duplicate
	if duplicate {
		d.deps.Metrics.Mutation(kind, "duplicate")
		return ack, nil
	}

	d.enqueue(m)
	d.deps.Metrics.Mutation(kind, "applied")
	appLog.Debug("mutation applied", "id", m.ID, "kind", m.Kind, "resource", ack.ResourceID, "version", version)
	return ack, nil
}

// checkConflicts is advisory; failures are logged and ignored.
func (d *Dispatcher) checkConflicts(ctx context.Context, m *mutation.Mutation) []conflict.Conflict {
	if d.deps.Conflicts == nil || !m.Kind.IsEvent() || m.Kind == mutation.EventCancelled {
		return nil
	}
	ev := *m.Event
	if ev.Status == model.EventCancelled {
		return nil
	}
	w := recurrence.Window{Start: ev.Start, End: ev.End}
	if ev.IsRecurring() {
		w.End = ev.Start.Add(conflictHorizon)
	}
	if !w.End.After(w.Start) {
		w.End = w.Start.Add(time.Minute)
	}
	conflicts, err := d.deps.Conflicts.FindConflicts(ctx, []string{ev.CalendarID}, w, ev)
	if err != nil {
		appLog.Error("conflict check failed", err, "mutation", m.ID)
		return nil
	}
	return conflicts
}

// apply commits m, retrying transient storage failures with backoff.
func (d *Dispatcher) apply(ctx context.Context, m *mutation.Mutation) (int64, bool, error) {
	started := time.Now()
	defer func() { d.deps.Metrics.ApplyDuration(time.Since(started)) }()

	backoff := d.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		version, duplicate, err := d.deps.Store.Apply(ctx, m)
		if err == nil || !apperr.IsRetryable(err) || attempt >= d.opts.MaxRetries {
			return version, duplicate, err
		}
		appLog.Debug("apply failed, retrying", "mutation", m.ID, "attempt", attempt+1, "err", err.Error())
		select {
		case <-ctx.Done():
			return 0, false, apperr.Transient("dispatch.apply", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// enqueue queues audit and fan-out for a committed mutation. A user
// mutation supersedes the pending fan-out of an older version of the same
// resource.
func (d *Dispatcher) enqueue(m *mutation.Mutation) {
	cp := *m
	d.push(job{kind: jobAudit, m: &cp, ctx: d.base, done: func() {}})

	if d.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithCancel(d.base)
	key := cp.ResourceID()
	if cp.Kind.System() {
		d.push(job{kind: jobFanout, m: &cp, ctx: ctx, done: cancel})
		return
	}

	entry := &fanout{version: cp.Version, cancel: cancel}
	d.mu.Lock()
	if prev, ok := d.fanouts[key]; ok && prev.version < cp.Version {
		prev.cancel()
		appLog.Debug("fan-out superseded", "resource", key, "old", prev.version, "new", cp.Version)
	}
	d.fanouts[key] = entry
	d.mu.Unlock()

	d.push(job{kind: jobFanout, m: &cp, ctx: ctx, done: func() {
		cancel()
		d.mu.Lock()
		if d.fanouts[key] == entry {
			delete(d.fanouts, key)
		}
		d.mu.Unlock()
	}})
}

// push blocks while the queue is full. Close waits for in-flight submits
// before closing the channel, so the send is always safe.
func (d *Dispatcher) push(j job) {
	d.jobs <- j
	d.deps.Metrics.QueueDepth(len(d.jobs))
}

func (d *Dispatcher) worker(id int) {
	defer d.workers.Done()
	for j := range d.jobs {
		d.deps.Metrics.QueueDepth(len(d.jobs))
		d.run(j)
	}
	appLog.Debug("dispatch worker stopped", "worker", id)
}

// run executes one derived job with bounded retries. Errors never reach the
// submitter.
func (d *Dispatcher) run(j job) {
	defer j.done()
	backoff := d.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		if err := j.ctx.Err(); err != nil {
			d.deps.Metrics.DerivedJob(string(j.kind), "superseded")
			return
		}
		err := d.runOnce(j)
		if err == nil {
			d.deps.Metrics.DerivedJob(string(j.kind), "ok")
			return
		}
		if errors.Is(err, context.Canceled) && j.ctx.Err() != nil {
			d.deps.Metrics.DerivedJob(string(j.kind), "superseded")
			return
		}
		retryable := apperr.IsRetryable(err)
		if !retryable || attempt >= d.opts.MaxRetries {
			d.deps.Metrics.DerivedJob(string(j.kind), "failed")
			appLog.Error("derived job failed", err, "job", j.kind, "mutation", j.m.ID, "attempts", attempt+1)
			return
		}
		d.deps.Metrics.DerivedJob(string(j.kind), "retry")
		select {
		case <-j.ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (d *Dispatcher) runOnce(j job) error {
	switch j.kind {
	case jobAudit:
		return d.deps.Store.AppendAudit(j.ctx, auditEntry(j.m))
	case jobFanout:
		res, err := d.deps.Notifier.OnMutation(j.ctx, j.m)
		for _, f := range res.Failures {
			if f.Permanent() {
				appLog.Info("notification recipient unreachable", "mutation", j.m.ID, "recipient", f.Recipient, "err", f.Err.Error())
			}
		}
		return err
	}
	return fmt.Errorf("unknown job kind %q", j.kind)
}

func auditEntry(m *mutation.Mutation) model.AuditLog {
	a := model.AuditLog{
		ID:           m.ID + ":audit",
		Action:       string(m.Kind),
		ResourceType: m.ResourceType(),
		ResourceID:   m.ResourceID(),
		Metadata: map[string]any{
			"version": m.Version,
			"summary": m.Summary(),
		},
		CreatedAt: m.SubmittedAt,
	}
	if m.ActorID != "" {
		actor := m.ActorID
		a.UserID = &actor
	}
	switch {
	case m.Task != nil:
		team := m.Task.TeamID
		a.TeamID = &team
	case m.Membership != nil:
		team := m.Membership.TeamID
		a.TeamID = &team
	}
	return a
}

// Close stops intake and waits for queued derived work. When ctx expires
// first, pending jobs are cancelled and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(d.jobs)
		d.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-drained
		return ctx.Err()
	}
}
