// Package notify turns committed mutations into per-recipient notifications
// and hands one delivery intent per channel to the transports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"teamcal/internal/access"
	"teamcal/internal/apperr"
	"teamcal/internal/dedup"
	appLog "teamcal/internal/log"
	"teamcal/internal/metrics"
	"teamcal/internal/model"
	"teamcal/internal/mutation"
)

// namespace for deterministic notification ids.
var notificationNS = uuid.MustParse("6f1f3c52-3f57-4a43-9a0b-7d2c3e8b9a11")

// DeliveryIntent is one notification on one channel.
type DeliveryIntent struct {
	NotificationID string                 `json:"notification_id"`
	Recipient      string                 `json:"recipient"`
	Channel        model.Channel          `json:"channel"`
	Type           model.NotificationType `json:"type"`
	ResourceType   model.ResourceType     `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body,omitempty"`
	Email          string                 `json:"-"`
	// IdempotencyKey is stable across retries so transports can drop repeats.
	IdempotencyKey string `json:"idempotency_key"`
}

// Transport delivers intents for one channel. Errors of kind Transient are
// retried.
type Transport interface {
	Deliver(ctx context.Context, in DeliveryIntent) error
}

// Store persists notification rows.
type Store interface {
	InsertNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error)
	MarkDelivered(ctx context.Context, id string, ch model.Channel) error
	Preferences(ctx context.Context, userID string, typ model.NotificationType) ([]model.Channel, error)
}

// Snapshotter reads the committed state a mutation refers to.
type Snapshotter interface {
	SnapshotFor(ctx context.Context, m *mutation.Mutation) (*access.Snapshot, error)
}

// Failure records why a recipient, or one of its channels, was not served.
type Failure struct {
	Recipient string        `json:"recipient"`
	Channel   model.Channel `json:"channel,omitempty"`
	Err       error         `json:"-"`
}

// Permanent reports whether retrying cannot help.
func (f Failure) Permanent() bool {
	return apperr.KindOf(f.Err) == apperr.KindPermanent
}

func (f Failure) Error() string {
	if f.Channel != "" {
		return fmt.Sprintf("%s/%s: %v", f.Recipient, f.Channel, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Recipient, f.Err)
}

// Result is the outcome of one fan-out. Partial success is normal.
type Result struct {
	MutationID string                 `json:"mutation_id"`
	Version    int64                  `json:"version"`
	Type       model.NotificationType `json:"type"`
	Recipients []string               `json:"recipients"`
	Intents    []DeliveryIntent       `json:"intents"`
	Failures   []Failure              `json:"failures,omitempty"`
	// Complete is true once every recipient has an intent, nothing left to
	// deliver, or a permanent failure.
	Complete bool `json:"complete"`
}

type Options struct {
	ResolveTimeout   time.Duration
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
	// Concurrency bounds recipients processed at once.
	Concurrency int
}

func (o *Options) normalize() {
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 5 * time.Second
	}
	if o.DeliveryAttempts <= 0 {
		o.DeliveryAttempts = 3
	}
	if o.DeliveryBackoff <= 0 {
		o.DeliveryBackoff = 200 * time.Millisecond
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
}

type Engine struct {
	store      Store
	snaps      Snapshotter
	guard      dedup.Guard
	transports map[model.Channel]Transport
	opts       Options
	metrics    *metrics.Metrics
}

func New(store Store, snaps Snapshotter, guard dedup.Guard, transports map[model.Channel]Transport, opts Options, m *metrics.Metrics) *Engine {
	opts.normalize()
	if guard == nil {
		guard = dedup.NewMemory(time.Minute)
	}
	return &Engine{
		store:      store,
		snaps:      snaps,
		guard:      guard,
		transports: transports,
		opts:       opts,
		metrics:    m,
	}
}

// OnMutation fans m out to its recipients. m.Version must be the committed
// version. Cancelling ctx stops before the next recipient; intents already
// handed to a transport stay delivered.
func (e *Engine) OnMutation(ctx context.Context, m *mutation.Mutation) (Result, error) {
	const op = "notify.OnMutation"
	res := Result{MutationID: m.ID, Version: m.Version}

	typ, ok := TypeOf(m.Kind)
	if !ok {
		return res, apperr.Validation(op, "no notification for kind %q", m.Kind)
	}
	res.Type = typ

	snap, recipients, err := e.resolve(ctx, m)
	if err != nil {
		return res, err
	}
	res.Recipients = recipients
	if len(recipients) == 0 {
		res.Complete = true
		return res, nil
	}

	var mu sync.Mutex
	pending := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		pending[r] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, recipient := range recipients {
		recipient := recipient
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			intents, failures, done := e.serve(gctx, snap, m, typ, recipient)
			mu.Lock()
			res.Intents = append(res.Intents, intents...)
			res.Failures = append(res.Failures, failures...)
			if done {
				delete(pending, recipient)
			}
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	sortIntents(res.Intents)
	sortFailures(res.Failures)
	res.Complete = len(pending) == 0
	if err != nil {
		return res, err
	}
	if !res.Complete {
		return res, apperr.Transient(op, fmt.Errorf("%d of %d recipients pending", len(pending), len(recipients)))
	}
	return res, nil
}

// resolve loads the snapshot and recipient list under the resolve budget.
func (e *Engine) resolve(ctx context.Context, m *mutation.Mutation) (*access.Snapshot, []string, error) {
	const op = "notify.resolve"
	rctx, cancel := context.WithTimeout(ctx, e.opts.ResolveTimeout)
	defer cancel()

	type resolved struct {
		snap       *access.Snapshot
		recipients []string
		err        error
	}
	ch := make(chan resolved, 1)
	go func() {
		snap, err := e.snaps.SnapshotFor(rctx, m)
		if err != nil {
			ch <- resolved{err: err}
			return
		}
		ch <- resolved{snap: snap, recipients: Recipients(snap, m)}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, nil, apperr.Transient(op, fmt.Errorf("recipient resolution exceeded %s", e.opts.ResolveTimeout))
			}
			return nil, nil, r.err
		}
		return r.snap, r.recipients, nil
	case <-rctx.Done():
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, apperr.Transient(op, fmt.Errorf("recipient resolution exceeded %s", e.opts.ResolveTimeout))
	}
}

// serve handles one recipient. done reports whether the recipient needs no
// further work.
func (e *Engine) serve(ctx context.Context, snap *access.Snapshot, m *mutation.Mutation, typ model.NotificationType, recipient string) ([]DeliveryIntent, []Failure, bool) {
	const op = "notify.serve"

	user, ok := snap.User(recipient)
	if !ok || user.Deleted {
		return nil, []Failure{{
			Recipient: recipient,
			Err:       apperr.Permanent(op, fmt.Errorf("recipient %q has no resolvable contact", recipient)),
		}}, true
	}

	channels, err := e.channels(ctx, user, typ)
	if err != nil {
		return nil, []Failure{{Recipient: recipient, Err: err}}, false
	}

	key := model.DedupKey{RecipientID: recipient, Type: typ, ResourceID: m.ResourceID(), MutationVersion: m.Version}
	guardKey := dedup.Key(key)
	token, claimed, err := e.guard.Claim(ctx, guardKey)
	if err != nil {
		return nil, []Failure{{Recipient: recipient, Err: err}}, false
	}
	if !claimed {
		appLog.Debug("notification already in flight", "key", guardKey)
		return nil, nil, true
	}
	defer func() {
		if err := e.guard.Release(context.Background(), guardKey, token); err != nil {
			appLog.Error("failed to release notification claim", err, "key", guardKey)
		}
	}()

	title, body := message(m, typ, user)
	stored, created, err := e.store.InsertNotification(ctx, model.Notification{
		ID:              uuid.NewSHA1(notificationNS, []byte(guardKey)).String(),
		RecipientID:     recipient,
		Type:            typ,
		ResourceType:    m.ResourceType(),
		ResourceID:      key.ResourceID,
		MutationVersion: m.Version,
		Title:           title,
		Body:            body,
		Channels:        channels,
		SentAt:          time.Now().UTC(),
	})
	if err != nil {
		return nil, []Failure{{Recipient: recipient, Err: err}}, false
	}
	if !created {
		appLog.Debug("notification exists, resuming undelivered channels", "id", stored.ID)
	}

	var (
		intents  []DeliveryIntent
		failures []Failure
		done     = true
	)
	for _, ch := range undelivered(stored) {
		t := e.transports[ch]
		if t == nil {
			continue
		}
		in := DeliveryIntent{
			NotificationID: stored.ID,
			Recipient:      recipient,
			Channel:        ch,
			Type:           stored.Type,
			ResourceType:   stored.ResourceType,
			ResourceID:     stored.ResourceID,
			Title:          stored.Title,
			Body:           stored.Body,
			Email:          user.Email,
			IdempotencyKey: stored.ID + ":" + string(ch),
		}
		if err := e.deliver(ctx, t, in); err != nil {
			e.metrics.Delivery(string(ch), "failed")
			failures = append(failures, Failure{Recipient: recipient, Channel: ch, Err: err})
			if apperr.KindOf(err) != apperr.KindPermanent {
				done = false
			}
			continue
		}
		e.metrics.Delivery(string(ch), "delivered")
		intents = append(intents, in)
		if err := e.store.MarkDelivered(ctx, stored.ID, ch); err != nil {
			// the transport saw it; a retry re-emits with the same idempotency key
			appLog.Error("failed to mark notification delivered", err, "id", stored.ID, "channel", ch)
			done = false
		}
	}
	return intents, failures, done
}

// channels returns in_app plus the opted-in channels that have a
// transport. Email also needs an address.
func (e *Engine) channels(ctx context.Context, user model.User, typ model.NotificationType) ([]model.Channel, error) {
	prefs, err := e.store.Preferences(ctx, user.ID, typ)
	if err != nil {
		return nil, err
	}
	want := map[model.Channel]bool{model.ChannelInApp: true}
	for _, p := range prefs {
		want[p] = true
	}
	if user.Email == "" {
		delete(want, model.ChannelEmail)
	}
	var out []model.Channel
	for _, ch := range model.AllChannels {
		if !want[ch] {
			continue
		}
		if _, ok := e.transports[ch]; !ok {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func undelivered(n model.Notification) []model.Channel {
	var out []model.Channel
	for _, ch := range n.Channels {
		sent := false
		for _, d := range n.Delivered {
			if d == ch {
				sent = true
				break
			}
		}
		if !sent {
			out = append(out, ch)
		}
	}
	return out
}

// deliver retries transient transport errors with doubling backoff.
func (e *Engine) deliver(ctx context.Context, t Transport, in DeliveryIntent) error {
	backoff := e.opts.DeliveryBackoff
	var err error
	for attempt := 1; attempt <= e.opts.DeliveryAttempts; attempt++ {
		err = t.Deliver(ctx, in)
		if err == nil || !apperr.IsRetryable(err) {
			return err
		}
		if attempt == e.opts.DeliveryAttempts {
			break
		}
		appLog.Debug("delivery failed, retrying", "key", in.IdempotencyKey, "attempt", attempt, "err", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func sortIntents(in []DeliveryIntent) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Recipient != in[j].Recipient {
			return in[i].Recipient < in[j].Recipient
		}
		return channelRank(in[i].Channel) < channelRank(in[j].Channel)
	})
}

func sortFailures(fs []Failure) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Recipient != fs[j].Recipient {
			return fs[i].Recipient < fs[j].Recipient
		}
		return channelRank(fs[i].Channel) < channelRank(fs[j].Channel)
	})
}

func channelRank(ch model.Channel) int {
	for i, c := range model.AllChannels {
		if c == ch {
			return i
		}
	}
	return -1
}
