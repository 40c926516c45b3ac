package recurrence

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"teamcal/internal/apperr"
	"teamcal/internal/model"
)

// DefaultMaxInstances caps a single Expand call.
const DefaultMaxInstances = 5000

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return apperr.Validation("recurrence.Window", "window bounds are required")
	}
	if !w.End.After(w.Start) {
		return apperr.Validation("recurrence.Window", "window end %s is not after start %s",
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether [start, end) intersects the window. A zero-length
// interval overlaps when its start is contained.
func (w Window) Overlaps(start, end time.Time) bool {
	if !end.After(start) {
		return w.Contains(start)
	}
	return start.Before(w.End) && end.After(w.Start)
}

// Override replaces the fields of a single generated occurrence.
type Override struct {
	Start  time.Time
	End    time.Time
	Title  string
	Status model.EventStatus
}

// Exception applies to one original instant: either it is suppressed or it
// is replaced by Override.
type Exception struct {
	Suppressed bool
	Override   *Override
}

// Exceptions is keyed by the original occurrence instant.
type Exceptions map[time.Time]Exception

// Instance is one emitted occurrence of a series.
type Instance struct {
	// OriginalStart is the generated instant, UTC.
	OriginalStart time.Time
	Start         time.Time
	End           time.Time
	Override      *Override
}

// Key is a stable identifier for the instance within its series.
func (i Instance) Key() string {
	return i.OriginalStart.UTC().Format(time.RFC3339)
}

// Config tunes a Series.
type Config struct {
	// Location is the display zone in which the rule is evaluated.
	// Defaults to UTC.
	Location *time.Location
	// Duration of each occurrence. All-day series ignore it below one day.
	Duration time.Duration
	AllDay   bool
	// End is the event's recurrence_end; inclusive. A value at local
	// midnight covers that whole local day.
	End          *time.Time
	Exceptions   Exceptions
	MaxInstances int
}

// Series generates the occurrences of one recurring event.
type Series struct {
	rule       Rule
	start      time.Time
	loc        *time.Location
	duration   time.Duration
	allDayDays int
	until      *time.Time
	exceptions map[int64]Exception
	maxInst    int
}

// NewSeries binds rule to a series start.
func NewSeries(rule Rule, start time.Time, cfg Config) (*Series, error) {
	if err := rule.validateAt(start); err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Series{
		rule:       rule,
		start:      start.In(loc).Truncate(time.Second),
		loc:        loc,
		duration:   cfg.Duration,
		exceptions: make(map[int64]Exception, len(cfg.Exceptions)),
		maxInst:    cfg.MaxInstances,
	}
	if s.maxInst <= 0 {
		s.maxInst = DefaultMaxInstances
	}
	if cfg.AllDay {
		// All-day: [local date 00:00, +N days) in the display zone.
		y, m, d := s.start.Date()
		s.start = time.Date(y, m, d, 0, 0, 0, 0, loc)
		s.allDayDays = int((cfg.Duration + 12*time.Hour) / (24 * time.Hour))
		if s.allDayDays < 1 {
			s.allDayDays = 1
		}
	}

	s.until = rule.Until
	if cfg.End != nil {
		end := cfg.End.In(loc)
		if isLocalMidnight(end) {
			end = endOfLocalDay(end)
		}
		if s.until == nil || end.Before(*s.until) {
			e := end.UTC()
			s.until = &e
		}
	}

	for k, ex := range cfg.Exceptions {
		if ex.Override != nil && ex.Override.Status == model.EventCancelled {
			ex = Exception{Suppressed: true}
		}
		s.exceptions[k.Unix()] = ex
	}
	return s, nil
}

// Rule returns the rule the series was built from.
func (s *Series) Rule() Rule { return s.rule }

// Iterator is a lazy cursor over a series. Instances come in original-start
// order; an override may move an instance's emitted start out of that order.
type Iterator struct {
	s     *Series
	next  rrule.Next
	done  bool
	empty bool
}

// Iterator starts a fresh pass over the series. Each call is independent.
func (s *Series) Iterator() *Iterator {
	it := &Iterator{s: s}
	if s.rule.Count != nil && *s.rule.Count == 0 {
		// rrule-go treats COUNT=0 as unbounded.
		it.empty = true
		return it
	}
	r, err := rrule.NewRRule(s.rule.options(s.start))
	if err != nil {
		it.empty = true
		return it
	}
	it.next = r.Iterator()
	return it
}

// nextOriginal returns the next generated instant, suppressed ones included.
func (it *Iterator) nextOriginal() (time.Time, bool) {
	if it.empty || it.done {
		return time.Time{}, false
	}
	t, ok := it.next()
	if !ok {
		it.done = true
		return time.Time{}, false
	}
	if it.s.until != nil && t.After(*it.s.until) {
		it.done = true
		return time.Time{}, false
	}
	return t, true
}

// Next returns the next non-suppressed instance.
func (it *Iterator) Next() (Instance, bool) {
	for {
		t, ok := it.nextOriginal()
		if !ok {
			return Instance{}, false
		}
		if inst, keep := it.s.instance(t); keep {
			return inst, true
		}
	}
}

func (s *Series) instance(original time.Time) (Instance, bool) {
	inst := Instance{OriginalStart: original.UTC()}
	ex, has := s.exceptions[original.Unix()]
	if has && ex.Suppressed {
		return Instance{}, false
	}
	if has && ex.Override != nil {
		o := *ex.Override
		inst.Override = &o
		inst.Start = o.Start.UTC()
		inst.End = o.End.UTC()
		return inst, true
	}
	inst.Start = original.UTC()
	if s.allDayDays > 0 {
		y, m, d := original.Date()
		inst.End = time.Date(y, m, d+s.allDayDays, 0, 0, 0, 0, s.loc).UTC()
	} else {
		inst.End = original.Add(s.duration).UTC()
	}
	return inst, true
}

// Expansion is the result of Expand.
type Expansion struct {
	Instances []Instance
	// Truncated is set when the instance cap stopped the expansion early.
	Truncated bool
}

// Expand returns the instances whose emitted start lies in w, ascending by
// start, at most one per original start. Overrides whose original lies
// outside w but whose new start lies inside are included. Two overrides
// moved onto the same start stay two instances, ordered by original start.
func (s *Series) Expand(w Window) (Expansion, error) {
	return s.collect(w, w.Contains)
}

// ExpandOverlapping is Expand with overlap semantics: an instance is kept when
// [Start, End) intersects w.
func (s *Series) ExpandOverlapping(w Window) (Expansion, error) {
	return s.collect(w, nil)
}

func (s *Series) collect(w Window, keep func(time.Time) bool) (Expansion, error) {
	var out Expansion
	if err := w.Validate(); err != nil {
		return out, err
	}

	// Originals past the window can still matter when an override moves them
	// back inside, so generation runs up to the last overridden original.
	horizon := w.End
	for k, ex := range s.exceptions {
		if ex.Override == nil {
			continue
		}
		if t := time.Unix(k, 0).UTC(); !t.Before(horizon) {
			horizon = t.Add(time.Second)
		}
	}

	it := s.Iterator()
	seen := make(map[int64]struct{})
	for {
		t, ok := it.nextOriginal()
		if !ok || !t.Before(horizon) {
			break
		}
		inst, ok := s.instance(t)
		if !ok {
			continue
		}
		var in bool
		if keep != nil {
			in = keep(inst.Start)
		} else {
			in = w.Overlaps(inst.Start, inst.End)
		}
		if !in {
			continue
		}
		if _, dup := seen[inst.OriginalStart.Unix()]; dup {
			continue
		}
		seen[inst.OriginalStart.Unix()] = struct{}{}
		if len(out.Instances) >= s.maxInst {
			out.Truncated = true
			break
		}
		out.Instances = append(out.Instances, inst)
	}

	sort.SliceStable(out.Instances, func(i, j int) bool {
		a, b := out.Instances[i], out.Instances[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.OriginalStart.Before(b.OriginalStart)
	})
	return out, nil
}

// Expand returns the emitted start instants of rule anchored at start within
// w, strictly ascending. Instances sharing a start collapse to one instant.
func Expand(rule Rule, start time.Time, exceptions Exceptions, loc *time.Location, w Window) ([]time.Time, error) {
	s, err := NewSeries(rule, start, Config{Location: loc, Exceptions: exceptions})
	if err != nil {
		return nil, err
	}
	res, err := s.Expand(w)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(res.Instances))
	for _, inst := range res.Instances {
		if n := len(out); n > 0 && out[n-1].Equal(inst.Start) {
			continue
		}
		out = append(out, inst.Start)
	}
	return out, nil
}
