package occurrence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"teamcal/internal/model"
	"teamcal/internal/recurrence"
)

const defaultCacheSize = 1024

// OverrideSource loads the stored exception events of a series.
type OverrideSource interface {
	Overrides(ctx context.Context, parentEventID string) ([]model.Event, error)
}

// EventSource loads the base (non-override) events of calendars that may
// produce occurrences in w.
type EventSource interface {
	BaseEvents(ctx context.Context, calendarIDs []string, w recurrence.Window) ([]model.Event, error)
}

// Source is the storage the Service reads from.
type Source interface {
	OverrideSource
	EventSource
}

// Service memoizes Materialize per (event revision, overrides revision,
// window). Concurrent identical requests share one computation.
type Service struct {
	src   Source
	opts  Options
	cache *lru.Cache
	group singleflight.Group
}

// NewService builds a Service with an LRU of cacheSize entries.
func NewService(src Source, cacheSize int, opts Options) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("occurrence: create cache: %w", err)
	}
	return &Service{src: src, opts: opts, cache: c}, nil
}

// OccurrencesInWindow materializes ev over w using its stored overrides.
func (s *Service) OccurrencesInWindow(ctx context.Context, ev model.Event, w recurrence.Window) ([]model.Occurrence, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	var overrides []model.Event
	if ev.IsRecurring() {
		var err error
		overrides, err = s.src.Overrides(ctx, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("occurrence: load overrides for %s: %w", ev.ID, err)
		}
	}

	key := cacheKey(ev, overrides, w)
	if v, ok := s.cache.Get(key); ok {
		return cloneOccurrences(v.([]model.Occurrence)), nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		res, err := Materialize(ev, overrides, w, s.opts)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, res.Occurrences)
		return res.Occurrences, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneOccurrences(v.([]model.Occurrence)), nil
}

// CalendarOccurrences materializes every base event of calendarIDs over w,
// sorted by (start, event id).
func (s *Service) CalendarOccurrences(ctx context.Context, calendarIDs []string, w recurrence.Window) ([]model.Occurrence, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	events, err := s.src.BaseEvents(ctx, calendarIDs, w)
	if err != nil {
		return nil, fmt.Errorf("occurrence: load events: %w", err)
	}

	var out []model.Occurrence
	for _, ev := range events {
		if ev.IsOverride() {
			continue
		}
		occ, err := s.OccurrencesInWindow(ctx, ev, w)
		if err != nil {
			return nil, fmt.Errorf("occurrence: event %s: %w", ev.ID, err)
		}
		out = append(out, occ...)
	}
	SortOccurrences(out)
	return out, nil
}

// Purge drops every cached expansion.
func (s *Service) Purge() {
	s.cache.Purge()
}

func cacheKey(ev model.Event, overrides []model.Event, w recurrence.Window) string {
	revs := make([]string, 0, len(overrides))
	for _, o := range overrides {
		revs = append(revs, o.ID+"@"+o.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	sort.Strings(revs)
	return strings.Join([]string{
		ev.ID,
		ev.UpdatedAt.UTC().Format(time.RFC3339Nano),
		ev.Start.UTC().Format(time.RFC3339),
		ev.End.UTC().Format(time.RFC3339),
		ev.RecurrenceRule,
		strings.Join(revs, ","),
		w.Start.UTC().Format(time.RFC3339),
		w.End.UTC().Format(time.RFC3339),
	}, "|")
}

func cloneOccurrences(in []model.Occurrence) []model.Occurrence {
	if in == nil {
		return nil
	}
	out := make([]model.Occurrence, len(in))
	copy(out, in)
	return out
}
