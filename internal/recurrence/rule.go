// Package recurrence parses recurrence rules and expands them into concrete
// occurrence instants.
package recurrence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"teamcal/internal/apperr"
)

// Freq is the base repetition unit of a rule.
type Freq string

const (
	Daily   Freq = "DAILY"
	Weekly  Freq = "WEEKLY"
	Monthly Freq = "MONTHLY"
	Yearly  Freq = "YEARLY"
)

// WeekdayNum is a BYDAY entry. N is the optional ordinal ("2MO", "-1FR");
// zero means every such weekday in the period.
type WeekdayNum struct {
	Day time.Weekday
	N   int
}

// Rule is a validated recurrence rule. Count and Until are optional; when
// both are set generation stops at whichever bound is reached first.
type Rule struct {
	Freq       Freq
	Interval   int
	Count      *int
	Until      *time.Time
	ByWeekday  []WeekdayNum
	ByMonthDay []int
	WeekStart  time.Weekday
}

var dayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var dayNames = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

var rruleDays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

var rruleFreqs = map[Freq]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

const parseOp = "recurrence.Parse"

// Parse reads an RFC 5545 style rule string. Floating and date-only UNTIL
// values are interpreted in loc; a date-only UNTIL covers the whole local day.
func Parse(s string, loc *time.Location) (Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	raw := strings.TrimSpace(s)
	if len(raw) >= 6 && strings.EqualFold(raw[:6], "RRULE:") {
		raw = raw[6:]
	}
	if raw == "" {
		return Rule{}, apperr.Validation(parseOp, "empty rule")
	}

	rule := Rule{Interval: 1, WeekStart: time.Monday}
	seen := make(map[string]bool)

	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || value == "" {
			return Rule{}, apperr.Validation(parseOp, "malformed component %q", part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))
		if seen[key] {
			return Rule{}, apperr.Validation(parseOp, "duplicate key %s", key)
		}
		seen[key] = true

		switch key {
		case "FREQ":
			f := Freq(value)
			if _, ok := rruleFreqs[f]; !ok {
				return Rule{}, apperr.Validation(parseOp, "unsupported FREQ %q", value)
			}
			rule.Freq = f
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Rule{}, apperr.Validation(parseOp, "INTERVAL must be a positive integer, got %q", value)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Rule{}, apperr.Validation(parseOp, "COUNT must be a non-negative integer, got %q", value)
			}
			rule.Count = &n
		case "UNTIL":
			u, err := parseUntil(value, loc)
			if err != nil {
				return Rule{}, err
			}
			rule.Until = &u
		case "BYDAY":
			days, err := parseByDay(value)
			if err != nil {
				return Rule{}, err
			}
			rule.ByWeekday = days
		case "BYMONTHDAY":
			days, err := parseByMonthDay(value)
			if err != nil {
				return Rule{}, err
			}
			rule.ByMonthDay = days
		case "WKST":
			d, ok := dayCodes[value]
			if !ok {
				return Rule{}, apperr.Validation(parseOp, "invalid WKST %q", value)
			}
			rule.WeekStart = d
		default:
			return Rule{}, apperr.Validation(parseOp, "unsupported key %s", key)
		}
	}

	if rule.Freq == "" {
		return Rule{}, apperr.Validation(parseOp, "FREQ is required")
	}
	if err := rule.validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// MustParse is Parse for rules known to be valid; it panics otherwise.
func MustParse(s string, loc *time.Location) Rule {
	r, err := Parse(s, loc)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rule) validate() error {
	for _, wd := range r.ByWeekday {
		if wd.N != 0 && r.Freq != Monthly && r.Freq != Yearly {
			return apperr.Validation(parseOp, "BYDAY ordinals require FREQ=MONTHLY or YEARLY")
		}
	}
	if len(r.ByMonthDay) > 0 && r.Freq == Weekly {
		return apperr.Validation(parseOp, "BYMONTHDAY cannot be combined with FREQ=WEEKLY")
	}
	return nil
}

func parseUntil(value string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(value, "Z"):
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, apperr.Validation(parseOp, "invalid UNTIL %q", value)
		}
		return t, nil
	case strings.Contains(value, "T"):
		t, err := time.ParseInLocation("20060102T150405", value, loc)
		if err != nil {
			return time.Time{}, apperr.Validation(parseOp, "invalid UNTIL %q", value)
		}
		return t.UTC(), nil
	default:
		d, err := time.ParseInLocation("20060102", value, loc)
		if err != nil {
			return time.Time{}, apperr.Validation(parseOp, "invalid UNTIL %q", value)
		}
		return endOfLocalDay(d), nil
	}
}

func parseByDay(value string) ([]WeekdayNum, error) {
	var out []WeekdayNum
	for _, item := range strings.Split(value, ",") {
		if len(item) < 2 {
			return nil, apperr.Validation(parseOp, "invalid BYDAY entry %q", item)
		}
		code := item[len(item)-2:]
		day, ok := dayCodes[code]
		if !ok {
			return nil, apperr.Validation(parseOp, "invalid BYDAY entry %q", item)
		}
		n := 0
		if prefix := item[:len(item)-2]; prefix != "" {
			v, err := strconv.Atoi(prefix)
			if err != nil || v == 0 || v < -53 || v > 53 {
				return nil, apperr.Validation(parseOp, "invalid BYDAY ordinal %q", item)
			}
			n = v
		}
		out = append(out, WeekdayNum{Day: day, N: n})
	}
	return out, nil
}

func parseByMonthDay(value string) ([]int, error) {
	var out []int
	for _, item := range strings.Split(value, ",") {
		n, err := strconv.Atoi(item)
		if err != nil || n == 0 || n < -31 || n > 31 {
			return nil, apperr.Validation(parseOp, "BYMONTHDAY must be within ±1..31, got %q", item)
		}
		out = append(out, n)
	}
	return out, nil
}

// String renders the rule in canonical form. Until is always written in UTC.
func (r Rule) String() string {
	parts := []string{"FREQ=" + string(r.Freq)}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.Count != nil {
		parts = append(parts, "COUNT="+strconv.Itoa(*r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format("20060102T150405Z"))
	}
	if len(r.ByWeekday) > 0 {
		days := make([]string, 0, len(r.ByWeekday))
		for _, wd := range r.ByWeekday {
			s := dayNames[wd.Day]
			if wd.N != 0 {
				s = strconv.Itoa(wd.N) + s
			}
			days = append(days, s)
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.ByMonthDay) > 0 {
		days := make([]string, 0, len(r.ByMonthDay))
		for _, d := range r.ByMonthDay {
			days = append(days, strconv.Itoa(d))
		}
		parts = append(parts, "BYMONTHDAY="+strings.Join(days, ","))
	}
	if r.WeekStart != time.Monday {
		parts = append(parts, "WKST="+dayNames[r.WeekStart])
	}
	return strings.Join(parts, ";")
}

// options converts the rule into rrule-go options anchored at start. Until is
// left unset; Series enforces it so that COUNT and UNTIL compose.
func (r Rule) options(start time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:     rruleFreqs[r.Freq],
		Dtstart:  start,
		Interval: r.Interval,
		Wkst:     rruleDays[r.WeekStart],
	}
	if r.Count != nil {
		opt.Count = *r.Count
	}
	for _, wd := range r.ByWeekday {
		d := rruleDays[wd.Day]
		if wd.N != 0 {
			d = d.Nth(wd.N)
		}
		opt.Byweekday = append(opt.Byweekday, d)
	}
	if len(r.ByMonthDay) > 0 {
		opt.Bymonthday = append([]int(nil), r.ByMonthDay...)
		sort.Ints(opt.Bymonthday)
	}
	return opt
}

// endOfLocalDay returns the last instant of the local day containing t.
func endOfLocalDay(t time.Time) time.Time {
	y, m, d := t.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
	return next.Add(-time.Nanosecond).UTC()
}

func isLocalMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

func (r Rule) validateAt(start time.Time) error {
	if start.IsZero() {
		return apperr.Validation("recurrence.NewSeries", "series start is required")
	}
	if r.Interval < 1 {
		return apperr.Validation("recurrence.NewSeries", "interval must be >= 1")
	}
	if _, ok := rruleFreqs[r.Freq]; !ok {
		return apperr.Validation("recurrence.NewSeries", "unsupported frequency %q", r.Freq)
	}
	return nil
}
