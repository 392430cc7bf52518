// Package cron schedules one-shot and recurring jobs. Three schedule kinds
// are supported: a fixed instant, a fixed interval anchored at a reference
// time, and a five-field cron expression at minute granularity.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSchedulePast marks an "at" schedule whose instant has already passed.
// The service deletes such jobs when deleteAfterRun is set and otherwise
// leaves them unarmed.
var ErrSchedulePast = errors.New("schedule instant is in the past")

// cronScanLimit bounds the forward search for the next matching minute.
// Expressions that cannot match within a leap year (e.g. "0 0 31 2 *") are
// treated like malformed ones.
const cronScanLimit = 366 * 24 * time.Hour

// ScheduleKind tags the variant carried by a Schedule.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is a tagged union over the three schedule kinds.
type Schedule struct {
	Kind     ScheduleKind   `json:"kind"`
	At       time.Time      `json:"at,omitempty"`
	Interval time.Duration  `json:"intervalMs,omitempty"`
	Anchor   time.Time      `json:"anchor,omitempty"`
	Expr     string         `json:"expr,omitempty"`
	Location *time.Location `json:"-"`
}

// At schedules a single run at the given instant.
func At(t time.Time) Schedule {
	return Schedule{Kind: ScheduleAt, At: t}
}

// Every schedules runs at a fixed interval anchored at the first
// scheduling.
func Every(n time.Duration) Schedule {
	return Schedule{Kind: ScheduleEvery, Interval: n}
}

// EveryAnchored schedules runs at anchor + k*n for integer k.
func EveryAnchored(n time.Duration, anchor time.Time) Schedule {
	return Schedule{Kind: ScheduleEvery, Interval: n, Anchor: anchor}
}

// Expr schedules runs from a five-field cron expression evaluated in loc
// (nil means the local zone). Fields are minute, hour, day-of-month, month,
// day-of-week; each is "*" or a single number, day-of-week 0-7 with both 0
// and 7 meaning Sunday.
func Expr(expr string, loc *time.Location) Schedule {
	return Schedule{Kind: ScheduleCron, Expr: expr, Location: loc}
}

// NextRun computes the next firing time strictly by schedule kind.
//
//   - at T: T when still ahead, else ErrSchedulePast.
//   - every N anchored A: A + ceil((now-A)/N)*N; a future anchor returns the
//     anchor itself.
//   - cron expr: the next matching minute; malformed or unsatisfiable
//     expressions fall back to one minute from now.
func (s Schedule) NextRun(now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		if s.At.After(now) {
			return s.At, nil
		}
		return time.Time{}, ErrSchedulePast

	case ScheduleEvery:
		if s.Interval <= 0 {
			return time.Time{}, fmt.Errorf("every schedule with interval %v", s.Interval)
		}
		anchor := s.Anchor
		if anchor.IsZero() {
			anchor = now
		}
		if !now.After(anchor) {
			return anchor, nil
		}
		k := ceilDiv(now.Sub(anchor), s.Interval)
		return anchor.Add(time.Duration(k) * s.Interval), nil

	case ScheduleCron:
		loc := s.Location
		if loc == nil {
			loc = time.Local
		}
		spec, err := parseCron(s.Expr)
		if err != nil {
			return now.Add(time.Minute), nil
		}
		next, ok := spec.next(now.In(loc))
		if !ok {
			return now.Add(time.Minute), nil
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Describe renders the schedule for logs and API listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case ScheduleAt:
		return "at " + s.At.Format(time.RFC3339)
	case ScheduleEvery:
		if s.Anchor.IsZero() {
			return "every " + s.Interval.String()
		}
		return fmt.Sprintf("every %s anchored %s", s.Interval, s.Anchor.Format(time.RFC3339))
	case ScheduleCron:
		return "cron " + s.Expr
	default:
		return string(s.Kind)
	}
}

func ceilDiv(a, b time.Duration) int64 {
	q := int64(a / b)
	if a%b != 0 {
		q++
	}
	return q
}

// cronSpec holds one parsed five-field expression; -1 means "*".
type cronSpec struct {
	minute int
	hour   int
	dom    int
	month  int
	dow    int
}

func parseCron(expr string) (cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSpec{}, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	spec := cronSpec{}
	var err error
	if spec.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return cronSpec{}, fmt.Errorf("minute: %w", err)
	}
	if spec.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return cronSpec{}, fmt.Errorf("hour: %w", err)
	}
	if spec.dom, err = parseCronField(fields[2], 1, 31); err != nil {
		return cronSpec{}, fmt.Errorf("day-of-month: %w", err)
	}
	if spec.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return cronSpec{}, fmt.Errorf("month: %w", err)
	}
	if spec.dow, err = parseCronField(fields[4], 0, 7); err != nil {
		return cronSpec{}, fmt.Errorf("day-of-week: %w", err)
	}
	if spec.dow == 7 {
		spec.dow = 0
	}
	return spec, nil
}

func parseCronField(s string, lo, hi int) (int, error) {
	if s == "*" {
		return -1, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither * nor a number", s)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%d outside [%d, %d]", v, lo, hi)
	}
	return v, nil
}

// next finds the first matching minute strictly after now, skipping by
// month, day, and hour rather than stepping every minute.
func (c cronSpec) next(now time.Time) (time.Time, bool) {
	loc := now.Location()
	t := now.Truncate(time.Minute).Add(time.Minute)
	limit := now.Add(cronScanLimit)

	for t.Before(limit) {
		if c.month != -1 && int(t.Month()) != c.month {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if c.hour != -1 && t.Hour() != c.hour {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if c.minute != -1 && t.Minute() != c.minute {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// dayMatches applies the classic rule: when both day fields are restricted,
// either one matching selects the day.
func (c cronSpec) dayMatches(t time.Time) bool {
	domOK := c.dom == -1 || t.Day() == c.dom
	dowOK := c.dow == -1 || int(t.Weekday()) == c.dow
	if c.dom != -1 && c.dow != -1 {
		return domOK || dowOK
	}
	return domOK && dowOK
}
