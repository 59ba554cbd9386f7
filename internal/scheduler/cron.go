package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cron is a parsed 5-field cron expression: minute, hour, day of month,
// month, day of week. Each field is stored as a bit set.
type Cron struct {
	minute, hour, dom, month, dow uint64

	// Unrestricted day fields, for the day-of-month/day-of-week OR rule.
	domStar, dowStar bool
}

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// ParseCron parses a standard 5-field expression. Each field accepts *, */n,
// n, n-m, n-m/s and comma lists. Day of week 7 is Sunday.
func ParseCron(expr string) (*Cron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var sets [5]uint64
	for i, f := range fields {
		set, err := parseField(f, fieldBounds[i])
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", fieldBounds[i].name, err)
		}
		sets[i] = set
	}

	dow := sets[4]
	if dow&(1<<7) != 0 {
		dow = dow&^(1<<7) | 1
	}
	return &Cron{
		minute:  sets[0],
		hour:    sets[1],
		dom:     sets[2],
		month:   sets[3],
		dow:     dow,
		domStar: strings.HasPrefix(fields[2], "*"),
		dowStar: strings.HasPrefix(fields[4], "*"),
	}, nil
}

// Matches reports whether t falls in a minute the expression selects. When
// both day fields are restricted, either one matching is enough.
func (c *Cron) Matches(t time.Time) bool {
	return has(c.minute, t.Minute()) &&
		has(c.hour, t.Hour()) &&
		has(c.month, int(t.Month())) &&
		c.dayMatches(t)
}

// maxSearch bounds Next; an expression like "0 0 31 2 *" never fires.
const maxSearch = 4 * 366 * 24 * time.Hour

// Next returns the first matching minute strictly after t, or the zero time
// if none exists within four years.
func (c *Cron) Next(t time.Time) time.Time {
	cur := t.Truncate(time.Minute).Add(time.Minute)
	end := t.Add(maxSearch)
	for cur.Before(end) {
		switch {
		case !has(c.month, int(cur.Month())):
			cur = time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, cur.Location())
		case !c.dayMatches(cur):
			cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, cur.Location())
		case !has(c.hour, cur.Hour()):
			cur = cur.Truncate(time.Hour).Add(time.Hour)
		case !has(c.minute, cur.Minute()):
			cur = cur.Add(time.Minute)
		default:
			return cur
		}
	}
	return time.Time{}
}

func (c *Cron) dayMatches(t time.Time) bool {
	domOK := has(c.dom, t.Day())
	dowOK := has(c.dow, int(t.Weekday()))
	if c.domStar || c.dowStar {
		return domOK && dowOK
	}
	return domOK || dowOK
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func parseField(field string, b bounds) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		s, err := parsePart(part, b)
		if err != nil {
			return 0, err
		}
		set |= s
	}
	return set, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	lo, hi, step := b.min, b.max, 1

	rng, stepStr, hasStep := strings.Cut(part, "/")
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step %q", part)
		}
		step = n
	}

	switch {
	case rng == "*":
	case strings.Contains(rng, "-"):
		from, to, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = atoiIn(from, b); err != nil {
			return 0, err
		}
		if hi, err = atoiIn(to, b); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range %q runs backwards", rng)
		}
	default:
		v, err := atoiIn(rng, b)
		if err != nil {
			return 0, err
		}
		if hasStep {
			return 0, fmt.Errorf("step needs a range in %q", part)
		}
		lo, hi = v, v
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

func atoiIn(s string, b bounds) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of range %d-%d", v, b.min, b.max)
	}
	return v, nil
}
