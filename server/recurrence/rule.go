package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/teambition/rrule-go"
)

const (
	dateFormat     = "20060102"
	dateTimeFormat = "20060102T150405Z"
	localFormat    = "20060102T150405"
)

var dayNames = []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

var weekdays = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// ErrUnsupportedRule marks RRULE parts the stored rule cannot represent.
var ErrUnsupportedRule = errors.New("unsupported recurrence rule")

// unsupportedParts would change the series if dropped.
var unsupportedParts = map[string]bool{
	"BYSETPOS":  true,
	"BYYEARDAY": true,
	"BYWEEKNO":  true,
	"BYHOUR":    true,
	"BYMINUTE":  true,
	"BYSECOND":  true,
	"BYEASTER":  true,
	"RSCALE":    true,
	"SKIP":      true,
}

// ParseRule parses an RRULE value (without the "RRULE:" prefix) into the
// canonical rule. A date-time UNTIL is reduced to its UTC date. Parts the
// canonical rule has no room for fail with ErrUnsupportedRule.
func ParseRule(value string) (*storage.RecurrenceRule, error) {
	var until time.Time
	var rest []string
	for _, part := range strings.Split(strings.TrimSpace(value), ";") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if unsupportedParts[strings.ToUpper(k)] {
			return nil, fmt.Errorf("%w: %s in '%s'", ErrUnsupportedRule, strings.ToUpper(k), value)
		}
		if strings.EqualFold(k, "UNTIL") {
			t, err := ParseUntil(v)
			if err != nil {
				return nil, err
			}
			until = t
			continue
		}
		rest = append(rest, part)
	}

	opt, err := rrule.StrToROption(strings.Join(rest, ";"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE '%s': %w", value, err)
	}

	rule := &storage.RecurrenceRule{
		Interval:   opt.Interval,
		Count:      opt.Count,
		Until:      until,
		ByMonthDay: opt.Bymonthday,
		ByMonth:    opt.Bymonth,
	}
	switch opt.Freq {
	case rrule.DAILY:
		rule.Freq = storage.FreqDaily
	case rrule.WEEKLY:
		rule.Freq = storage.FreqWeekly
	case rrule.MONTHLY:
		rule.Freq = storage.FreqMonthly
	case rrule.YEARLY:
		rule.Freq = storage.FreqYearly
	default:
		return nil, fmt.Errorf("unsupported recurrence frequency in '%s'", value)
	}
	for i := range opt.Byweekday {
		day := dayNames[opt.Byweekday[i].Day()]
		if n := opt.Byweekday[i].N(); n != 0 {
			day = strconv.Itoa(n) + day
		}
		rule.ByDay = append(rule.ByDay, day)
	}
	if wd := opt.Wkst.Day(); wd != rrule.MO.Day() {
		rule.WeekStart = dayNames[wd]
	}
	return rule, nil
}

// ParseUntil accepts a bare date or a (UTC or floating) date-time and returns
// the date at midnight UTC.
func ParseUntil(v string) (time.Time, error) {
	var t time.Time
	var err error
	switch len(v) {
	case len(dateFormat):
		t, err = time.ParseInLocation(dateFormat, v, time.UTC)
	case len(localFormat):
		t, err = time.ParseInLocation(localFormat, v, time.UTC)
	default:
		t, err = time.Parse(dateTimeFormat, v)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid UNTIL %q: %w", v, err)
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// FormatRule renders the canonical rule. UNTIL is emitted as a bare date.
func FormatRule(rule *storage.RecurrenceRule) string {
	parts := []string{"FREQ=" + string(rule.Freq)}
	if rule.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(rule.Interval))
	}
	if rule.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(rule.Count))
	}
	if !rule.Until.IsZero() {
		parts = append(parts, "UNTIL="+rule.Until.UTC().Format(dateFormat))
	}
	if len(rule.ByDay) > 0 {
		parts = append(parts, "BYDAY="+strings.Join(rule.ByDay, ","))
	}
	if len(rule.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(rule.ByMonthDay))
	}
	if len(rule.ByMonth) > 0 {
		parts = append(parts, "BYMONTH="+joinInts(rule.ByMonth))
	}
	if rule.WeekStart != "" {
		parts = append(parts, "WKST="+rule.WeekStart)
	}
	return strings.Join(parts, ";")
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

// toROption builds the rrule-go option for a series starting at dtstart. The
// bare UNTIL date is widened to the last second of that day.
func toROption(rule *storage.RecurrenceRule, dtstart time.Time) (rrule.ROption, error) {
	opt := rrule.ROption{
		Dtstart:    dtstart,
		Interval:   rule.Interval,
		Count:      rule.Count,
		Bymonthday: rule.ByMonthDay,
		Bymonth:    rule.ByMonth,
	}
	switch rule.Freq {
	case storage.FreqDaily:
		opt.Freq = rrule.DAILY
	case storage.FreqWeekly:
		opt.Freq = rrule.WEEKLY
	case storage.FreqMonthly:
		opt.Freq = rrule.MONTHLY
	case storage.FreqYearly:
		opt.Freq = rrule.YEARLY
	default:
		return opt, fmt.Errorf("unsupported recurrence frequency %q", rule.Freq)
	}
	if !rule.Until.IsZero() {
		opt.Until = rule.Until.Add(24*time.Hour - time.Second)
	}
	if rule.WeekStart != "" {
		wd, err := parseWeekday(rule.WeekStart)
		if err != nil {
			return opt, err
		}
		opt.Wkst = wd
	}
	for _, d := range rule.ByDay {
		wd, err := parseWeekday(d)
		if err != nil {
			return opt, err
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	return opt, nil
}

func parseWeekday(s string) (rrule.Weekday, error) {
	if len(s) < 2 {
		return rrule.Weekday{}, fmt.Errorf("invalid BYDAY value %q", s)
	}
	name := strings.ToUpper(s[len(s)-2:])
	for i, dn := range dayNames {
		if dn != name {
			continue
		}
		if prefix := s[:len(s)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil {
				return rrule.Weekday{}, fmt.Errorf("invalid BYDAY value %q", s)
			}
			return weekdays[i].Nth(n), nil
		}
		return weekdays[i], nil
	}
	return rrule.Weekday{}, fmt.Errorf("invalid BYDAY value %q", s)
}
