package recurrence

import (
	"testing"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	rule, err := ParseRule("FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,-1FR,2WE;UNTIL=20120209T235959Z")
	require.NoError(t, err)

	assert.Equal(t, storage.FreqWeekly, rule.Freq)
	assert.Equal(t, 2, rule.Interval)
	assert.Equal(t, []string{"MO", "-1FR", "2WE"}, rule.ByDay)
	assert.Equal(t, time.Date(2012, 2, 9, 0, 0, 0, 0, time.UTC), rule.Until)
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=2;UNTIL=20120209;BYDAY=MO,-1FR,2WE", FormatRule(rule))
}

func TestParseRule_Variants(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"count", "FREQ=DAILY;COUNT=5", "FREQ=DAILY;COUNT=5"},
		{"bare date until", "FREQ=DAILY;UNTIL=20240131", "FREQ=DAILY;UNTIL=20240131"},
		{"monthly by month day", "FREQ=MONTHLY;BYMONTHDAY=1,15", "FREQ=MONTHLY;BYMONTHDAY=1,15"},
		{"yearly by month", "FREQ=YEARLY;BYMONTH=3;BYMONTHDAY=4", "FREQ=YEARLY;BYMONTHDAY=4;BYMONTH=3"},
		{"week start", "FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,SU;WKST=SU", "FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,SU;WKST=SU"},
		{"default week start", "FREQ=WEEKLY;WKST=MO", "FREQ=WEEKLY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRule(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, FormatRule(rule))
		})
	}
}

func TestParseRule_Invalid(t *testing.T) {
	_, err := ParseRule("FREQ=DAILY;UNTIL=notadate")
	assert.Error(t, err)

	_, err = ParseRule("FREQ=HOURLY")
	assert.Error(t, err)

	for _, value := range []string{
		"FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-1",
		"FREQ=YEARLY;BYYEARDAY=100",
		"FREQ=YEARLY;BYWEEKNO=20;BYDAY=MO",
		"FREQ=DAILY;BYHOUR=9,17",
	} {
		t.Run(value, func(t *testing.T) {
			_, err := ParseRule(value)
			assert.ErrorIs(t, err, ErrUnsupportedRule)
		})
	}
}

func TestEngine_WeekStart(t *testing.T) {
	engine := NewEngineWithConfig(DisabledCacheConfig)
	// biweekly TU,SU from a Tuesday: the week start decides which Sunday
	// belongs to the first week
	start := time.Date(2024, 8, 6, 9, 0, 0, 0, time.UTC)
	series := func(wkst string) *storage.CalendarObject {
		return &storage.CalendarObject{
			ID:       "1",
			SeriesID: "1",
			Start:    start,
			End:      start.Add(time.Hour),
			Rule:     &storage.RecurrenceRule{Freq: storage.FreqWeekly, Interval: 2, Count: 4, ByDay: []string{"TU", "SU"}, WeekStart: wkst},
		}
	}
	window := storage.TimeRange{Start: start, End: start.AddDate(0, 2, 0)}

	monday, err := engine.Occurrences(series(""), window)
	require.NoError(t, err)
	sunday, err := engine.Occurrences(series("SU"), window)
	require.NoError(t, err)
	at := func(m time.Month, d int) time.Time { return time.Date(2024, m, d, 9, 0, 0, 0, time.UTC) }
	assert.Equal(t, []time.Time{at(8, 6), at(8, 11), at(8, 20), at(8, 25)}, monday)
	assert.Equal(t, []time.Time{at(8, 6), at(8, 18), at(8, 20), at(9, 1)}, sunday)
}

func TestEngine_Touches(t *testing.T) {
	engine := NewEngine()
	day := func(d, h int) time.Time { return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC) }

	daily := &storage.CalendarObject{
		ID:       "1",
		SeriesID: "1",
		Start:    day(1, 9),
		End:      day(1, 10),
		Rule:     &storage.RecurrenceRule{Freq: storage.FreqDaily, Count: 3},
	}
	single := &storage.CalendarObject{ID: "2", Start: day(5, 9), End: day(5, 10)}

	tests := []struct {
		name   string
		obj    *storage.CalendarObject
		window storage.TimeRange
		want   bool
	}{
		{"single in range", single, storage.TimeRange{Start: day(5, 0), End: day(6, 0)}, true},
		{"single out of range", single, storage.TimeRange{Start: day(6, 0), End: day(7, 0)}, false},
		{"series occurrence in range", daily, storage.TimeRange{Start: day(2, 0), End: day(3, 0)}, true},
		{"series exhausted", daily, storage.TimeRange{Start: day(10, 0), End: day(11, 0)}, false},
		{"series unbounded window", daily, storage.TimeRange{}, true},
		{"series open end", daily, storage.TimeRange{Start: day(2, 0)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Touches(tt.obj, tt.window)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_DeleteExceptions(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	obj := &storage.CalendarObject{
		ID:               "1",
		SeriesID:         "1",
		Start:            start,
		End:              start.Add(time.Hour),
		Rule:             &storage.RecurrenceRule{Freq: storage.FreqDaily, Count: 3},
		DeleteExceptions: []time.Time{start.AddDate(0, 0, 1)},
	}
	window := storage.TimeRange{Start: start.AddDate(0, 0, 1).Add(-9 * time.Hour), End: start.AddDate(0, 0, 2).Add(-9 * time.Hour)}

	got, err := engine.Touches(obj, window)
	require.NoError(t, err)
	assert.False(t, got)

	occ, err := engine.Occurrences(obj, storage.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{start, start.AddDate(0, 0, 2)}, occ)
}

func TestEngine_UntilIsInclusiveDay(t *testing.T) {
	engine := NewEngine()
	start := time.Date(2012, 2, 6, 18, 0, 0, 0, time.UTC)
	obj := &storage.CalendarObject{
		ID:       "1",
		SeriesID: "1",
		Start:    start,
		End:      start.Add(time.Hour),
		Rule:     &storage.RecurrenceRule{Freq: storage.FreqDaily, Until: time.Date(2012, 2, 9, 0, 0, 0, 0, time.UTC)},
	}
	occ, err := engine.Occurrences(obj, storage.TimeRange{})
	require.NoError(t, err)
	require.Len(t, occ, 4)
	assert.Equal(t, time.Date(2012, 2, 9, 18, 0, 0, 0, time.UTC), occ[3])
}
