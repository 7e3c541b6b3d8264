package recurrence

import (
	"fmt"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/teambition/rrule-go"
)

// Engine answers window questions about canonical series.
type Engine struct {
	// MaxTimeSpan bounds the expansion of open-ended windows.
	MaxTimeSpan time.Duration

	cache *ExpansionCache
}

// NewEngine creates a recurrence engine with DefaultEngineConfig.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig)
}

// Cache returns the expansion cache, nil when disabled.
func (e *Engine) Cache() *ExpansionCache {
	return e.cache
}

// Touches reports whether any occurrence of obj intersects the window. Delete
// exceptions are honoured; change exceptions are separate objects.
func (e *Engine) Touches(obj *storage.CalendarObject, window storage.TimeRange) (bool, error) {
	if obj.Rule == nil {
		return window.Intersects(obj.Start, obj.End), nil
	}
	if window.Start.IsZero() && window.End.IsZero() {
		return true, nil
	}
	if !window.Intersects(obj.Start, obj.RangeEnd()) {
		return false, nil
	}
	occurrences, err := e.Occurrences(obj, window)
	if err != nil {
		return false, err
	}
	return len(occurrences) > 0, nil
}

// Occurrences expands the series start times whose occurrence intersects the
// window, skipping delete exceptions.
func (e *Engine) Occurrences(obj *storage.CalendarObject, window storage.TimeRange) ([]time.Time, error) {
	if obj.Rule == nil {
		if window.Intersects(obj.Start, obj.End) {
			return []time.Time{obj.Start}, nil
		}
		return nil, nil
	}
	if e.cache != nil {
		if occurrences, ok := e.cache.Get(obj, window); ok {
			return occurrences, nil
		}
	}
	occurrences, err := e.expand(obj, window)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(obj, window, occurrences)
	}
	return occurrences, nil
}

func (e *Engine) expand(obj *storage.CalendarObject, window storage.TimeRange) ([]time.Time, error) {
	opt, err := toROption(obj.Rule, obj.Start)
	if err != nil {
		return nil, err
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule: %w", err)
	}

	duration := obj.End.Sub(obj.Start)
	from := window.Start
	if from.IsZero() {
		from = obj.Start
	}
	to := window.End
	if to.IsZero() {
		to = from.Add(e.MaxTimeSpan)
	}

	// Between is inclusive of from; shift by the duration so that occurrences
	// starting before the window but still running are included.
	var out []time.Time
	for _, occ := range r.Between(from.Add(-duration), to, true) {
		if !occ.Before(to) {
			continue
		}
		if duration > 0 && !occ.Add(duration).After(from) {
			continue
		}
		if isExcluded(occ, obj.DeleteExceptions) {
			continue
		}
		out = append(out, occ)
	}
	return out, nil
}

// isExcluded checks if a given time is in the delete exception list
func isExcluded(t time.Time, exdates []time.Time) bool {
	for _, exdate := range exdates {
		if t.Equal(exdate) {
			return true
		}

		// For date-only exceptions (stored as midnight UTC), check if the occurrence
		// falls on the same date when normalized to midnight UTC
		if exdate.Hour() == 0 && exdate.Minute() == 0 && exdate.Second() == 0 && exdate.Location() == time.UTC {
			u := t.UTC()
			if time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Equal(exdate) {
				return true
			}
		}
	}
	return false
}
