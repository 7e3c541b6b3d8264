package mapper

import (
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
)

// ExplicitRemove lists the fields whose absence from an upload clears the
// stored value. Fields outside the list are server or client private and keep
// their stored value when absent.
var ExplicitRemove = map[storage.Field]bool{
	storage.FieldStart:          true,
	storage.FieldEnd:            true,
	storage.FieldTransparency:   true,
	storage.FieldLocation:       true,
	storage.FieldDescription:    true,
	storage.FieldClassification: true,
	storage.FieldSummary:        true,
	storage.FieldParticipants:   true,
	storage.FieldAllDay:         true,
	storage.FieldAlarms:         true,
	storage.FieldRecurrence:     true,
}

// Merge applies an uploaded component onto the stored object. The result keeps
// the identity, timestamps and delete exceptions of old; new delete exceptions
// are persisted separately.
//
// A recurring upload onto a recurring object replaces the rule as a whole, so an
// absent UNTIL (or interval, by-day, count) means "not limited" afterwards.
func Merge(old, incoming *storage.CalendarObject, folder *storage.Folder) *storage.CalendarObject {
	merged := old.Clone()
	for _, f := range storage.AllFields {
		if incoming.IsSet(f) {
			merged.CopyField(f, incoming)
			continue
		}
		if !old.IsSet(f) || !ExplicitRemove[f] {
			continue
		}
		if f == storage.FieldAlarms && folder != nil && folder.Type == storage.FolderShared {
			// alarms in shared folders belong to the viewing user, not the document
			continue
		}
		merged.Clear(f)
	}
	if merged.Rule == nil && !merged.IsException() {
		merged.DeleteExceptions = nil
		merged.SeriesID = ""
	}

	if incoming.Sequence > merged.Sequence {
		merged.Sequence = incoming.Sequence
	}
	if len(incoming.Extended) > 0 {
		if merged.Extended == nil {
			merged.Extended = make(map[string]string, len(incoming.Extended))
		}
		for k, v := range incoming.Extended {
			merged.Extended[k] = v
		}
	}
	merged.ParticipantsAuthoritative = incoming.ParticipantsAuthoritative
	return merged
}
