package mapper

import (
	"testing"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populated() *storage.CalendarObject {
	start := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	return &storage.CalendarObject{
		ID:                 "7",
		FolderID:           "f1",
		UID:                "populated",
		SeriesID:           "7",
		Created:            start.AddDate(0, -1, 0),
		LastModified:       start.AddDate(0, 0, -1),
		Sequence:           3,
		Summary:            "Review",
		Location:           "Room A",
		Description:        "Quarterly",
		Start:              start,
		End:                start.Add(time.Hour),
		AllDay:             true,
		Transparency:       "OPAQUE",
		Classification:     "PRIVATE",
		Categories:         []string{"Work"},
		Color:              "red",
		Organizer:          &storage.Organizer{Address: "mailto:alice@example.com"},
		Participants:       []storage.Participant{{Address: "mailto:bob@example.com", CUType: storage.CUIndividual}},
		Alarms:             []storage.Alarm{{Action: "DISPLAY", Trigger: -15 * time.Minute}},
		Attachments:        []storage.Attachment{{URI: "https://example.com/agenda.pdf"}},
		Rule:               &storage.RecurrenceRule{Freq: storage.FreqWeekly, Until: start.AddDate(0, 3, 0)},
		DeleteExceptions:   []time.Time{start.AddDate(0, 0, 7)},
		Extended:           map[string]string{"X-CLIENT-STATE": "a"},
		RecurrencePosition: time.Time{},
	}
}

func TestMerge_ExplicitRemove(t *testing.T) {
	old := populated()
	merged := Merge(old, &storage.CalendarObject{}, &storage.Folder{ID: "f1", Type: storage.FolderPrivate})

	for _, f := range storage.AllFields {
		t.Run(string(f), func(t *testing.T) {
			if ExplicitRemove[f] {
				assert.False(t, merged.IsSet(f), "absent whitelisted field is cleared")
			} else {
				assert.True(t, merged.IsSet(f), "absent private field is kept")
			}
		})
	}
	assert.Equal(t, "Room A", old.Location, "the stored object is not modified")
	assert.Empty(t, merged.DeleteExceptions, "a series that stops recurring loses its delete exceptions")
	assert.Empty(t, merged.SeriesID)
	assert.Equal(t, old.ID, merged.ID)
	assert.Equal(t, old.Created, merged.Created)
}

func TestMerge_Incoming(t *testing.T) {
	old := populated()
	incoming := &storage.CalendarObject{
		Summary:  "Review (moved)",
		Start:    old.Start.Add(time.Hour),
		End:      old.End.Add(time.Hour),
		Sequence: 1,
		Rule:     &storage.RecurrenceRule{Freq: storage.FreqWeekly, Interval: 2},
		Extended: map[string]string{"X-CLIENT-STATE": "b", "X-OTHER": "c"},
	}
	merged := Merge(old, incoming, nil)

	assert.Equal(t, "Review (moved)", merged.Summary)
	assert.Equal(t, old.Start.Add(time.Hour), merged.Start)
	assert.Equal(t, 3, merged.Sequence, "sequence never goes backwards")
	require.NotNil(t, merged.Rule)
	assert.Equal(t, 2, merged.Rule.Interval)
	assert.True(t, merged.Rule.Until.IsZero(), "the rule is replaced as a whole")
	assert.Equal(t, old.DeleteExceptions, merged.DeleteExceptions)
	assert.Equal(t, "7", merged.SeriesID)
	assert.Equal(t, map[string]string{"X-CLIENT-STATE": "b", "X-OTHER": "c"}, merged.Extended)
}

func TestMerge_SharedFolderAlarms(t *testing.T) {
	tests := []struct {
		name       string
		folderType storage.FolderType
		keep       bool
	}{
		{"private", storage.FolderPrivate, false},
		{"public", storage.FolderPublic, false},
		{"shared", storage.FolderShared, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := Merge(populated(), &storage.CalendarObject{Summary: "x"}, &storage.Folder{ID: "f1", Type: tt.folderType})
			assert.Equal(t, tt.keep, merged.IsSet(storage.FieldAlarms))
		})
	}
}
