package storage

import (
	"slices"
	"strings"
	"time"
)

// FolderType mirrors the groupware folder classification.
type FolderType int

const (
	FolderPrivate FolderType = iota
	FolderShared
	FolderPublic
)

// String provides a human-readable representation of the FolderType.
func (t FolderType) String() string {
	switch t {
	case FolderPrivate:
		return "private"
	case FolderShared:
		return "shared"
	case FolderPublic:
		return "public"
	default:
		return "unknown"
	}
}

// Folder is a calendar collection of the groupware store.
type Folder struct {
	ID      string
	Name    string
	OwnerID string
	// OwnerAddress is the calendar user address of the owner, e.g. "mailto:alice@example.com".
	OwnerAddress string
	Type         FolderType
}

// Identity is an internal user of the groupware.
type Identity struct {
	EntityID string
	Email    string
	Aliases  []string
}

// Matches reports whether address is the primary email or one of the aliases.
func (i *Identity) Matches(address string) bool {
	address = NormalizeAddress(address)
	if strings.EqualFold(NormalizeAddress(i.Email), address) {
		return true
	}
	for _, a := range i.Aliases {
		if strings.EqualFold(NormalizeAddress(a), address) {
			return true
		}
	}
	return false
}

// NormalizeAddress strips a mailto: prefix and lower-cases the address.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if len(address) >= 7 && strings.EqualFold(address[:7], "mailto:") {
		address = address[7:]
	}
	return strings.ToLower(address)
}

// CUType is the calendar user type of a participant.
type CUType string

const (
	CUIndividual CUType = "INDIVIDUAL"
	CUGroup      CUType = "GROUP"
	CUResource   CUType = "RESOURCE"
	CURoom       CUType = "ROOM"
	CUUnknown    CUType = "UNKNOWN"
)

// Participant is an attendee of an event.
type Participant struct {
	// Address is the calendar user address, e.g. "mailto:bob@example.com".
	Address    string
	CommonName string
	CUType     CUType
	Role       string
	PartStat   string
	RSVP       bool
	// EntityID is set for internal users, groups and resources.
	EntityID string
	// Members lists the group addresses this participant was expanded from.
	Members []string
	Comment string
}

// IsResource reports rooms and equipment.
func (p Participant) IsResource() bool {
	return p.CUType == CUResource || p.CUType == CURoom
}

// IsInternal reports participants resolved to an internal entity.
func (p Participant) IsInternal() bool {
	return p.EntityID != ""
}

// Organizer of an event.
type Organizer struct {
	Address    string
	CommonName string
	SentBy     string
}

// Alarm is a reminder attached to an event.
type Alarm struct {
	UID         string
	Action      string
	Description string
	// Trigger is relative to the start when TriggerAbsolute is zero.
	Trigger         time.Duration
	TriggerRelEnd   bool
	TriggerAbsolute time.Time
	Acknowledged    time.Time
	// RelatedTo links a snooze alarm to the alarm it snoozes.
	RelatedTo   string
	RelatedType string
}

// Attachment of an event. Managed attachments carry a server-side ID and no URI
// until the outgoing pipeline builds one.
type Attachment struct {
	ManagedID string
	URI       string
	Filename  string
	FmtType   string
	Size      int64
}

// Frequency of a recurrence rule.
type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
)

// RecurrenceRule is the canonical rule. Until is a bare date (midnight UTC)
// or zero for no limit.
type RecurrenceRule struct {
	Freq       Frequency
	Interval   int
	ByDay      []string
	ByMonthDay []int
	ByMonth    []int
	Count      int
	Until      time.Time
	// WeekStart is a two-letter day name; empty means MO.
	WeekStart string
}

// Equal compares two rules structurally.
func (r *RecurrenceRule) Equal(o *RecurrenceRule) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Freq == o.Freq && r.Interval == o.Interval && r.Count == o.Count &&
		r.Until.Equal(o.Until) && slices.Equal(r.ByDay, o.ByDay) &&
		slices.Equal(r.ByMonthDay, o.ByMonthDay) && slices.Equal(r.ByMonth, o.ByMonth) &&
		r.WeekStart == o.WeekStart
}

// RecurrenceKind classifies an object within a series.
type RecurrenceKind int

const (
	RecurrenceNone RecurrenceKind = iota
	RecurrenceMaster
	RecurrenceException
)

// CalendarObject is one appointment of the groupware store: a single event, a
// series master or a change exception.
type CalendarObject struct {
	ID       string
	FolderID string
	// UID may be empty on legacy rows.
	UID string
	// SeriesID is the master identifier. Equals ID on a master, empty on a
	// single event.
	SeriesID string
	// RecurrencePosition is the original start of the overridden occurrence.
	RecurrencePosition time.Time

	Created      time.Time
	LastModified time.Time
	Sequence     int

	Summary        string
	Location       string
	Description    string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Transparency   string
	Classification string
	Categories     []string
	Color          string

	Organizer    *Organizer
	Participants []Participant
	Alarms       []Alarm
	Attachments  []Attachment

	Rule             *RecurrenceRule
	DeleteExceptions []time.Time

	// Extended keeps client-supplied X- properties by name, raw values.
	Extended map[string]string

	// ParticipantsAuthoritative marks a participant list restored from the
	// prior version; integrity rules are skipped for that save. Not persisted.
	ParticipantsAuthoritative bool `json:"-"`
}

// Kind derives the recurrence kind from the series identifier.
func (o *CalendarObject) Kind() RecurrenceKind {
	switch {
	case o.SeriesID == "":
		return RecurrenceNone
	case o.SeriesID == o.ID:
		return RecurrenceMaster
	default:
		return RecurrenceException
	}
}

// IsException reports change exceptions: a series id differing from the own id.
func (o *CalendarObject) IsException() bool {
	return o.Kind() == RecurrenceException
}

// IsRecurring reports series masters carrying a rule.
func (o *CalendarObject) IsRecurring() bool {
	return o.Rule != nil
}

// Clone returns a deep copy.
func (o *CalendarObject) Clone() *CalendarObject {
	if o == nil {
		return nil
	}
	c := *o
	c.Categories = slices.Clone(o.Categories)
	if o.Organizer != nil {
		org := *o.Organizer
		c.Organizer = &org
	}
	c.Participants = make([]Participant, len(o.Participants))
	for i, p := range o.Participants {
		p.Members = slices.Clone(p.Members)
		c.Participants[i] = p
	}
	if o.Participants == nil {
		c.Participants = nil
	}
	c.Alarms = slices.Clone(o.Alarms)
	c.Attachments = slices.Clone(o.Attachments)
	if o.Rule != nil {
		r := *o.Rule
		r.ByDay = slices.Clone(o.Rule.ByDay)
		r.ByMonthDay = slices.Clone(o.Rule.ByMonthDay)
		r.ByMonth = slices.Clone(o.Rule.ByMonth)
		c.Rule = &r
	}
	c.DeleteExceptions = slices.Clone(o.DeleteExceptions)
	if o.Extended != nil {
		c.Extended = make(map[string]string, len(o.Extended))
		for k, v := range o.Extended {
			c.Extended[k] = v
		}
	}
	return &c
}

// RangeEnd is the end of the last occurrence, zero for unbounded series.
func (o *CalendarObject) RangeEnd() time.Time {
	if o.Rule == nil {
		return o.End
	}
	if !o.Rule.Until.IsZero() {
		return o.Rule.Until.AddDate(0, 0, 1).Add(o.End.Sub(o.Start))
	}
	return time.Time{}
}

// Field names a property governed by merge rules.
type Field string

const (
	FieldStart          Field = "start"
	FieldEnd            Field = "end"
	FieldTransparency   Field = "transparency"
	FieldLocation       Field = "location"
	FieldDescription    Field = "description"
	FieldClassification Field = "classification"
	FieldSummary        Field = "summary"
	FieldParticipants   Field = "participants"
	FieldAllDay         Field = "allday"
	FieldAlarms         Field = "alarms"
	FieldRecurrence     Field = "recurrence"
	FieldCategories     Field = "categories"
	FieldColor          Field = "color"
	FieldOrganizer      Field = "organizer"
	FieldAttachments    Field = "attachments"
)

// IsSet reports whether the field carries a value.
func (o *CalendarObject) IsSet(f Field) bool {
	switch f {
	case FieldStart:
		return !o.Start.IsZero()
	case FieldEnd:
		return !o.End.IsZero()
	case FieldTransparency:
		return o.Transparency != ""
	case FieldLocation:
		return o.Location != ""
	case FieldDescription:
		return o.Description != ""
	case FieldClassification:
		return o.Classification != ""
	case FieldSummary:
		return o.Summary != ""
	case FieldParticipants:
		return len(o.Participants) > 0
	case FieldAllDay:
		return o.AllDay
	case FieldAlarms:
		return len(o.Alarms) > 0
	case FieldRecurrence:
		return o.Rule != nil
	case FieldCategories:
		return len(o.Categories) > 0
	case FieldColor:
		return o.Color != ""
	case FieldOrganizer:
		return o.Organizer != nil
	case FieldAttachments:
		return len(o.Attachments) > 0
	}
	return false
}

// Clear resets the field to its unset value.
func (o *CalendarObject) Clear(f Field) {
	switch f {
	case FieldStart:
		o.Start = time.Time{}
	case FieldEnd:
		o.End = time.Time{}
	case FieldTransparency:
		o.Transparency = ""
	case FieldLocation:
		o.Location = ""
	case FieldDescription:
		o.Description = ""
	case FieldClassification:
		o.Classification = ""
	case FieldSummary:
		o.Summary = ""
	case FieldParticipants:
		o.Participants = nil
	case FieldAllDay:
		o.AllDay = false
	case FieldAlarms:
		o.Alarms = nil
	case FieldRecurrence:
		o.Rule = nil
	case FieldCategories:
		o.Categories = nil
	case FieldColor:
		o.Color = ""
	case FieldOrganizer:
		o.Organizer = nil
	case FieldAttachments:
		o.Attachments = nil
	}
}

// CopyField copies the field value of src into o.
func (o *CalendarObject) CopyField(f Field, src *CalendarObject) {
	c := src.Clone()
	switch f {
	case FieldStart:
		o.Start = c.Start
	case FieldEnd:
		o.End = c.End
	case FieldTransparency:
		o.Transparency = c.Transparency
	case FieldLocation:
		o.Location = c.Location
	case FieldDescription:
		o.Description = c.Description
	case FieldClassification:
		o.Classification = c.Classification
	case FieldSummary:
		o.Summary = c.Summary
	case FieldParticipants:
		o.Participants = c.Participants
	case FieldAllDay:
		o.AllDay = c.AllDay
	case FieldAlarms:
		o.Alarms = c.Alarms
	case FieldRecurrence:
		o.Rule = c.Rule
	case FieldCategories:
		o.Categories = c.Categories
	case FieldColor:
		o.Color = c.Color
	case FieldOrganizer:
		o.Organizer = c.Organizer
	case FieldAttachments:
		o.Attachments = c.Attachments
	}
}

// AllFields lists every merge-governed field.
var AllFields = []Field{
	FieldStart, FieldEnd, FieldTransparency, FieldLocation, FieldDescription,
	FieldClassification, FieldSummary, FieldParticipants, FieldAllDay, FieldAlarms,
	FieldRecurrence, FieldCategories, FieldColor, FieldOrganizer, FieldAttachments,
}

// Projection selects the fields a range query loads.
type Projection int

const (
	// ProjectionBasic loads identity, recurrence and timestamp fields.
	ProjectionBasic Projection = iota
	// ProjectionFull loads everything.
	ProjectionFull
)

// Strip reduces a fully loaded object to the basic projection.
func Strip(o *CalendarObject) *CalendarObject {
	c := &CalendarObject{
		ID:                 o.ID,
		FolderID:           o.FolderID,
		UID:                o.UID,
		SeriesID:           o.SeriesID,
		RecurrencePosition: o.RecurrencePosition,
		Created:            o.Created,
		LastModified:       o.LastModified,
		Sequence:           o.Sequence,
		Summary:            o.Summary,
		Start:              o.Start,
		End:                o.End,
		AllDay:             o.AllDay,
		Classification:     o.Classification,
	}
	if o.Rule != nil {
		c.Rule = o.Clone().Rule
	}
	c.DeleteExceptions = slices.Clone(o.DeleteExceptions)
	return c
}

// TimeRange is a half-open window [Start, End). Zero bounds are unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Intersects reports whether [start, end) touches the window. A zero end is
// treated as open-ended.
func (r TimeRange) Intersects(start, end time.Time) bool {
	if !r.End.IsZero() && !start.IsZero() && !start.Before(r.End) {
		return false
	}
	if !r.Start.IsZero() && !end.IsZero() && !end.After(r.Start) {
		return false
	}
	return true
}

// Equal compares both bounds as instants.
func (r TimeRange) Equal(o TimeRange) bool {
	return r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

// Clamp narrows r to lie within bounds.
func (r TimeRange) Clamp(bounds TimeRange) TimeRange {
	out := r
	if !bounds.Start.IsZero() && (out.Start.IsZero() || out.Start.Before(bounds.Start)) {
		out.Start = bounds.Start
	}
	if !bounds.End.IsZero() && (out.End.IsZero() || out.End.After(bounds.End)) {
		out.End = bounds.End
	}
	return out
}

// Tombstone records a deleted (or moved away) object.
type Tombstone struct {
	ID        string
	FolderID  string
	UID       string
	SeriesID  string
	Start     time.Time
	End       time.Time
	DeletedAt time.Time
}

// ResourceName is the file name an object is exposed under: "<uid>.ics", or
// "<id>.ics" for legacy rows without UID and for UIDs that cannot form a path
// segment.
func ResourceName(uid, id string) string {
	if uid == "" || len(uid) > 250 || strings.ContainsAny(uid, "/\\?#") {
		return id + ".ics"
	}
	return uid + ".ics"
}
