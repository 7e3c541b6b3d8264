package patch

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
)

// Property and parameter names shared with the mapper's canonical encoding.
const (
	ParamAttendeeRef = "X-OX-ATTENDEE-REF"
	ParamManagedID   = "MANAGED-ID"
	ParamFilename    = "FILENAME"
	ParamRelType     = "RELTYPE"
	PropAcknowledged = "ACKNOWLEDGED"
	RelTypeSnooze    = "SNOOZE"

	propAppleAttendeeComment = "X-CALENDARSERVER-ATTENDEE-COMMENT"
	propApplePrivateComment  = "X-CALENDARSERVER-PRIVATE-COMMENT"
	paramAppleAttendeeRef    = "X-CALENDARSERVER-ATTENDEE-REF"
	propMozLastAck           = "X-MOZ-LASTACK"
	propMozSnoozeTime        = "X-MOZ-SNOOZE-TIME"
)

// Proposal comment prefixes. The internal prefix is framed by a private-use
// character so it never collides with user text.
const (
	InternalProposalPrefix = "\uE000proposal\uE000 "
	ExternalProposalPrefix = "[Proposed new time] "
)

// Apple's placeholder for "no default alarm".
const (
	appleDefaultTrigger = "19760401T005545Z"
	actionNone          = "NONE"

	utcFormat = "20060102T150405Z"
)

var (
	untilDateTime = regexp.MustCompile(`(?i)UNTIL=(\d{8})T\d{6}Z?`)
	untilDate     = regexp.MustCompile(`(?i)UNTIL=(\d{8})(;|$)`)

	errNoAttachmentBase = errors.New("no attachment base URL configured")
)

// removeImplicitAttendee drops the attendee list of a private-folder event
// whose only attendee is the folder owner organizing it.
func removeImplicitAttendee(cal *ical.Calendar, pc *Context) error {
	if pc.FolderType != storage.FolderPrivate || pc.FolderOwnerAddress == "" {
		return nil
	}
	owner := storage.NormalizeAddress(pc.FolderOwnerAddress)
	for _, ev := range events(cal) {
		attendees := ev.Props[ical.PropAttendee]
		if len(attendees) != 1 || storage.NormalizeAddress(attendees[0].Value) != owner {
			continue
		}
		if org := ev.Props.Get(ical.PropOrganizer); org != nil && storage.NormalizeAddress(org.Value) != owner {
			continue
		}
		delete(ev.Props, ical.PropAttendee)
		delete(ev.Props, ical.PropOrganizer)
	}
	return nil
}

// bridgeProposalComments swaps the internal and external counter-proposal
// comment prefixes.
func bridgeProposalComments(cal *ical.Calendar, pc *Context) error {
	from, to := ExternalProposalPrefix, InternalProposalPrefix
	if pc.Direction == Outgoing {
		from, to = to, from
	}
	for _, ev := range events(cal) {
		for i := range ev.Props[ical.PropComment] {
			p := &ev.Props[ical.PropComment][i]
			if rest, ok := strings.CutPrefix(p.Value, from); ok {
				p.Value = to + rest
			}
		}
	}
	return nil
}

// bridgeAttendeeComments maps canonical per-attendee comments to the Apple
// calendar server properties. The organizer sees every attendee comment; an
// attendee only sees their own.
func bridgeAttendeeComments(cal *ical.Calendar, pc *Context) error {
	user := storage.NormalizeAddress(pc.UserAddress)
	for _, ev := range events(cal) {
		if pc.Direction == Incoming {
			fromApple(ev, user)
		} else {
			toApple(ev, user)
		}
	}
	return nil
}

func toApple(ev *ical.Component, user string) {
	organizer := false
	if org := ev.Props.Get(ical.PropOrganizer); org != nil {
		organizer = user != "" && storage.NormalizeAddress(org.Value) == user
	}
	var converted []ical.Prop
	filterProps(ev, ical.PropComment, func(p *ical.Prop) bool {
		ref := p.Params.Get(ParamAttendeeRef)
		if ref == "" {
			return true
		}
		switch {
		case organizer:
			c := ical.NewProp(propAppleAttendeeComment)
			c.Value = p.Value
			c.Params.Set(paramAppleAttendeeRef, ref)
			converted = append(converted, *c)
		case storage.NormalizeAddress(ref) == user:
			c := ical.NewProp(propApplePrivateComment)
			c.Value = p.Value
			converted = append(converted, *c)
		}
		return false
	})
	for i := range converted {
		ev.Props.Add(&converted[i])
	}
}

func fromApple(ev *ical.Component, user string) {
	var converted []ical.Prop
	for _, p := range ev.Props[propAppleAttendeeComment] {
		ref := p.Params.Get(paramAppleAttendeeRef)
		if ref == "" || p.Value == "" {
			continue
		}
		c := ical.NewProp(ical.PropComment)
		c.Value = p.Value
		c.Params.Set(ParamAttendeeRef, ref)
		converted = append(converted, *c)
	}
	if user != "" {
		for _, p := range ev.Props[propApplePrivateComment] {
			if p.Value == "" {
				continue
			}
			c := ical.NewProp(ical.PropComment)
			c.Value = p.Value
			c.Params.Set(ParamAttendeeRef, "mailto:"+user)
			converted = append(converted, *c)
		}
	}
	delete(ev.Props, propAppleAttendeeComment)
	delete(ev.Props, propApplePrivateComment)
	if len(converted) == 0 {
		return
	}
	filterProps(ev, ical.PropComment, func(p *ical.Prop) bool {
		return p.Params.Get(ParamAttendeeRef) == ""
	})
	for i := range converted {
		ev.Props.Add(&converted[i])
	}
}

// adjustUntil strips the time of day from incoming UNTIL values and widens
// outgoing bare dates to the end of day for timed series.
func adjustUntil(cal *ical.Calendar, pc *Context) error {
	for _, ev := range events(cal) {
		rules := ev.Props[ical.PropRecurrenceRule]
		if len(rules) == 0 {
			continue
		}
		if pc.Direction == Outgoing {
			if dtstart := ev.Props.Get(ical.PropDateTimeStart); dtstart == nil || dtstart.ValueType() == ical.ValueDate {
				continue
			}
		}
		for i := range rules {
			if pc.Direction == Incoming {
				rules[i].Value = untilDateTime.ReplaceAllString(rules[i].Value, "UNTIL=${1}")
			} else {
				rules[i].Value = untilDate.ReplaceAllString(rules[i].Value, "UNTIL=${1}T235959Z${2}")
			}
		}
	}
	return nil
}

// removeEmptyRDates removes RDATE properties without a value anywhere in the
// document, time zone definitions included.
func removeEmptyRDates(cal *ical.Calendar, _ *Context) error {
	var walk func(c *ical.Component)
	walk = func(c *ical.Component) {
		filterProps(c, ical.PropRecurrenceDates, func(p *ical.Prop) bool {
			return strings.TrimSpace(p.Value) != ""
		})
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(cal.Component)
	return nil
}

// bridgeSnooze converts between Mozilla's X-MOZ-LASTACK / X-MOZ-SNOOZE-TIME
// event properties and acknowledged alarms with a related snooze alarm.
func bridgeSnooze(cal *ical.Calendar, pc *Context) error {
	var errs []error
	for _, ev := range events(cal) {
		var err error
		if pc.Direction == Incoming {
			err = snoozeFromMozilla(ev)
		} else {
			err = snoozeToMozilla(ev)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isSnoozeAlarm(c *ical.Component) bool {
	rel := c.Props.Get(ical.PropRelatedTo)
	return rel != nil && strings.EqualFold(rel.Params.Get(ParamRelType), RelTypeSnooze)
}

func alarms(ev *ical.Component) (regular, snoozed []*ical.Component) {
	for _, c := range ev.Children {
		if c.Name != ical.CompAlarm {
			continue
		}
		if isSnoozeAlarm(c) {
			snoozed = append(snoozed, c)
		} else {
			regular = append(regular, c)
		}
	}
	return regular, snoozed
}

func snoozeFromMozilla(ev *ical.Component) error {
	var lastAck, snooze time.Time
	hasAck, hasSnooze := false, false
	if p := ev.Props.Get(propMozLastAck); p != nil {
		t, err := parseUTC(p)
		if err != nil {
			return err
		}
		lastAck, hasAck = t.UTC(), true
	}
	for name, props := range ev.Props {
		if !strings.HasPrefix(name, propMozSnoozeTime) || len(props) == 0 {
			continue
		}
		t, err := parseUTC(&props[0])
		if err != nil {
			return err
		}
		if !hasSnooze || t.Before(snooze) {
			snooze = t.UTC()
		}
		hasSnooze = true
	}
	if !hasAck && !hasSnooze {
		return nil
	}

	regular, _ := alarms(ev)
	if hasAck {
		for _, a := range regular {
			setDateTime(a, PropAcknowledged, lastAck)
		}
	}
	filterChildren(ev, func(c *ical.Component) bool {
		return c.Name != ical.CompAlarm || !isSnoozeAlarm(c)
	})
	if hasSnooze && len(regular) > 0 {
		orig := regular[0]
		origUID := propText(orig, ical.PropUID)
		if origUID == "" {
			origUID = uuid.NewString()
			orig.Props.SetText(ical.PropUID, origUID)
		}
		a := ical.NewComponent(ical.CompAlarm)
		a.Props.SetText(ical.PropUID, uuid.NewString())
		action := orig.Props.Get(ical.PropAction)
		if action != nil {
			a.Props.SetText(ical.PropAction, action.Value)
		} else {
			a.Props.SetText(ical.PropAction, "DISPLAY")
		}
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.SetDateTime(snooze)
		trigger.SetValueType(ical.ValueDateTime)
		a.Props.Set(trigger)
		rel := ical.NewProp(ical.PropRelatedTo)
		rel.Value = origUID
		rel.Params.Set(ParamRelType, RelTypeSnooze)
		a.Props.Set(rel)
		if hasAck {
			setDateTime(a, PropAcknowledged, lastAck)
		}
		ev.Children = append(ev.Children, a)
	}

	delete(ev.Props, propMozLastAck)
	for name := range ev.Props {
		if strings.HasPrefix(name, propMozSnoozeTime) {
			delete(ev.Props, name)
		}
	}
	return nil
}

func snoozeToMozilla(ev *ical.Component) error {
	regular, snoozed := alarms(ev)
	var lastAck time.Time
	acks := make(map[string]time.Time)
	for _, a := range regular {
		p := a.Props.Get(PropAcknowledged)
		if p == nil {
			continue
		}
		t, err := parseUTC(p)
		if err != nil {
			return err
		}
		acks[propText(a, ical.PropUID)] = t
		if t.After(lastAck) {
			lastAck = t
		}
		delete(a.Props, PropAcknowledged)
	}
	if !lastAck.IsZero() {
		setDateTime(ev, propMozLastAck, lastAck)
	}
	for _, s := range snoozed {
		related := s.Props.Get(ical.PropRelatedTo).Value
		ack, known := acks[related]
		if p := s.Props.Get(PropAcknowledged); p != nil && known {
			if t, err := parseUTC(p); err == nil && !t.Equal(ack) {
				// snooze belongs to an acknowledgement the alarm has since moved past
				continue
			}
		}
		trigger := s.Props.Get(ical.PropTrigger)
		if trigger == nil || trigger.ValueType() != ical.ValueDateTime {
			continue
		}
		t, err := parseUTC(trigger)
		if err != nil {
			return err
		}
		setDateTime(ev, propMozSnoozeTime, t)
		break
	}
	filterChildren(ev, func(c *ical.Component) bool {
		return c.Name != ical.CompAlarm || !isSnoozeAlarm(c)
	})
	return nil
}

// parseUTC reads a UTC date-time value regardless of the VALUE parameter.
func parseUTC(p *ical.Prop) (time.Time, error) {
	if t, err := time.Parse(utcFormat, p.Value); err == nil {
		return t, nil
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func setDateTime(c *ical.Component, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetDateTime(t.UTC())
	c.Props.Set(p)
}

// suppressDefaultAlarm adds Apple's "no alarm" placeholder to alarm-less events
// so the client does not inject its default alarm, and removes it again on
// upload.
func suppressDefaultAlarm(cal *ical.Calendar, pc *Context) error {
	for _, ev := range events(cal) {
		if pc.Direction == Incoming {
			filterChildren(ev, func(c *ical.Component) bool {
				return c.Name != ical.CompAlarm || !isDefaultPlaceholder(c)
			})
			continue
		}
		if hasChild(ev, ical.CompAlarm) {
			continue
		}
		a := ical.NewComponent(ical.CompAlarm)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = appleDefaultTrigger
		trigger.SetValueType(ical.ValueDateTime)
		a.Props.Set(trigger)
		a.Props.SetText(ical.PropAction, actionNone)
		ev.Children = append(ev.Children, a)
	}
	return nil
}

func isDefaultPlaceholder(c *ical.Component) bool {
	trigger := c.Props.Get(ical.PropTrigger)
	return strings.EqualFold(propText(c, ical.PropAction), actionNone) &&
		trigger != nil && trigger.Value == appleDefaultTrigger
}

func propText(c *ical.Component, name string) string {
	v, err := c.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

func hasChild(c *ical.Component, name string) bool {
	for _, child := range c.Children {
		if child.Name == name {
			return true
		}
	}
	return false
}

// resolveManagedAttachments derives managed attachment URIs from their
// MANAGED-ID on output and recognizes them again on input.
func resolveManagedAttachments(cal *ical.Calendar, pc *Context) error {
	base := strings.TrimSuffix(pc.AttachmentBaseURL, "/")
	if base == "" {
		return errNoAttachmentBase
	}
	for _, ev := range events(cal) {
		for i := range ev.Props[ical.PropAttach] {
			p := &ev.Props[ical.PropAttach][i]
			if p.Params.Get(ical.ParamValue) == string(ical.ValueBinary) {
				continue
			}
			if pc.Direction == Outgoing {
				id := p.Params.Get(ParamManagedID)
				if id == "" || p.Value != "" {
					continue
				}
				p.Value = base + "/" + url.PathEscape(id)
				if name := p.Params.Get(ParamFilename); name != "" {
					p.Value += "/" + url.PathEscape(name)
				}
				continue
			}
			if p.Params.Get(ParamManagedID) != "" {
				continue
			}
			rest, ok := strings.CutPrefix(p.Value, base+"/")
			if !ok {
				continue
			}
			idPart, _, _ := strings.Cut(rest, "/")
			id, err := url.PathUnescape(idPart)
			if err != nil || id == "" {
				continue
			}
			p.Params.Set(ParamManagedID, id)
		}
	}
	return nil
}

// stripExceptionAttachments removes attachments from change exceptions, which
// Apple clients mishandle.
func stripExceptionAttachments(cal *ical.Calendar, _ *Context) error {
	for _, ev := range events(cal) {
		if ev.Props.Get(ical.PropRecurrenceID) != nil {
			delete(ev.Props, ical.PropAttach)
		}
	}
	return nil
}
