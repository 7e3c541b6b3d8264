package mapper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/open-xchange/appsuite-middleware-sub085/server/patch"
	"github.com/open-xchange/appsuite-middleware-sub085/server/recurrence"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
)

const (
	dateFormat     = "20060102"
	utcFormat      = "20060102T150405Z"
	floatingFormat = "20060102T150405"

	propColor       = "COLOR"
	propFakedMaster = "X-MOZ-FAKED-MASTER"
	paramMember     = "MEMBER"
	paramSize       = "SIZE"
)

// ProductID is emitted on every document.
const ProductID = "-//appsuite-middleware//caldav-bridge//EN"

// encodeEvent renders one calendar object as a VEVENT.
func encodeEvent(obj *storage.CalendarObject, uid string) *ical.Component {
	ev := ical.NewComponent(ical.CompEvent)
	ev.Props.SetText(ical.PropUID, uid)

	stamp := obj.LastModified
	if stamp.IsZero() {
		stamp = time.Now()
	}
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	if !obj.Created.IsZero() {
		ev.Props.SetDateTime(ical.PropCreated, obj.Created.UTC())
	}
	if !obj.LastModified.IsZero() {
		ev.Props.SetDateTime(ical.PropLastModified, obj.LastModified.UTC())
	}
	if obj.Sequence > 0 {
		ev.Props.SetText(ical.PropSequence, strconv.Itoa(obj.Sequence))
	}

	setTime(ev, ical.PropDateTimeStart, obj.Start, obj.AllDay)
	if !obj.End.IsZero() {
		setTime(ev, ical.PropDateTimeEnd, obj.End, obj.AllDay)
	}
	if obj.IsException() && !obj.RecurrencePosition.IsZero() {
		setTime(ev, ical.PropRecurrenceID, obj.RecurrencePosition, obj.AllDay)
	}

	setText(ev, ical.PropSummary, obj.Summary)
	setText(ev, ical.PropLocation, obj.Location)
	setText(ev, ical.PropDescription, obj.Description)
	setText(ev, ical.PropTransparency, obj.Transparency)
	setText(ev, ical.PropClass, obj.Classification)
	setText(ev, propColor, obj.Color)
	if len(obj.Categories) > 0 {
		p := ical.NewProp(ical.PropCategories)
		p.SetTextList(obj.Categories)
		ev.Props.Set(p)
	}

	if obj.Rule != nil {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = recurrence.FormatRule(obj.Rule)
		ev.Props.Set(p)
		for _, ex := range obj.DeleteExceptions {
			p := ical.NewProp(ical.PropExceptionDates)
			setPropTime(p, ex, obj.AllDay)
			ev.Props.Add(p)
		}
	}

	if obj.Organizer != nil {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = mailto(obj.Organizer.Address)
		setParam(p, ical.ParamCommonName, obj.Organizer.CommonName)
		if obj.Organizer.SentBy != "" {
			p.Params.Set(ical.ParamSentBy, mailto(obj.Organizer.SentBy))
		}
		ev.Props.Set(p)
	}
	for _, part := range obj.Participants {
		ev.Props.Add(encodeParticipant(part))
		if part.Comment != "" {
			c := ical.NewProp(ical.PropComment)
			c.Value = part.Comment
			c.Params.Set(patch.ParamAttendeeRef, mailto(part.Address))
			ev.Props.Add(c)
		}
	}

	for _, att := range obj.Attachments {
		p := ical.NewProp(ical.PropAttach)
		p.Value = att.URI
		if att.ManagedID != "" {
			p.Value = ""
			p.Params.Set(patch.ParamManagedID, att.ManagedID)
		}
		setParam(p, patch.ParamFilename, att.Filename)
		setParam(p, ical.ParamFormatType, att.FmtType)
		if att.Size > 0 {
			p.Params.Set(paramSize, strconv.FormatInt(att.Size, 10))
		}
		ev.Props.Add(p)
	}

	names := make([]string, 0, len(obj.Extended))
	for name := range obj.Extended {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := ical.NewProp(name)
		p.Value = obj.Extended[name]
		ev.Props.Set(p)
	}

	for _, a := range obj.Alarms {
		ev.Children = append(ev.Children, encodeAlarm(a, obj.Summary))
	}
	return ev
}

func encodeParticipant(part storage.Participant) *ical.Prop {
	p := ical.NewProp(ical.PropAttendee)
	p.Value = mailto(part.Address)
	setParam(p, ical.ParamCommonName, part.CommonName)
	setParam(p, ical.ParamCalendarUserType, string(part.CUType))
	setParam(p, ical.ParamRole, part.Role)
	setParam(p, ical.ParamParticipationStatus, part.PartStat)
	if part.RSVP {
		p.Params.Set(ical.ParamRSVP, "TRUE")
	}
	for _, m := range part.Members {
		p.Params[paramMember] = append(p.Params[paramMember], mailto(m))
	}
	return p
}

func encodeAlarm(a storage.Alarm, summary string) *ical.Component {
	c := ical.NewComponent(ical.CompAlarm)
	if a.UID != "" {
		c.Props.SetText(ical.PropUID, a.UID)
	}
	action := a.Action
	if action == "" {
		action = "DISPLAY"
	}
	c.Props.SetText(ical.PropAction, action)
	desc := a.Description
	if desc == "" && action == "DISPLAY" {
		desc = summary
		if desc == "" {
			desc = "Reminder"
		}
	}
	setText(c, ical.PropDescription, desc)

	trigger := ical.NewProp(ical.PropTrigger)
	if !a.TriggerAbsolute.IsZero() {
		trigger.Value = a.TriggerAbsolute.UTC().Format(utcFormat)
		trigger.Params.Set(ical.ParamValue, string(ical.ValueDateTime))
	} else {
		trigger.SetDuration(a.Trigger)
		if a.TriggerRelEnd {
			trigger.Params.Set(ical.ParamRelated, "END")
		}
	}
	c.Props.Set(trigger)

	if !a.Acknowledged.IsZero() {
		p := ical.NewProp(patch.PropAcknowledged)
		p.SetDateTime(a.Acknowledged.UTC())
		c.Props.Set(p)
	}
	if a.RelatedTo != "" {
		p := ical.NewProp(ical.PropRelatedTo)
		p.Value = a.RelatedTo
		setParam(p, patch.ParamRelType, a.RelatedType)
		c.Props.Set(p)
	}
	return c
}

// decodeEvent reads one VEVENT into a calendar object without identifiers.
func decodeEvent(ev *ical.Component) (*storage.CalendarObject, error) {
	obj := &storage.CalendarObject{
		UID:            text(ev, ical.PropUID),
		Summary:        text(ev, ical.PropSummary),
		Location:       text(ev, ical.PropLocation),
		Description:    text(ev, ical.PropDescription),
		Transparency:   strings.ToUpper(text(ev, ical.PropTransparency)),
		Classification: strings.ToUpper(text(ev, ical.PropClass)),
		Color:          text(ev, propColor),
	}
	if seq := text(ev, ical.PropSequence); seq != "" {
		n, err := strconv.Atoi(seq)
		if err != nil {
			return nil, storage.Validation(storage.PreconditionValidData, "invalid SEQUENCE %q", seq)
		}
		obj.Sequence = n
	}

	dtstart := ev.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, storage.Validation(storage.PreconditionValidData, "event %s has no DTSTART", obj.UID)
	}
	start, allDay, err := propTime(dtstart)
	if err != nil {
		return nil, storage.Validation(storage.PreconditionValidData, "invalid DTSTART: %v", err)
	}
	obj.Start, obj.AllDay = start, allDay

	switch {
	case ev.Props.Get(ical.PropDateTimeEnd) != nil:
		end, _, err := propTime(ev.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return nil, storage.Validation(storage.PreconditionValidData, "invalid DTEND: %v", err)
		}
		obj.End = end
	case ev.Props.Get(ical.PropDuration) != nil:
		d, err := ev.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return nil, storage.Validation(storage.PreconditionValidData, "invalid DURATION: %v", err)
		}
		obj.End = obj.Start.Add(d)
	case allDay:
		obj.End = obj.Start.AddDate(0, 0, 1)
	default:
		obj.End = obj.Start
	}
	if obj.End.Before(obj.Start) {
		return nil, storage.Validation(storage.PreconditionValidData, "event %s ends before it starts", obj.UID)
	}

	if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil {
		pos, _, err := propTime(rid)
		if err != nil {
			return nil, storage.Validation(storage.PreconditionValidData, "invalid RECURRENCE-ID: %v", err)
		}
		obj.RecurrencePosition = pos
	}
	if rrule := ev.Props.Get(ical.PropRecurrenceRule); rrule != nil {
		rule, err := recurrence.ParseRule(rrule.Value)
		if err != nil {
			return nil, storage.Validation(storage.PreconditionValidData, "%v", err)
		}
		obj.Rule = rule
		for i := range ev.Props[ical.PropExceptionDates] {
			dates, err := propTimes(&ev.Props[ical.PropExceptionDates][i])
			if err != nil {
				return nil, storage.Validation(storage.PreconditionValidData, "invalid EXDATE: %v", err)
			}
			obj.DeleteExceptions = append(obj.DeleteExceptions, dates...)
		}
		sort.Slice(obj.DeleteExceptions, func(i, j int) bool {
			return obj.DeleteExceptions[i].Before(obj.DeleteExceptions[j])
		})
	}

	for i := range ev.Props[ical.PropCategories] {
		values, err := ev.Props[ical.PropCategories][i].TextList()
		if err != nil {
			continue
		}
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				obj.Categories = append(obj.Categories, v)
			}
		}
	}

	if org := ev.Props.Get(ical.PropOrganizer); org != nil && org.Value != "" {
		obj.Organizer = &storage.Organizer{
			Address:    mailto(org.Value),
			CommonName: org.Params.Get(ical.ParamCommonName),
		}
		if sentBy := org.Params.Get(ical.ParamSentBy); sentBy != "" {
			obj.Organizer.SentBy = mailto(sentBy)
		}
	}
	for _, p := range ev.Props[ical.PropAttendee] {
		if p.Value == "" {
			continue
		}
		obj.Participants = append(obj.Participants, decodeParticipant(p))
	}
	for _, c := range ev.Props[ical.PropComment] {
		ref := c.Params.Get(patch.ParamAttendeeRef)
		if ref == "" {
			continue
		}
		for i := range obj.Participants {
			if storage.NormalizeAddress(obj.Participants[i].Address) == storage.NormalizeAddress(ref) {
				obj.Participants[i].Comment = c.Value
			}
		}
	}

	for _, p := range ev.Props[ical.PropAttach] {
		if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueBinary)) {
			continue
		}
		att := storage.Attachment{
			ManagedID: p.Params.Get(patch.ParamManagedID),
			Filename:  p.Params.Get(patch.ParamFilename),
			FmtType:   p.Params.Get(ical.ParamFormatType),
		}
		if att.ManagedID == "" {
			att.URI = p.Value
		}
		if size := p.Params.Get(paramSize); size != "" {
			att.Size, _ = strconv.ParseInt(size, 10, 64)
		}
		if att.ManagedID != "" || att.URI != "" {
			obj.Attachments = append(obj.Attachments, att)
		}
	}

	for name, props := range ev.Props {
		if !strings.HasPrefix(name, "X-") || name == propFakedMaster || len(props) == 0 {
			continue
		}
		if obj.Extended == nil {
			obj.Extended = make(map[string]string)
		}
		obj.Extended[name] = props[0].Value
	}

	for _, child := range ev.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		a, err := decodeAlarm(child)
		if err != nil {
			// an unreadable alarm is dropped, the event is still usable
			continue
		}
		obj.Alarms = append(obj.Alarms, a)
	}
	return obj, nil
}

func decodeParticipant(p ical.Prop) storage.Participant {
	part := storage.Participant{
		Address:    mailto(p.Value),
		CommonName: p.Params.Get(ical.ParamCommonName),
		CUType:     storage.CUType(strings.ToUpper(p.Params.Get(ical.ParamCalendarUserType))),
		Role:       strings.ToUpper(p.Params.Get(ical.ParamRole)),
		PartStat:   strings.ToUpper(p.Params.Get(ical.ParamParticipationStatus)),
		RSVP:       strings.EqualFold(p.Params.Get(ical.ParamRSVP), "TRUE"),
	}
	if part.CUType == "" {
		part.CUType = storage.CUIndividual
	}
	for _, m := range p.Params[paramMember] {
		part.Members = append(part.Members, mailto(m))
	}
	return part
}

func decodeAlarm(c *ical.Component) (storage.Alarm, error) {
	a := storage.Alarm{
		UID:         text(c, ical.PropUID),
		Action:      strings.ToUpper(text(c, ical.PropAction)),
		Description: text(c, ical.PropDescription),
	}
	trigger := c.Props.Get(ical.PropTrigger)
	if trigger == nil {
		return a, fmt.Errorf("alarm without TRIGGER")
	}
	if trigger.ValueType() == ical.ValueDateTime {
		t, _, err := propTime(trigger)
		if err != nil {
			return a, err
		}
		a.TriggerAbsolute = t
	} else {
		d, err := trigger.Duration()
		if err != nil {
			return a, err
		}
		a.Trigger = d
		a.TriggerRelEnd = strings.EqualFold(trigger.Params.Get(ical.ParamRelated), "END")
	}
	if ack := c.Props.Get(patch.PropAcknowledged); ack != nil {
		if t, _, err := propTime(ack); err == nil {
			a.Acknowledged = t
		}
	}
	if rel := c.Props.Get(ical.PropRelatedTo); rel != nil {
		a.RelatedTo = rel.Value
		a.RelatedType = strings.ToUpper(rel.Params.Get(patch.ParamRelType))
	}
	return a, nil
}

func text(c *ical.Component, name string) string {
	v, err := c.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

func setText(c *ical.Component, name, value string) {
	if value != "" {
		c.Props.SetText(name, value)
	}
}

func setParam(p *ical.Prop, name, value string) {
	if value != "" {
		p.Params.Set(name, value)
	}
}

func mailto(address string) string {
	address = strings.TrimSpace(address)
	if address == "" || strings.Contains(address, ":") {
		return address
	}
	return "mailto:" + address
}

func setTime(c *ical.Component, name string, t time.Time, allDay bool) {
	p := ical.NewProp(name)
	setPropTime(p, t, allDay)
	c.Props.Set(p)
}

func setPropTime(p *ical.Prop, t time.Time, allDay bool) {
	t = t.UTC()
	if allDay {
		p.Value = t.Format(dateFormat)
		p.Params.Set(ical.ParamValue, string(ical.ValueDate))
		return
	}
	p.Value = t.Format(utcFormat)
}

// propTime reads a DATE or DATE-TIME value as UTC. Date-times in an unknown
// TZID are read as floating.
func propTime(p *ical.Prop) (time.Time, bool, error) {
	allDay := p.ValueType() == ical.ValueDate || len(p.Value) == len(dateFormat)
	if allDay {
		t, err := time.ParseInLocation(dateFormat, p.Value, time.UTC)
		return t, true, err
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		t, err = time.ParseInLocation(floatingFormat, strings.TrimSuffix(p.Value, "Z"), time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
	}
	return t.UTC(), false, nil
}

// propTimes reads a multi-valued date list such as EXDATE.
func propTimes(p *ical.Prop) ([]time.Time, error) {
	var out []time.Time
	for _, v := range strings.Split(p.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		single := ical.Prop{Name: p.Name, Params: p.Params, Value: v}
		t, _, err := propTime(&single)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
