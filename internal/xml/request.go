package xml

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/beevik/etree"
)

// RequestKind is the root element of a PROPFIND or REPORT body.
type RequestKind int

const (
	KindPropfind RequestKind = iota
	KindSyncCollection
	KindCalendarMultiget
	KindCalendarQuery
)

func (k RequestKind) String() string {
	switch k {
	case KindPropfind:
		return "propfind"
	case KindSyncCollection:
		return "sync-collection"
	case KindCalendarMultiget:
		return "calendar-multiget"
	case KindCalendarQuery:
		return "calendar-query"
	default:
		return "unknown"
	}
}

var kinds = map[Name]RequestKind{
	{DAV, "propfind"}:             KindPropfind,
	{DAV, "sync-collection"}:      KindSyncCollection,
	{CalDAV, "calendar-multiget"}: KindCalendarMultiget,
	{CalDAV, "calendar-query"}:    KindCalendarQuery,
}

// TimeRange is a CALDAV:time-range filter. Zero bounds are open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Request is a parsed PROPFIND or REPORT body.
type Request struct {
	Kind RequestKind
	// AllProp is set for allprop and for an empty PROPFIND body.
	AllProp  bool
	PropName bool
	Props    []Name
	// Hrefs of a calendar-multiget.
	Hrefs []string
	// SyncToken and SyncLevel of a sync-collection.
	SyncToken string
	SyncLevel string
	// TimeRange of a calendar-query, nil without one.
	TimeRange *TimeRange
}

// Wants reports whether the property was requested.
func (r *Request) Wants(n Name) bool {
	if r.AllProp {
		return true
	}
	for _, p := range r.Props {
		if p == n {
			return true
		}
	}
	return false
}

const timeRangeFormat = "20060102T150405Z"

// ParseRequest reads a request body. An empty body is an allprop PROPFIND.
func ParseRequest(body io.Reader) (*Request, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &Request{Kind: KindPropfind, AllProp: true}, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("malformed XML body: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("malformed XML body: no root element")
	}
	kind, ok := kinds[ElementName(root)]
	if !ok {
		return nil, fmt.Errorf("unsupported request %s", root.Tag)
	}

	req := &Request{Kind: kind}
	for _, child := range root.ChildElements() {
		name := ElementName(child)
		switch {
		case name == Name{DAV, "allprop"}:
			req.AllProp = true
		case name == Name{DAV, "propname"}:
			req.PropName = true
		case name == Name{DAV, "prop"}:
			for _, p := range child.ChildElements() {
				req.Props = append(req.Props, ElementName(p))
			}
		case name == NameHref:
			req.Hrefs = append(req.Hrefs, child.Text())
		case name == NameSyncToken:
			req.SyncToken = child.Text()
		case name == Name{DAV, "sync-level"}:
			req.SyncLevel = child.Text()
		case name == Name{CalDAV, "filter"}:
			tr, err := parseTimeRange(child)
			if err != nil {
				return nil, err
			}
			req.TimeRange = tr
		}
	}
	if kind == KindPropfind && !req.PropName && len(req.Props) == 0 {
		req.AllProp = true
	}
	return req, nil
}

// parseTimeRange finds the first time-range below a filter.
func parseTimeRange(filter *etree.Element) (*TimeRange, error) {
	var found *etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		for _, c := range e.ChildElements() {
			if found != nil {
				return
			}
			if ElementName(c) == (Name{CalDAV, "time-range"}) {
				found = c
				return
			}
			walk(c)
		}
	}
	walk(filter)
	if found == nil {
		return nil, nil
	}

	var tr TimeRange
	for _, bound := range []struct {
		attr string
		dst  *time.Time
	}{{"start", &tr.Start}, {"end", &tr.End}} {
		v := found.SelectAttrValue(bound.attr, "")
		if v == "" {
			continue
		}
		t, err := time.Parse(timeRangeFormat, v)
		if err != nil {
			return nil, fmt.Errorf("invalid time-range %s %q: %w", bound.attr, v, err)
		}
		*bound.dst = t.UTC()
	}
	return &tr, nil
}
