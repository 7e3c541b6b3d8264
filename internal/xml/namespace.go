package xml

import "github.com/beevik/etree"

// Namespace definitions for CalDAV and WebDAV
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
	// CalendarServer is the Calendar Server namespace (getctag)
	CalendarServer = "http://calendarserver.org/ns/"
)

var prefixes = map[string]string{
	DAV:            "D",
	CalDAV:         "C",
	CalendarServer: "CS",
}

// Name is a namespace-qualified element name.
type Name struct {
	Space string
	Local string
}

// Common element names.
var (
	NameHref         = Name{DAV, "href"}
	NameResourceType = Name{DAV, "resourcetype"}
	NameCollection   = Name{DAV, "collection"}
	NameDisplayName  = Name{DAV, "displayname"}
	NameGetETag      = Name{DAV, "getetag"}
	NameContentType  = Name{DAV, "getcontenttype"}
	NameSyncToken    = Name{DAV, "sync-token"}
	NameOwner        = Name{DAV, "owner"}
	NameCalendar     = Name{CalDAV, "calendar"}
	NameCalendarData = Name{CalDAV, "calendar-data"}
	NameComponentSet = Name{CalDAV, "supported-calendar-component-set"}
	NameComp         = Name{CalDAV, "comp"}
	NameGetCTag      = Name{CalendarServer, "getctag"}

	NameGetLastModified        = Name{DAV, "getlastmodified"}
	NamePrincipal              = Name{DAV, "principal"}
	NamePrincipalURL           = Name{DAV, "principal-URL"}
	NameCurrentUserPrincipal   = Name{DAV, "current-user-principal"}
	NameCalendarHomeSet        = Name{CalDAV, "calendar-home-set"}
	NameCalendarUserAddressSet = Name{CalDAV, "calendar-user-address-set"}
)

// ElementName resolves the namespace of e.
func ElementName(e *etree.Element) Name {
	return Name{Space: e.NamespaceURI(), Local: e.Tag}
}

// NewElement creates an element using the registered prefix of the namespace.
// Unknown namespaces get a local xmlns declaration.
func (n Name) NewElement() *etree.Element {
	if p, ok := prefixes[n.Space]; ok {
		return etree.NewElement(p + ":" + n.Local)
	}
	e := etree.NewElement(n.Local)
	if n.Space != "" {
		e.CreateAttr("xmlns", n.Space)
	}
	return e
}

// AddNamespaces declares the standard CalDAV prefixes on root.
func AddNamespaces(root *etree.Element) {
	root.CreateAttr("xmlns:D", DAV)
	root.CreateAttr("xmlns:C", CalDAV)
	root.CreateAttr("xmlns:CS", CalendarServer)
}
