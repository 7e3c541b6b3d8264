// Package patch normalizes the divergences between what individual CalDAV
// clients put on the wire and the canonical iCalendar form the mapper reads
// and writes. Every rule is best-effort: a rule that cannot apply leaves the
// document untouched and never fails the request.
package patch

import (
	"fmt"
	"slices"

	"github.com/emersion/go-ical"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

// Direction of a document relative to the server.
type Direction int

const (
	Incoming Direction = 1 << iota
	Outgoing
	Both = Incoming | Outgoing
)

// String provides a human-readable representation of the Direction.
func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	case Both:
		return "both"
	default:
		return "unknown"
	}
}

// Context describes the request a document is patched for.
type Context struct {
	Agent     Agent
	Direction Direction
	// UserAddress is the calendar user address of the requesting user.
	UserAddress string
	// FolderType and FolderOwnerAddress describe the target collection.
	FolderType         storage.FolderType
	FolderOwnerAddress string
	// AttachmentBaseURL prefixes managed attachment URIs, without trailing slash.
	AttachmentBaseURL string
}

// Rule is one row of the patch table.
type Rule struct {
	Name      string
	Direction Direction
	// Agents restricts the rule; nil applies to every agent.
	Agents []Agent
	Apply  func(cal *ical.Calendar, pc *Context) error
}

func (r Rule) applies(pc *Context) bool {
	if r.Direction&pc.Direction == 0 {
		return false
	}
	return r.Agents == nil || slices.Contains(r.Agents, pc.Agent)
}

// DefaultRules is the patch table in outgoing order. Incoming documents run the
// table bottom-up so that each rule undoes its outgoing counterpart.
var DefaultRules = []Rule{
	{Name: "implicit-attendee", Direction: Outgoing, Apply: removeImplicitAttendee},
	{Name: "proposal-comment", Direction: Both, Apply: bridgeProposalComments},
	{Name: "attendee-comment", Direction: Both, Agents: Apple, Apply: bridgeAttendeeComments},
	{Name: "until-precision", Direction: Both, Apply: adjustUntil},
	{Name: "empty-rdate", Direction: Outgoing, Apply: removeEmptyRDates},
	{Name: "snooze", Direction: Both, Agents: Mozilla, Apply: bridgeSnooze},
	{Name: "default-alarm", Direction: Both, Agents: Apple, Apply: suppressDefaultAlarm},
	{Name: "managed-attachments", Direction: Both, Apply: resolveManagedAttachments},
	{Name: "exception-attachments", Direction: Both, Agents: Apple, Apply: stripExceptionAttachments},
}

// Pipeline applies a patch table.
type Pipeline struct {
	rules  []Rule
	logger *zap.Logger
}

// New creates a pipeline over rules (DefaultRules when nil).
func New(rules []Rule, logger *zap.Logger) *Pipeline {
	if rules == nil {
		rules = DefaultRules
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{rules: rules, logger: logger}
}

// Incoming patches a client document before it is decoded.
func (p *Pipeline) Incoming(cal *ical.Calendar, pc Context) {
	pc.Direction = Incoming
	for i := len(p.rules) - 1; i >= 0; i-- {
		p.run(p.rules[i], cal, &pc)
	}
}

// Outgoing patches an encoded document before it is sent.
func (p *Pipeline) Outgoing(cal *ical.Calendar, pc Context) {
	pc.Direction = Outgoing
	for _, r := range p.rules {
		p.run(r, cal, &pc)
	}
}

func (p *Pipeline) run(r Rule, cal *ical.Calendar, pc *Context) {
	if cal == nil || !r.applies(pc) {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			p.logger.Debug("patch rule panicked",
				zap.String("rule", r.Name),
				zap.Stringer("direction", pc.Direction),
				zap.Stringer("agent", pc.Agent),
				zap.String("panic", fmt.Sprint(v)))
		}
	}()
	if err := r.Apply(cal, pc); err != nil {
		p.logger.Debug("patch rule skipped",
			zap.String("rule", r.Name),
			zap.Stringer("direction", pc.Direction),
			zap.Stringer("agent", pc.Agent),
			zap.Error(err))
	}
}

// events returns the VEVENT children of a calendar.
func events(cal *ical.Calendar) []*ical.Component {
	var out []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			out = append(out, child)
		}
	}
	return out
}

// filterProps keeps the props of name for which keep returns true.
func filterProps(comp *ical.Component, name string, keep func(p *ical.Prop) bool) {
	props := comp.Props[name]
	if len(props) == 0 {
		return
	}
	kept := props[:0]
	for i := range props {
		if keep(&props[i]) {
			kept = append(kept, props[i])
		}
	}
	if len(kept) == 0 {
		delete(comp.Props, name)
		return
	}
	comp.Props[name] = kept
}

// filterChildren keeps the child components for which keep returns true.
func filterChildren(comp *ical.Component, keep func(c *ical.Component) bool) {
	kept := comp.Children[:0]
	for _, c := range comp.Children {
		if keep(c) {
			kept = append(kept, c)
		}
	}
	comp.Children = kept
}
