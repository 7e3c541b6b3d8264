package xml

import (
	"sort"

	"github.com/beevik/etree"
)

// Property is a generic DAV property value.
type Property struct {
	Name     Name
	Text     string
	Attrs    map[string]string
	Children []Property
}

// ToElement converts a Property to an etree.Element
func (p *Property) ToElement() *etree.Element {
	elem := p.Name.NewElement()
	keys := make([]string, 0, len(p.Attrs))
	for k := range p.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		elem.CreateAttr(k, p.Attrs[k])
	}
	if p.Text != "" {
		elem.SetText(p.Text)
	}
	for _, child := range p.Children {
		elem.AddChild(child.ToElement())
	}
	return elem
}

// Error is a DAV:error body naming the violated precondition.
type Error struct {
	Precondition Name
	Message      string
}

// Document renders the error body.
func (e *Error) Document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := NameError.NewElement()
	AddNamespaces(root)
	doc.SetRoot(root)
	cond := e.Precondition.NewElement()
	root.AddChild(cond)
	if e.Message != "" {
		root.CreateElement("D:responsedescription").SetText(e.Message)
	}
	return doc
}

// NameError is the DAV:error element.
var NameError = Name{DAV, "error"}
